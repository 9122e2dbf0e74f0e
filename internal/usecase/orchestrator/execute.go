package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/planner"
)

// Progress update texts.
const (
	updatePlanning      = "Planning..."
	updateVisualization = "Generating visualization..."
)

// Metadata fields read by the special actions.
const (
	metaResearchQuery = "research_query"
	metaReportLevel   = "report_level"
	metaPersona       = "persona"
	metaReportContent = "report_content"
	metaCreatedAt     = "created_at"
	metaReportID      = "report_id"
	metaPlanID        = "plan_id"
)

// Prompt keys looked up in the resolved config.
const (
	promptMemoryContext = "memory_context"
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// flatten joins an agent's text onto one line.
func flatten(s string) string {
	return strings.TrimSpace(lineBreaks.Replace(s))
}

// routesToFallback reports whether a failure before any user-visible output
// should be answered by the fallback agent instead of an error.
func routesToFallback(err error) bool {
	if errors.Is(err, domain.ErrPlannerParse) || errors.Is(err, domain.ErrUnknownAgent) {
		return true
	}
	return !domain.IsTransient(err) && !errors.Is(err, domain.ErrContentFilter) && !errors.Is(err, context.Canceled)
}

// invocationError classifies an agent failure that aborts the request.
func invocationError(err error) error {
	if domain.IsTransient(err) {
		return domain.Join(domain.ErrAgentInvocation, err)
	}
	return err
}

// turn holds the history entries of one request until Run commits them.
// A request abandoned on timeout never reaches the session history.
type turn struct {
	msgs []domain.Message
}

func (t *turn) add(m domain.Message) { t.msgs = append(t.msgs, m) }

func (o *Orchestrator) execute(ctx context.Context, req *domain.Request, em *emitter, tr *turn) (*domain.Response, error) {
	o.mu.Lock()
	closed, initialized := o.closed, o.initialized
	o.mu.Unlock()
	if closed {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrSessionClosed, o.sessionID)
	}
	if !initialized {
		if err := o.Initialize(ctx, req.ThreadID); err != nil {
			return nil, err
		}
	}

	userMsg := domain.NewMessage(domain.RoleUser, req.Message)
	tr.add(userMsg)

	switch action := req.Action(); action {
	case "":
	case domain.ActionSave:
		return o.save(ctx, req)
	case domain.ActionCompare:
		return o.compare(ctx, req, tr)
	default:
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrInvalidRequest, "unsupported action "+action)
	}

	if strings.TrimSpace(req.Message) == "" {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrInvalidRequest, "empty message")
	}

	em.update(ctx, updatePlanning)
	plan, err := o.plan(ctx, userMsg)
	switch {
	case err != nil && routesToFallback(err):
		return o.fallback(ctx, req, userMsg, tr, err)
	case err != nil:
		return nil, invocationError(err)
	case plan.IsFallback():
		return o.fallback(ctx, req, userMsg, tr, nil)
	}

	em.update(ctx, fmt.Sprintf("Executing plan with %d steps: %s", len(plan.Agents), plan.Describe()))
	return o.executePlan(ctx, req, em, tr, plan, userMsg)
}

func (o *Orchestrator) plan(ctx context.Context, userMsg domain.Message) (*domain.Plan, error) {
	a, th, err := o.agentFor(domain.KindPlanner)
	if err != nil {
		return nil, err
	}
	ac, err := o.cfg.AgentConfig(domain.KindPlanner)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	plan, err := o.deps.Planner.Plan(ctx, planner.Input{
		Agent:          a,
		Thread:         th,
		Overrides:      o.cfg.Overrides(ac),
		Message:        userMsg,
		Catalog:        o.catalog(),
		MemoryTemplate: o.cfg.Prompt(promptMemoryContext),
		Spawn:          o.spawn,
	})
	o.deps.Metrics.AgentInvoked(string(domain.KindPlanner), err)
	logger.FromContext(ctx, o.logger).Debug("planner finished", "elapsed", time.Since(start), "error", err)
	return plan, err
}

// catalog lists the agents a plan may name, one per line.
func (o *Orchestrator) catalog() string {
	var b strings.Builder
	for _, kind := range o.cfg.Kinds() {
		if kind == domain.KindPlanner {
			continue
		}
		if _, _, err := o.agentFor(kind); err != nil {
			continue
		}
		ac, _ := o.cfg.AgentConfig(kind)
		fmt.Fprintf(&b, "- %s: %s\n", kind, strings.TrimSpace(ac.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}

// invoke calls one agent with its configured overrides.
func (o *Orchestrator) invoke(ctx context.Context, kind domain.AgentKind, msgs []domain.Message) (*domain.AgentResponse, domain.Thread, bool, error) {
	a, th, err := o.agentFor(kind)
	if err != nil {
		return nil, nil, false, err
	}
	ac, err := o.cfg.AgentConfig(kind)
	if err != nil {
		return nil, nil, false, err
	}
	overrides := o.cfg.Overrides(ac)

	ctx, span := tracer.StartSpan(ctx, "agent.invoke")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("agent.kind", string(kind)))

	resp, err := a.Invoke(ctx, msgs, th, overrides)
	o.deps.Metrics.AgentInvoked(string(kind), err)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, th, false, err
	}
	tracer.SetOK(span)
	return resp, th, overrides.Grounding, nil
}

func (o *Orchestrator) executePlan(ctx context.Context, req *domain.Request, em *emitter, tr *turn, plan *domain.Plan, userMsg domain.Message) (*domain.Response, error) {
	log := logger.FromContext(ctx, o.logger).With("plan_id", plan.PlanID)

	var intermediate strings.Builder
	dataPoints := []string{}
	var queries []string
	produced := false

	for _, kind := range plan.Agents {
		if kind == domain.KindVisualization {
			em.update(ctx, updateVisualization)
		}

		msgs := []domain.Message{userMsg}
		if intermediate.Len() > 0 {
			msgs = append(msgs, domain.NewMessage(domain.RoleUser, intermediate.String()))
		}

		resp, th, grounding, err := o.invoke(ctx, kind, msgs)
		if err != nil {
			log.Warn("agent failed", "agent", kind, "error", err)
			if !produced && routesToFallback(err) {
				return o.fallback(ctx, req, userMsg, tr, err)
			}
			return nil, invocationError(err)
		}

		if kind == domain.KindVisualization {
			urls := o.collectArtifacts(ctx, th, resp)
			dataPoints = append(dataPoints, urls...)
			produced = produced || len(urls) > 0
			continue
		}

		intermediate.WriteString(flatten(resp.Text()))
		intermediate.WriteString("\n\n")
		produced = true

		if grounding {
			queries = append(queries, o.searchQueries(ctx, th, resp.RunID())...)
		}
	}

	answer := intermediate.String()
	tr.add(domain.Message{Role: domain.RoleAssistant, Content: answer, Timestamp: time.Now()})

	meta := map[string]any{metaPlanID: plan.PlanID}
	if len(queries) > 0 {
		meta[domain.MetaSearchQueries] = queries
	}
	log.Info("plan executed", "steps", len(plan.Agents), "data_points", len(dataPoints))
	return domain.NewResponse(req, answer, dataPoints, meta), nil
}

// fallback answers with the fallback agent's text. cause is the failure
// that led here, nil when the plan asked for it.
func (o *Orchestrator) fallback(ctx context.Context, req *domain.Request, userMsg domain.Message, tr *turn, cause error) (*domain.Response, error) {
	log := logger.FromContext(ctx, o.logger)
	if cause != nil {
		log.Warn("routing to fallback agent", "cause", cause)
	} else {
		log.Info("plan routed to fallback agent")
	}

	resp, _, _, err := o.invoke(ctx, domain.KindFallback, []domain.Message{userMsg})
	if err != nil {
		return nil, invocationError(err)
	}
	text := resp.Text()
	tr.add(domain.Message{Role: domain.RoleAssistant, Content: text, Timestamp: time.Now()})
	return domain.NewResponse(req, text, nil, nil), nil
}

func requireMetadata(req *domain.Request, op string, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v := strings.TrimSpace(req.MetadataString(k))
		if v == "" {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	if len(missing) > 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidRequest, "missing metadata: "+strings.Join(missing, ", "))
	}
	return out, nil
}

// save persists a report and answers without planning.
func (o *Orchestrator) save(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	fields, err := requireMetadata(req, "Orchestrator.save", metaResearchQuery, metaReportLevel, metaPersona)
	if err != nil {
		return nil, err
	}
	if o.deps.Reports == nil {
		return nil, domain.NewDomainError("Orchestrator.save", domain.ErrInternal, "no report store configured")
	}

	content := req.MetadataString(metaReportContent)
	if content == "" {
		content = o.lastAnswer()
	}
	id, err := o.deps.Reports.SaveReport(ctx, domain.Report{
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		ResearchQuery: fields[metaResearchQuery],
		ReportLevel:   fields[metaReportLevel],
		Persona:       fields[metaPersona],
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, domain.WrapOp("Orchestrator.save", err)
	}
	logger.FromContext(ctx, o.logger).Info("report saved", "report_id", id)
	return domain.NewResponse(req, "Report saved.", nil, map[string]any{
		domain.MetaAction: domain.ActionSave,
		metaReportID:      id,
	}), nil
}

// compare asks the comparator agent to compare a saved report with the
// current request.
func (o *Orchestrator) compare(ctx context.Context, req *domain.Request, tr *turn) (*domain.Response, error) {
	fields, err := requireMetadata(req, "Orchestrator.compare", metaReportContent, metaCreatedAt)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("Report created at %s:\n%s\n\nRequest:\n%s",
		fields[metaCreatedAt], fields[metaReportContent], req.Message)

	resp, _, _, err := o.invoke(ctx, domain.KindComparator, []domain.Message{domain.NewMessage(domain.RoleUser, prompt)})
	if err != nil {
		return nil, invocationError(err)
	}
	text := resp.Text()
	tr.add(domain.Message{Role: domain.RoleAssistant, Content: text, Timestamp: time.Now()})
	return domain.NewResponse(req, text, nil, map[string]any{domain.MetaAction: domain.ActionCompare}), nil
}

func (o *Orchestrator) lastAnswer() string {
	msgs := o.history.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}
