// Package planner turns a user message into an ordered plan of agent kinds.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
)

// MemoryCollection holds persisted planner traces.
const MemoryCollection = "planner"

const (
	agentsPlaceholder   = "{{agents}}"
	memoriesPlaceholder = "{{memories}}"
)

const planSchema = `{
  "type": "object",
  "required": ["agents"],
  "properties": {
    "plan_id": {"type": "string"},
    "agents": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "justification": {"type": "string"}
  }
}`

var compiledPlanSchema = func() *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(planSchema))
	if err != nil {
		panic(fmt.Sprintf("planner: compile plan schema: %v", err))
	}
	return s
}()

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// KindSet reports whether an agent kind can be built.
type KindSet interface {
	Knows(kind domain.AgentKind) bool
}

// Config bounds the memory lookup.
type Config struct {
	MinRelevance float64
	MaxResults   int
}

// Planner wraps the planner agent: it hydrates memory context, parses and
// validates the plan and records the outcome.
type Planner struct {
	kinds  KindSet
	cfg    Config
	logger *slog.Logger
}

// New creates a planner. Zero config values default to 0.7 and 3.
func New(kinds KindSet, cfg Config, logger *slog.Logger) *Planner {
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.7
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 3
	}
	return &Planner{kinds: kinds, cfg: cfg, logger: logger}
}

// Input is everything one planning call needs.
type Input struct {
	Agent     domain.Agent
	Thread    domain.Thread
	Overrides *domain.RuntimeOverrides
	Message   domain.Message
	// Catalog replaces {{agents}} in the instructions.
	Catalog string
	// MemoryTemplate wraps found memories; {{memories}} marks the spot.
	MemoryTemplate string
	// Spawn runs best-effort work off the request path. Nil skips it.
	Spawn func(func(ctx context.Context))
}

// Plan asks the planner agent for a plan. Unparseable output fails with
// ErrPlannerParse and names the factory does not know with ErrUnknownAgent;
// invocation failures are returned as they are.
func (p *Planner) Plan(ctx context.Context, in Input) (*domain.Plan, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.plan")
	defer span.End()
	log := logger.FromContext(ctx, p.logger)

	overrides := domain.RuntimeOverrides{}
	if in.Overrides != nil {
		overrides = *in.Overrides
	}
	overrides.JSONResponse = true
	overrides.Instructions = strings.ReplaceAll(overrides.Instructions, agentsPlaceholder, in.Catalog)
	if mc := p.memoryContext(ctx, in); mc != "" {
		overrides.Instructions = strings.TrimSpace(overrides.Instructions + "\n\n" + mc)
	}

	resp, err := in.Agent.Invoke(ctx, []domain.Message{in.Message}, in.Thread, &overrides)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Planner.Plan", err)
	}

	plan, err := p.Parse(resp.Text())
	if err != nil {
		tracer.RecordError(span, err)
		log.Warn("planner output rejected", "error", err)
		return nil, err
	}
	span.SetAttributes(
		tracer.StringAttr("plan.id", plan.PlanID),
		tracer.StringAttr("plan.agents", plan.Describe()),
	)
	log.Info("plan created", "plan_id", plan.PlanID, "agents", plan.Describe())

	if !plan.IsFallback() {
		p.persist(in, plan)
	}
	tracer.SetOK(span)
	return plan, nil
}

// Parse decodes and validates planner output. Fallback aliases are
// canonicalized; a plan containing the fallback kind is returned as is.
func (p *Planner) Parse(raw string) (*domain.Plan, error) {
	raw = stripCodeFences(raw)
	if raw == "" {
		return nil, domain.NewDomainError("Planner.Parse", domain.ErrPlannerParse, "empty output")
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, domain.NewDomainError("Planner.Parse", domain.ErrPlannerParse, err.Error())
	}
	if result := compiledPlanSchema.Validate(doc); !result.IsValid() {
		return nil, domain.NewDomainError("Planner.Parse", domain.ErrPlannerParse, result.Error())
	}

	var wire struct {
		PlanID        string   `json:"plan_id"`
		Agents        []string `json:"agents"`
		Justification string   `json:"justification"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, domain.NewDomainError("Planner.Parse", domain.ErrPlannerParse, err.Error())
	}

	plan := &domain.Plan{
		PlanID:        wire.PlanID,
		Agents:        make([]domain.AgentKind, 0, len(wire.Agents)),
		Justification: wire.Justification,
	}
	if plan.PlanID == "" {
		plan.PlanID = ulid.Make().String()
	}
	for _, name := range wire.Agents {
		plan.Agents = append(plan.Agents, domain.ParseAgentKind(name))
	}
	if plan.IsFallback() {
		return plan, nil
	}
	for _, k := range plan.Agents {
		if k == domain.KindPlanner || !p.kinds.Knows(k) {
			return nil, domain.NewDomainError("Planner.Parse", domain.ErrUnknownAgent, string(k))
		}
	}
	return plan, nil
}

func memoryAgent(a domain.Agent) (domain.MemoryAgent, bool) {
	ma, ok := a.(domain.MemoryAgent)
	if !ok {
		return nil, false
	}
	return ma, a.Capabilities().Has(domain.CapMemorySearch)
}

func (p *Planner) memoryContext(ctx context.Context, in Input) string {
	ma, ok := memoryAgent(in.Agent)
	if !ok || strings.TrimSpace(in.Message.Content) == "" {
		return ""
	}
	results, err := ma.MemorySearch(ctx, domain.MemorySearch{
		Collection:   MemoryCollection,
		Query:        in.Message.Content,
		MinRelevance: p.cfg.MinRelevance,
		MaxResults:   p.cfg.MaxResults,
	})
	if err != nil {
		logger.FromContext(ctx, p.logger).Warn("planner memory search failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- %s => %s\n", r.Record.Text, r.Record.Description)
	}
	memories := strings.TrimRight(b.String(), "\n")
	if in.MemoryTemplate == "" {
		return memories
	}
	return strings.ReplaceAll(in.MemoryTemplate, memoriesPlaceholder, memories)
}

// persist records the query and chosen plan in the background.
func (p *Planner) persist(in Input, plan *domain.Plan) {
	ma, ok := in.Agent.(domain.MemoryAgent)
	if !ok || !in.Agent.Capabilities().Has(domain.CapMemoryStore) || in.Spawn == nil {
		return
	}
	rec := domain.MemoryRecord{
		Collection:  MemoryCollection,
		Text:        in.Message.Content,
		Description: fmt.Sprintf("agents: %s; justification: %s", plan.Describe(), plan.Justification),
		Metadata: map[string]string{
			"plan_id": plan.PlanID,
			"agents":  plan.Describe(),
		},
		CreatedAt: time.Now().UTC(),
	}
	in.Spawn(func(ctx context.Context) {
		if _, err := ma.MemoryStore(ctx, rec); err != nil {
			logger.FromContext(ctx, p.logger).Warn("planner memory persist failed", "plan_id", plan.PlanID, "error", err)
		}
	})
}
