package agent

import (
	"context"
	"log/slog"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
)

// HostedAgent is a server-side agent. Its conversation lives on a
// HostedThread owned by the platform.
type HostedAgent struct {
	kind     domain.AgentKind
	platform domain.HostedPlatform
	agentID  string
	logger   *slog.Logger
}

// NewHostedAgent registers def on the platform.
func NewHostedAgent(ctx context.Context, kind domain.AgentKind, platform domain.HostedPlatform, def domain.HostedAgentDefinition, logger *slog.Logger) (*HostedAgent, error) {
	if def.Name == "" {
		def.Name = string(kind)
	}
	id, err := platform.CreateAgent(ctx, def)
	if err != nil {
		return nil, domain.WrapOp("NewHostedAgent "+string(kind), err)
	}
	logger.Info("hosted agent registered", "agent", kind, "agent_id", id)
	return &HostedAgent{kind: kind, platform: platform, agentID: id, logger: logger}, nil
}

func (a *HostedAgent) Kind() domain.AgentKind          { return a.kind }
func (a *HostedAgent) Variant() domain.ThreadVariant   { return domain.VariantHosted }
func (a *HostedAgent) Capabilities() domain.Capability { return domain.CapInvoke }

// ID returns the platform's id for the agent.
func (a *HostedAgent) ID() string { return a.agentID }

// Invoke posts messages to the thread, runs the agent to completion and
// returns the content the run produced. The response metadata carries the
// run id.
func (a *HostedAgent) Invoke(ctx context.Context, messages []domain.Message, thread domain.Thread, overrides *domain.RuntimeOverrides) (*domain.AgentResponse, error) {
	ht, ok := thread.(*domain.HostedThread)
	if !ok {
		return nil, domain.NewDomainError("HostedAgent.Invoke", domain.ErrInternal, "hosted agent "+string(a.kind)+" needs a hosted thread")
	}
	if overrides == nil {
		overrides = &domain.RuntimeOverrides{}
	}
	op := "HostedAgent.Invoke " + string(a.kind)

	ctx, span := tracer.StartSpan(ctx, "agent.hosted_invoke")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent.kind", string(a.kind)),
		tracer.StringAttr("thread.id", ht.ID()),
	)

	for _, m := range messages {
		role := m.Role
		if role != domain.RoleAssistant {
			role = domain.RoleUser
		}
		if err := a.platform.AddMessage(ctx, ht.ID(), role, m.Content); err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp(op, err)
		}
	}

	maxTokens := overrides.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = overrides.MaxTokens
	}
	run, err := a.platform.Run(ctx, ht.ID(), domain.HostedRunOptions{
		AgentID:             a.agentID,
		Instructions:        overrides.Instructions,
		Temperature:         overrides.Temperature,
		TopP:                overrides.TopP,
		MaxCompletionTokens: maxTokens,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	items, err := a.platform.RunOutput(ctx, ht.ID(), run.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}
	logger.FromContext(ctx, a.logger).Debug("hosted run completed", "agent", a.kind, "run_id", run.ID, "items", len(items))

	tracer.SetOK(span)
	return &domain.AgentResponse{
		Items:    items,
		Metadata: map[string]any{domain.MetaRunID: run.ID},
	}, nil
}

// Close deletes the server-side agent.
func (a *HostedAgent) Close(ctx context.Context) error {
	return domain.WrapOp("HostedAgent.Close", a.platform.DeleteAgent(ctx, a.agentID))
}
