package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
)

const (
	maxChatAttempts = 3
	baseRetryDelay  = 500 * time.Millisecond
	maxRetryDelay   = 8 * time.Second
)

// retryBackoff returns an exponential delay with up to 25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay + time.Duration(rand.Int64N(int64(delay/4)+1))
}

// LocalAgent is a chat-completion agent whose history lives in a
// LocalThread. When a memory store is attached it also implements
// domain.MemoryAgent.
type LocalAgent struct {
	kind         domain.AgentKind
	provider     domain.LLMProvider
	defaultModel string
	memory       domain.MemoryStore
	backoff      func(attempt int) time.Duration
	logger       *slog.Logger
}

// LocalOption configures a LocalAgent.
type LocalOption func(*LocalAgent)

// WithMemory attaches a memory store.
func WithMemory(store domain.MemoryStore) LocalOption {
	return func(a *LocalAgent) { a.memory = store }
}

// WithDefaultModel sets the model used when overrides name none.
func WithDefaultModel(model string) LocalOption {
	return func(a *LocalAgent) { a.defaultModel = model }
}

// WithBackoff replaces the retry delay schedule.
func WithBackoff(fn func(attempt int) time.Duration) LocalOption {
	return func(a *LocalAgent) { a.backoff = fn }
}

// NewLocalAgent creates a chat-completion agent.
func NewLocalAgent(kind domain.AgentKind, provider domain.LLMProvider, logger *slog.Logger, opts ...LocalOption) *LocalAgent {
	a := &LocalAgent{
		kind:     kind,
		provider: provider,
		backoff:  retryBackoff,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LocalAgent) Kind() domain.AgentKind        { return a.kind }
func (a *LocalAgent) Variant() domain.ThreadVariant { return domain.VariantLocal }

func (a *LocalAgent) Capabilities() domain.Capability {
	if a.memory == nil {
		return domain.CapInvoke
	}
	return domain.CapInvoke | domain.CapMemoryStore | domain.CapMemorySearch
}

// Invoke sends the thread history plus messages to the provider. The
// messages and the reply are recorded on the thread only when the call
// succeeds.
func (a *LocalAgent) Invoke(ctx context.Context, messages []domain.Message, thread domain.Thread, overrides *domain.RuntimeOverrides) (*domain.AgentResponse, error) {
	lt, ok := thread.(*domain.LocalThread)
	if !ok {
		return nil, domain.NewDomainError("LocalAgent.Invoke", domain.ErrInternal, "local agent "+string(a.kind)+" needs a local thread")
	}
	if overrides == nil {
		overrides = &domain.RuntimeOverrides{}
	}

	ctx, span := tracer.StartSpan(ctx, "agent.local_invoke")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("agent.kind", string(a.kind)))

	req := domain.ChatRequest{
		Model:       overrides.Model,
		Messages:    lt.With(messages...),
		MaxTokens:   overrides.MaxTokens,
		Temperature: overrides.Temperature,
		TopP:        overrides.TopP,
		JSONMode:    overrides.JSONResponse,
	}
	if req.Model == "" {
		req.Model = a.defaultModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = overrides.MaxCompletionTokens
	}
	if overrides.Instructions != "" {
		sys := domain.NewMessage(domain.RoleSystem, overrides.Instructions)
		req.Messages = append([]domain.Message{sys}, req.Messages...)
	}

	resp, err := a.chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("LocalAgent.Invoke "+string(a.kind), err)
	}

	reply := resp.Message
	reply.Role = domain.RoleAssistant
	reply.Name = string(a.kind)
	if reply.Timestamp.IsZero() {
		reply.Timestamp = time.Now()
	}
	lt.Append(messages...)
	lt.Append(reply)

	tracer.SetOK(span)
	return &domain.AgentResponse{
		Items:    []domain.ContentItem{domain.TextItem(reply.Content)},
		Metadata: map[string]any{"model": resp.Model},
	}, nil
}

// chat calls the provider, retrying rate limits with backoff.
func (a *LocalAgent) chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	log := logger.FromContext(ctx, a.logger)
	var lastErr error
	for attempt := 0; attempt < maxChatAttempts; attempt++ {
		resp, err := a.provider.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !domain.IsRetryableError(err) || attempt == maxChatAttempts-1 {
			break
		}
		delay := a.backoff(attempt)
		log.Info("retrying chat after error", "agent", a.kind, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// MemoryStore persists rec.
func (a *LocalAgent) MemoryStore(ctx context.Context, rec domain.MemoryRecord) (string, error) {
	if a.memory == nil {
		return "", domain.ErrMemoryUnavailable
	}
	return a.memory.Save(ctx, rec)
}

// MemorySearch queries the attached store.
func (a *LocalAgent) MemorySearch(ctx context.Context, q domain.MemorySearch) ([]domain.MemoryResult, error) {
	if a.memory == nil {
		return nil, domain.ErrMemoryUnavailable
	}
	return a.memory.Search(ctx, q)
}
