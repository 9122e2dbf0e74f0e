// Package thread attaches conversation threads to a session's agents.
package thread

import (
	"context"
	"errors"
	"log/slog"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
)

// Binder creates or attaches threads. Hosted threads are resolved on the
// platform; local threads are fresh in-memory histories.
type Binder struct {
	platform     domain.HostedPlatform
	historyLimit int
	logger       *slog.Logger
}

// NewBinder creates a binder. platform may be nil when no hosted agents are
// configured; binding a hosted thread then fails.
func NewBinder(platform domain.HostedPlatform, historyLimit int, logger *slog.Logger) *Binder {
	return &Binder{platform: platform, historyLimit: historyLimit, logger: logger}
}

// Bind returns a thread for an agent of the given kind. For hosted threads
// threadID names an existing server-side thread; it is reused when the
// platform knows it and a new thread is created otherwise.
func (b *Binder) Bind(ctx context.Context, kind domain.AgentKind, variant domain.ThreadVariant, threadID string) (domain.Thread, error) {
	if variant != domain.VariantHosted {
		return domain.NewLocalThread(string(kind), b.historyLimit), nil
	}
	id, err := b.resolveHosted(ctx, threadID)
	if err != nil {
		return nil, domain.Join(domain.ErrThreadBind, domain.WrapOp("Binder.Bind "+string(kind), err))
	}
	return domain.NewHostedThread(id, b.platform), nil
}

func (b *Binder) resolveHosted(ctx context.Context, threadID string) (string, error) {
	if b.platform == nil {
		return "", errors.New("no hosted platform configured")
	}
	log := logger.FromContext(ctx, b.logger)
	if threadID != "" {
		id, err := b.platform.GetThread(ctx, threadID)
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, domain.ErrNotFound):
			return "", err
		}
		log.Info("hosted thread not found, creating a new one", "thread_id", threadID)
	}
	id, err := b.platform.CreateThread(ctx)
	if err != nil {
		return "", err
	}
	log.Debug("hosted thread created", "thread_id", id)
	return id, nil
}

// Binding is one agent's thread within a session.
type Binding struct {
	Kind   domain.AgentKind
	Thread domain.Thread
}

// Request names an agent to bind and whether it shares the session thread.
type Request struct {
	Kind    domain.AgentKind
	Variant domain.ThreadVariant
	Shared  bool
}

// BindSession binds every requested agent. Hosted agents marked Shared get
// one server-side thread between them, resolved from threadID; other hosted
// agents get a thread of their own. The first failure aborts.
func (b *Binder) BindSession(ctx context.Context, threadID string, reqs []Request) (map[domain.AgentKind]domain.Thread, error) {
	out := make(map[domain.AgentKind]domain.Thread, len(reqs))
	var shared domain.Thread
	for _, r := range reqs {
		if r.Variant == domain.VariantHosted && r.Shared {
			if shared == nil {
				t, err := b.Bind(ctx, r.Kind, r.Variant, threadID)
				if err != nil {
					return nil, err
				}
				shared = t
			}
			out[r.Kind] = shared
			continue
		}
		t, err := b.Bind(ctx, r.Kind, r.Variant, "")
		if err != nil {
			return nil, err
		}
		out[r.Kind] = t
	}
	return out, nil
}
