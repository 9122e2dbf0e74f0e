package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/runtimeconfig"
)

// Constructor materializes one agent. It may block on remote calls, e.g. to
// register a hosted agent.
type Constructor func(ctx context.Context, spec Spec, cfg *runtimeconfig.ResolvedConfig, ac runtimeconfig.AgentConfig) (domain.Agent, error)

// Factory is the process-wide agent cache. Singletons are keyed by kind,
// per-session agents by kind and session id.
type Factory struct {
	construct Constructor
	logger    *slog.Logger

	mu     sync.RWMutex
	specs  map[domain.AgentKind]Spec
	agents map[string]domain.Agent
	group  singleflight.Group
}

// NewFactory creates a factory that knows the given kinds.
func NewFactory(construct Constructor, specs []Spec, logger *slog.Logger) *Factory {
	f := &Factory{
		construct: construct,
		logger:    logger,
		specs:     make(map[domain.AgentKind]Spec, len(specs)),
		agents:    make(map[string]domain.Agent),
	}
	for _, s := range specs {
		f.specs[s.Kind] = s
	}
	return f
}

// Register adds or replaces a kind.
func (f *Factory) Register(spec Spec) {
	f.mu.Lock()
	f.specs[spec.Kind] = spec
	f.mu.Unlock()
}

// Spec returns the spec for kind, or ErrUnknownAgent.
func (f *Factory) Spec(kind domain.AgentKind) (Spec, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.specs[kind]
	if !ok {
		return Spec{}, domain.NewDomainError("Factory.Spec", domain.ErrUnknownAgent, string(kind))
	}
	return s, nil
}

// Knows reports whether kind is registered.
func (f *Factory) Knows(kind domain.AgentKind) bool {
	_, err := f.Spec(kind)
	return err == nil
}

// Kinds returns the registered kinds, sorted.
func (f *Factory) Kinds() []domain.AgentKind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.AgentKind, 0, len(f.specs))
	for k := range f.specs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cacheKey(spec Spec, sessionID string) string {
	if spec.Singleton {
		return string(spec.Kind)
	}
	return string(spec.Kind) + "/" + sessionID
}

// GetOrCreate returns the cached agent for (kind, session), constructing it
// at most once. Concurrent callers for the same key share one construction.
// Failures are returned as ErrAgentCreation and are not cached.
func (f *Factory) GetOrCreate(ctx context.Context, kind domain.AgentKind, cfg *runtimeconfig.ResolvedConfig, sessionID string) (domain.Agent, error) {
	spec, err := f.Spec(kind)
	if err != nil {
		return nil, err
	}
	key := cacheKey(spec, sessionID)

	f.mu.RLock()
	a, ok := f.agents[key]
	f.mu.RUnlock()
	if ok {
		return a, nil
	}

	ac, err := cfg.AgentConfig(kind)
	if err != nil {
		return nil, err
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		f.mu.RLock()
		existing, ok := f.agents[key]
		f.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := f.construct(ctx, spec, cfg, ac)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.agents[key] = built
		f.mu.Unlock()
		f.logger.Debug("agent created", "agent", kind, "singleton", spec.Singleton, "session_id", sessionID)
		return built, nil
	})
	if err != nil {
		return nil, domain.Join(domain.ErrAgentCreation, domain.WrapOp("Factory.GetOrCreate "+string(kind), err))
	}
	return v.(domain.Agent), nil
}

// Release drops the session's per-session agents and closes those holding
// remote resources. Singletons are untouched.
func (f *Factory) Release(ctx context.Context, sessionID string) error {
	suffix := "/" + sessionID
	f.mu.Lock()
	var released []domain.Agent
	for key, a := range f.agents {
		if strings.HasSuffix(key, suffix) {
			released = append(released, a)
			delete(f.agents, key)
		}
	}
	f.mu.Unlock()
	return closeAll(ctx, released)
}

// Close closes every cached agent, singletons included, and empties the
// cache. Used at process shutdown.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	all := make([]domain.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		all = append(all, a)
	}
	f.agents = make(map[string]domain.Agent)
	f.mu.Unlock()
	return closeAll(ctx, all)
}

// Reset drops every cached agent without closing it.
func (f *Factory) Reset() {
	f.mu.Lock()
	f.agents = make(map[string]domain.Agent)
	f.mu.Unlock()
}

// Len returns the number of cached agents.
func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.agents)
}

func closeAll(ctx context.Context, agents []domain.Agent) error {
	var errs []error
	for _, a := range agents {
		if c, ok := a.(domain.Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
