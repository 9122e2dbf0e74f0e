package orchestrator

import (
	"context"

	"agentfabric/internal/domain"
	"agentfabric/internal/usecase/runtimeconfig"
	"agentfabric/internal/usecase/session"
)

// NewSessionBuilder returns the function workers use to bring up a session:
// it resolves the request's runtime config, which then stays fixed for the
// session, and creates the orchestrator. Agents and threads are set up by
// the first Run, inside that request's timeout.
func NewSessionBuilder(resolver *runtimeconfig.Resolver, deps Deps, opts Options) func(ctx context.Context, req *domain.Request) (session.Orchestrator, error) {
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return func(ctx context.Context, req *domain.Request) (session.Orchestrator, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cfg := resolver.Resolve(ctx, req)
		return New(req.SessionID, cfg, deps, opts), nil
	}
}
