// Package orchestrator runs one session's requests: it plans, executes the
// plan agent by agent and publishes progress and exactly one final
// response per request.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/metrics"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/agent"
	"agentfabric/internal/usecase/planner"
	"agentfabric/internal/usecase/runtimeconfig"
	"agentfabric/internal/usecase/thread"
)

const (
	defaultRunTimeout        = 5 * time.Minute
	defaultHistoryLimit      = 50
	defaultBackgroundTimeout = 30 * time.Second
	finalPublishTimeout      = 10 * time.Second
)

// AgentFactory builds the agents a session uses.
type AgentFactory interface {
	GetOrCreate(ctx context.Context, kind domain.AgentKind, cfg *runtimeconfig.ResolvedConfig, sessionID string) (domain.Agent, error)
	Spec(kind domain.AgentKind) (agent.Spec, error)
	Kinds() []domain.AgentKind
	Release(ctx context.Context, sessionID string) error
}

// Deps are the collaborators shared by every orchestrator in the process.
// Platform, Artifacts, Reports and Metrics are optional.
type Deps struct {
	Factory   AgentFactory
	Binder    *thread.Binder
	Planner   *planner.Planner
	Publisher domain.Publisher
	Platform  domain.HostedPlatform
	Artifacts domain.ArtifactStore
	Reports   domain.ReportStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Options tune one orchestrator.
type Options struct {
	RunTimeout        time.Duration
	HistoryLimit      int
	BackgroundTimeout time.Duration
}

// Orchestrator owns a session's agents, threads and chat history. Callers
// serialize requests with the session lock; a request abandoned on timeout
// still holds the run gate until its agents return.
type Orchestrator struct {
	sessionID string
	cfg       *runtimeconfig.ResolvedConfig
	deps      Deps
	opts      Options
	logger    *slog.Logger

	// gate admits one executing request at a time.
	gate chan struct{}

	mu          sync.Mutex
	initialized bool
	closed      bool
	agents      map[domain.AgentKind]domain.Agent
	threads     map[domain.AgentKind]domain.Thread

	// history is the canonical chat history, separate from every agent thread.
	history *domain.LocalThread

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates an orchestrator for sessionID bound to cfg for its lifetime.
func New(sessionID string, cfg *runtimeconfig.ResolvedConfig, deps Deps, opts Options) *Orchestrator {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = defaultBackgroundTimeout
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger.With("session_id", sessionID),
		agents:    make(map[domain.AgentKind]domain.Agent),
		threads:   make(map[domain.AgentKind]domain.Thread),
		history:   domain.NewLocalThread("history", opts.HistoryLimit),
		gate:      make(chan struct{}, 1),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
}

// Config returns the configuration the session was resolved with.
func (o *Orchestrator) Config() *runtimeconfig.ResolvedConfig { return o.cfg }

// History returns a copy of the session's chat history.
func (o *Orchestrator) History() []domain.Message { return o.history.Messages() }

// Initialize materializes every configured agent kind the factory knows and
// binds their threads. It is a no-op once it has succeeded. Remote calls run
// without holding the state lock, so Close never waits on a stuck
// registration.
func (o *Orchestrator) Initialize(ctx context.Context, threadID string) error {
	o.mu.Lock()
	closed, initialized := o.closed, o.initialized
	o.mu.Unlock()
	if closed {
		return domain.NewDomainError("Orchestrator.Initialize", domain.ErrSessionClosed, o.sessionID)
	}
	if initialized {
		return nil
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.initialize")
	defer span.End()

	agents := make(map[domain.AgentKind]domain.Agent)
	var reqs []thread.Request
	for _, kind := range o.deps.Factory.Kinds() {
		if _, err := o.cfg.AgentConfig(kind); err != nil {
			continue
		}
		spec, err := o.deps.Factory.Spec(kind)
		if err != nil {
			continue
		}
		a, err := o.deps.Factory.GetOrCreate(ctx, kind, o.cfg, o.sessionID)
		if err != nil {
			tracer.RecordError(span, err)
			return err
		}
		agents[kind] = a
		reqs = append(reqs, thread.Request{Kind: kind, Variant: a.Variant(), Shared: spec.SharedThread})
	}

	threads, err := o.deps.Binder.BindSession(ctx, threadID, reqs)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.NewDomainError("Orchestrator.Initialize", domain.ErrSessionClosed, o.sessionID)
	}
	if !o.initialized {
		o.agents = agents
		o.threads = threads
		o.initialized = true
	}
	o.mu.Unlock()
	o.logger.Info("session initialized", "agents", len(agents), "config_version", o.cfg.VersionID)
	tracer.SetOK(span)
	return nil
}

// agentFor returns the session's agent and thread for kind.
func (o *Orchestrator) agentFor(kind domain.AgentKind) (domain.Agent, domain.Thread, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.agents[kind]
	if !ok {
		return nil, nil, domain.NewDomainError("Orchestrator.agentFor", domain.ErrUnknownAgent, string(kind))
	}
	return a, o.threads[kind], nil
}

// spawn runs fn off the request path. Close waits for it.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.bg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(o.bgCtx, o.opts.BackgroundTimeout)
		defer cancel()
		fn(logger.WithContext(ctx, o.logger))
	}()
}

// Close waits for background work, then releases the session's agents.
// It is safe to call more than once.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.bgCancel()
		o.logger.Warn("background tasks abandoned on close", "error", ctx.Err())
	}
	o.bgCancel()
	return o.deps.Factory.Release(ctx, o.sessionID)
}

// Run handles one request and publishes exactly one final response. The
// returned error is the failure reported in that response, or a publish
// failure.
func (o *Orchestrator) Run(ctx context.Context, req *domain.Request) error {
	log := o.logger.With(
		"thread_id", req.ThreadID,
		"user_id", req.UserID,
		"dialog_id", req.DialogID,
	)
	ctx = logger.WithContext(ctx, log)
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("session.id", req.SessionID),
		tracer.StringAttr("dialog.id", req.DialogID),
	)

	em := newEmitter(o.deps.Publisher, req, log)
	runCtx, cancel := context.WithTimeout(ctx, o.opts.RunTimeout)
	defer cancel()

	type result struct {
		resp *domain.Response
		err  error
		turn *turn
	}
	var res result
	select {
	case o.gate <- struct{}{}:
		done := make(chan result, 1)
		go func() {
			defer func() { <-o.gate }()
			tr := &turn{}
			resp, err := o.execute(runCtx, req, em, tr)
			done <- result{resp, err, tr}
		}()
		select {
		case res = <-done:
		case <-runCtx.Done():
			res.err = domain.Join(domain.ErrTimeout, runCtx.Err())
			log.Warn("request timed out", "timeout", o.opts.RunTimeout)
		}
	case <-runCtx.Done():
		res.err = domain.Join(domain.ErrTimeout, runCtx.Err())
		log.Warn("request timed out waiting for the previous request", "timeout", o.opts.RunTimeout)
	}
	if res.turn != nil {
		o.history.Append(res.turn.msgs...)
	}
	if res.err == nil && res.resp == nil {
		res.err = domain.NewDomainError("Orchestrator.Run", domain.ErrInternal, "no response produced")
	}

	resp := res.resp
	if res.err != nil {
		tracer.RecordError(span, res.err)
		log.Error("request failed", "error", res.err, "code", domain.ErrorCodeOf(res.err), "retry", domain.RetryableOf(res.err))
		resp = domain.NewErrorResponse(req, res.err)
	}

	pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), finalPublishTimeout)
	defer pubCancel()
	if err := em.final(pubCtx, resp); err != nil {
		tracer.RecordError(span, err)
		return errors.Join(res.err, err)
	}
	if res.err == nil {
		tracer.SetOK(span)
	}
	return res.err
}
