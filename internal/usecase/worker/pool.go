// Package worker drains the task queue and hands each request to its
// session's orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/metrics"
	"agentfabric/internal/infra/tracer"
	"agentfabric/internal/usecase/session"
)

// Builder constructs and initializes the orchestrator for a request's
// session. It runs under the session lock.
type Builder func(ctx context.Context, req *domain.Request) (session.Orchestrator, error)

// Config tunes the pool.
type Config struct {
	PollInterval time.Duration // sleep after an empty pop (default: 100ms)
}

// Pool is a fixed set of workers.
type Pool struct {
	queue     domain.TaskQueue
	publisher domain.Publisher
	registry  *session.Registry
	locker    *session.Locker
	build     Builder
	config    Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a stopped pool. publisher carries the error response
// when no orchestrator could be built for a request.
func NewPool(queue domain.TaskQueue, publisher domain.Publisher, registry *session.Registry, locker *session.Locker, build Builder, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Pool{
		queue:     queue,
		publisher: publisher,
		registry:  registry,
		locker:    locker,
		build:     build,
		config:    cfg,
		metrics:   m,
		logger:    logger,
	}
}

// Start spawns n workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	if n <= 0 {
		n = 1
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", n)
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrQueueEmpty) && ctx.Err() == nil {
				log.Warn("task queue pop failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}
			continue
		}
		p.Process(ctx, payload)
	}
}

// Process handles one encoded task. Undecodable tasks are dropped: they have
// no session to answer on.
func (p *Pool) Process(ctx context.Context, payload []byte) {
	start := time.Now()
	req, err := domain.DecodeRequest(payload)
	if err != nil {
		p.logger.Warn("dropping undecodable task", "error", err, "bytes", len(payload))
		p.metrics.TaskDone(metrics.OutcomeDropped, 0)
		return
	}

	p.metrics.WorkerBusy(1)
	defer p.metrics.WorkerBusy(-1)

	ctx = tracer.Extract(ctx, req.TraceID)
	ctx, span := tracer.StartSpan(ctx, "worker.task")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("session.id", req.SessionID),
		tracer.StringAttr("dialog.id", req.DialogID),
	)
	log := p.logger.With("session_id", req.SessionID, "dialog_id", req.DialogID)
	ctx = logger.WithContext(ctx, log)

	err = p.handle(ctx, req)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	p.metrics.TaskDone(outcome, time.Since(start))
	log.Debug("task finished", "outcome", outcome, "duration", time.Since(start))
}

func (p *Pool) handle(ctx context.Context, req *domain.Request) error {
	unlock, err := p.locker.Lock(ctx, req.SessionID)
	if err != nil {
		// Shutting down; the request is answered so the caller is not left waiting.
		return p.fail(context.WithoutCancel(ctx), req, domain.Join(domain.ErrTimeout, err))
	}
	defer unlock()

	orch, ok := p.registry.Get(req.SessionID)
	if !ok {
		built, err := p.build(ctx, req)
		if err != nil {
			return p.fail(ctx, req, err)
		}
		var added bool
		orch, added = p.registry.Add(req.SessionID, built)
		if !added {
			_ = built.Close(ctx)
		}
	}
	return orch.Run(ctx, req)
}

// fail publishes the final error response for a request no orchestrator
// could handle.
func (p *Pool) fail(ctx context.Context, req *domain.Request, cause error) error {
	logger.FromContext(ctx, p.logger).Error("request failed before orchestration", "error", cause, "code", domain.ErrorCodeOf(cause))
	payload, err := json.Marshal(domain.NewErrorResponse(req, cause))
	if err != nil {
		return errors.Join(cause, err)
	}
	if err := p.publisher.Publish(ctx, req.SessionID, payload); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
