// Package sessionmanager is the front-end side of the task queue: it enqueues
// requests and routes the session channel's updates and final response back
// to the caller.
package sessionmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/infra/tracer"
)

// Event is one message routed to a submitter. Exactly one of the fields is
// set; a Response or an Err is always the last event.
type Event struct {
	Update   *domain.Update
	Response *domain.Response
	Err      error
}

// Final reports whether no further events follow.
func (e Event) Final() bool { return e.Response != nil || e.Err != nil }

// Config tunes the manager.
type Config struct {
	// Timeout bounds the wait for a final response (default: 6m, one minute
	// above the orchestrator's run timeout).
	Timeout time.Duration
}

// Manager submits requests on behalf of a front end.
type Manager struct {
	queue      domain.TaskQueue
	subscriber domain.Subscriber
	config     Config
	logger     *slog.Logger
}

// New creates a Manager.
func New(queue domain.TaskQueue, subscriber domain.Subscriber, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Minute
	}
	return &Manager{queue: queue, subscriber: subscriber, config: cfg, logger: logger}
}

// Submit enqueues req and streams its updates followed by exactly one final
// event. The session channel is subscribed before the task is pushed so no
// message is missed. A missing dialog_id is assigned; the caller's span is
// carried to the worker in trace_id. The channel is closed after the final
// event or when ctx is done.
func (m *Manager) Submit(ctx context.Context, req *domain.Request) (<-chan Event, error) {
	if req == nil || strings.TrimSpace(req.SessionID) == "" {
		return nil, domain.NewDomainError("Manager.Submit", domain.ErrInvalidRequest, "missing session_id")
	}
	task := *req
	if task.DialogID == "" {
		task.DialogID = uuid.NewString()
	}

	ctx, span := tracer.StartSpan(ctx, "sessionmanager.submit")
	span.SetAttributes(
		tracer.StringAttr("session.id", task.SessionID),
		tracer.StringAttr("dialog.id", task.DialogID),
	)
	task.TraceID = tracer.Inject(ctx)
	log := logger.FromContext(ctx, m.logger).With("session_id", task.SessionID, "dialog_id", task.DialogID)

	subCtx, cancel := context.WithCancel(ctx)
	msgs, unsubscribe, err := m.subscriber.Subscribe(subCtx, task.SessionID)
	if err != nil {
		cancel()
		tracer.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	payload, err := task.Encode()
	if err == nil {
		err = m.queue.Push(ctx, payload)
	}
	if err != nil {
		_ = unsubscribe()
		cancel()
		tracer.RecordError(span, err)
		span.End()
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	log.Debug("task submitted")

	out := make(chan Event, 8)
	go func() {
		defer span.End()
		defer cancel()
		defer func() { _ = unsubscribe() }()
		defer close(out)

		final := m.route(subCtx, task.DialogID, msgs, out, log)
		if final.Err != nil {
			tracer.RecordError(span, final.Err)
		} else {
			tracer.SetOK(span)
		}
	}()
	return out, nil
}

// route forwards the dialog's messages until its final one. Messages for
// other dialogs of the same session are skipped.
func (m *Manager) route(ctx context.Context, dialogID string, msgs <-chan []byte, out chan<- Event, log *slog.Logger) Event {
	timer := time.NewTimer(m.config.Timeout)
	defer timer.Stop()

	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return Event{Err: ctx.Err()}
		case <-timer.C:
			ev := Event{Err: domain.NewDomainError("Manager.Submit", domain.ErrTimeout, "no final response")}
			send(ev)
			return ev
		case raw, ok := <-msgs:
			if !ok {
				ev := Event{Err: domain.NewDomainError("Manager.Submit", domain.ErrInternal, "response channel closed")}
				send(ev)
				return ev
			}
			env, err := domain.DecodeEnvelope(raw)
			if err != nil {
				log.Warn("skipping undecodable channel message", "error", err)
				continue
			}
			switch {
			case env.Update != nil:
				if env.Update.DialogID != dialogID {
					continue
				}
				if !send(Event{Update: env.Update}) {
					return Event{Err: ctx.Err()}
				}
			case env.Response != nil:
				if env.Response.DialogID != dialogID {
					continue
				}
				ev := Event{Response: env.Response}
				if !send(ev) {
					return Event{Err: ctx.Err()}
				}
				return ev
			}
		}
	}
}

// Wait drains events and returns the update texts and the final response.
// A request that failed in the orchestrator still returns its response; err
// is set only when no final response arrived.
func Wait(events <-chan Event) (updates []string, resp *domain.Response, err error) {
	for ev := range events {
		switch {
		case ev.Update != nil:
			updates = append(updates, ev.Update.UpdateMessage)
		case ev.Response != nil:
			resp = ev.Response
		case ev.Err != nil:
			err = ev.Err
		}
	}
	if resp == nil && err == nil {
		err = domain.NewDomainError("Wait", domain.ErrInternal, "stream ended without a final response")
	}
	return updates, resp, err
}
