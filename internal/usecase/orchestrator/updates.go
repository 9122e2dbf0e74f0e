package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"agentfabric/internal/domain"
)

// emitter publishes a request's progress updates. Once closed it drops
// further updates so nothing follows the final response.
type emitter struct {
	pub    domain.Publisher
	req    *domain.Request
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newEmitter(pub domain.Publisher, req *domain.Request, logger *slog.Logger) *emitter {
	return &emitter{pub: pub, req: req, logger: logger}
}

// update publishes text. Failures are logged; updates are advisory.
func (e *emitter) update(ctx context.Context, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	payload, err := json.Marshal(domain.Update{
		SessionID:     e.req.SessionID,
		DialogID:      e.req.DialogID,
		UpdateMessage: text,
	})
	if err != nil {
		e.logger.Warn("encode update failed", "error", err)
		return
	}
	if err := e.pub.Publish(ctx, e.req.SessionID, payload); err != nil {
		e.logger.Warn("publish update failed", "error", err)
	}
}

// final closes the emitter and publishes resp. It is the last message of
// the request.
func (e *emitter) final(ctx context.Context, resp *domain.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	payload, err := json.Marshal(resp)
	if err != nil {
		return domain.WrapOp("emitter.final", err)
	}
	return domain.WrapOp("emitter.final", e.pub.Publish(ctx, e.req.SessionID, payload))
}
