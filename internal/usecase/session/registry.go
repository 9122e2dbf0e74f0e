// Package session tracks live sessions: the registry of per-session
// orchestrators, per-session locking, and idle reaping.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/metrics"
)

// Orchestrator is the per-session state machine the registry owns.
type Orchestrator interface {
	// Run processes one request, publishing updates and exactly one final
	// response. The returned error reports only a failure to publish.
	Run(ctx context.Context, req *domain.Request) error
	// Close releases per-session agents and waits for background tasks.
	Close(ctx context.Context) error
}

// Entry is one live session.
type Entry struct {
	SessionID    string
	Orchestrator Orchestrator
	CreatedAt    time.Time
	LastUsed     time.Time
}

// Registry maps session ids to their orchestrators. Callers serialize
// get-or-create per session with a Locker.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the orchestrator for sessionID and refreshes its last-used time.
func (r *Registry) Get(sessionID string) (Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	e.LastUsed = r.now()
	return e.Orchestrator, true
}

// Add registers an orchestrator. On collision the existing orchestrator is
// returned with added=false and o is left untouched.
func (r *Registry) Add(sessionID string, o Orchestrator) (registered Orchestrator, added bool) {
	r.mu.Lock()
	if e, exists := r.entries[sessionID]; exists {
		e.LastUsed = r.now()
		r.mu.Unlock()
		return e.Orchestrator, false
	}
	now := r.now()
	r.entries[sessionID] = &Entry{SessionID: sessionID, Orchestrator: o, CreatedAt: now, LastUsed: now}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	r.logger.Debug("session registered", "session_id", sessionID, "active", n)
	return o, true
}

// Touch marks a session as used now.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.LastUsed = r.now()
	}
}

// Remove unregisters a session and closes its orchestrator. Removing an
// unknown session is a no-op.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.metrics.SetActiveSessions(n)
	r.logger.Debug("session removed", "session_id", sessionID, "active", n)
	return e.Orchestrator.Close(ctx)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for a snapshot of entries ordered by session id, stopping
// when fn returns false.
func (r *Registry) Range(fn func(Entry) bool) {
	r.mu.RLock()
	snapshot := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, *e)
	}
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].SessionID < snapshot[j].SessionID })
	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}

// CloseAll removes every session, returning the first close error.
func (r *Registry) CloseAll(ctx context.Context) error {
	var ids []string
	r.Range(func(e Entry) bool {
		ids = append(ids, e.SessionID)
		return true
	})
	var first error
	for _, id := range ids {
		if err := r.Remove(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}
