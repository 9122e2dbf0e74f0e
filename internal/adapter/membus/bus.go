// Package membus is an in-process message bus for single-process deployments
// and tests.
package membus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentfabric/internal/domain"
)

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// subscription buffers payloads without bound so Publish never blocks and
// delivery stays in publish order.
type subscription struct {
	id      uint64
	once    sync.Once
	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}
	done    chan struct{}
	out     chan []byte
}

func newSubscription(id uint64) *subscription {
	return &subscription{
		id:     id,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan []byte),
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) enqueue(p []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, p := range batch {
			select {
			case s.out <- p:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Bus is a goroutine-safe domain.MessageBus held in memory.
type Bus struct {
	mu     sync.Mutex
	queue  [][]byte
	subs   map[string][]*subscription
	cache  map[string]cacheEntry
	nextID atomic.Uint64
	closed atomic.Bool
	now    func() time.Time
	logger *slog.Logger
}

var _ domain.MessageBus = (*Bus)(nil)

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*subscription),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
		logger: logger,
	}
}

// Push appends payload to the task queue.
func (b *Bus) Push(_ context.Context, payload []byte) error {
	if b.closed.Load() {
		return domain.ErrSessionClosed
	}
	cp := append([]byte(nil), payload...)
	b.mu.Lock()
	b.queue = append(b.queue, cp)
	b.mu.Unlock()
	return nil
}

// Pop removes the head of the task queue.
func (b *Bus) Pop(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, domain.ErrQueueEmpty
	}
	head := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return head, nil
}

// Len reports the number of queued tasks.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Publish fans payload out to every subscriber of the session.
func (b *Bus) Publish(_ context.Context, sessionID string, payload []byte) error {
	if b.closed.Load() {
		return domain.ErrSessionClosed
	}
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[sessionID]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		b.logger.Debug("publish with no subscribers", "session_id", sessionID)
	}
	for _, s := range subs {
		s.enqueue(append([]byte(nil), payload...))
	}
	return nil
}

// Subscribe registers a subscriber for the session's channel.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan []byte, func() error, error) {
	if b.closed.Load() {
		return nil, nil, domain.ErrSessionClosed
	}
	s := newSubscription(b.nextID.Add(1))

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], s)
	b.mu.Unlock()

	go s.pump(ctx)

	cancel := func() error {
		b.mu.Lock()
		subs := b.subs[sessionID]
		for i, other := range subs {
			if other.id == s.id {
				b.subs[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		b.mu.Unlock()
		s.stop()
		return nil
	}
	return s.out, cancel, nil
}

// Get reads a cached configuration document.
func (b *Bus) Get(_ context.Context, namespace, version string) ([]byte, bool, error) {
	key := domain.CacheKey(namespace, version)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && b.now().After(e.expires) {
		delete(b.cache, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set publishes a configuration version once.
func (b *Bus) Set(_ context.Context, namespace, version string, value []byte, ttl time.Duration) error {
	key := domain.CacheKey(namespace, version)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.cache[key]; ok && (e.expires.IsZero() || b.now().Before(e.expires)) {
		return domain.NewSubSystemError("membus", "Bus.Set", domain.ErrDuplicate, key)
	}
	e := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = b.now().Add(ttl)
	}
	b.cache[key] = e
	return nil
}

// Close stops every subscription. Close is idempotent.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
	for _, subs := range all {
		for _, s := range subs {
			s.stop()
		}
	}
	return nil
}
