package session

import (
	"context"
	"fmt"
	"sync"
)

// Locker provides operation-level mutual exclusion per session. At most one
// task per session is processed at a time.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewLocker creates a new session locker.
func NewLocker() *Locker {
	return &Locker{
		locks: make(map[string]*sessionMutex),
	}
}

func (l *Locker) acquireRef(sessionID string) *sessionMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	sm, ok := l.locks[sessionID]
	if !ok {
		sm = &sessionMutex{}
		l.locks[sessionID] = sm
	}
	sm.refCount++
	return sm
}

func (l *Locker) releaseRef(sessionID string, sm *sessionMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sm.refCount--
	if sm.refCount == 0 {
		delete(l.locks, sessionID)
	}
}

// Lock acquires the lock for the given session ID. It blocks until the
// lock is acquired or the context is cancelled. The returned unlock function
// must be called exactly once.
func (l *Locker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	sm := l.acquireRef(sessionID)

	acquired := make(chan struct{})
	go func() {
		sm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return l.unlocker(sessionID, sm), nil

	case <-ctx.Done():
		// The goroutine still acquires eventually; release on its behalf.
		go func() {
			<-acquired
			sm.mu.Unlock()
			l.releaseRef(sessionID, sm)
		}()
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// TryLock acquires the session lock only if nobody holds or waits for it.
func (l *Locker) TryLock(sessionID string) (unlock func(), ok bool) {
	l.mu.Lock()
	if _, busy := l.locks[sessionID]; busy {
		l.mu.Unlock()
		return nil, false
	}
	sm := &sessionMutex{refCount: 1}
	sm.mu.Lock()
	l.locks[sessionID] = sm
	l.mu.Unlock()
	return l.unlocker(sessionID, sm), true
}

func (l *Locker) unlocker(sessionID string, sm *sessionMutex) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			sm.mu.Unlock()
			l.releaseRef(sessionID, sm)
		})
	}
}

// Busy reports whether the session lock is held or awaited.
func (l *Locker) Busy(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[sessionID]
	return ok
}

// ActiveCount returns the number of sessions with active or pending locks.
func (l *Locker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
