package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically removes sessions idle longer than a TTL. Sessions
// whose lock is held or awaited are never reaped.
type Reaper struct {
	registry *Registry
	locker   *Locker
	ttl      time.Duration
	schedule cron.Schedule
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewReaper parses schedule, which is a cron expression, a descriptor such
// as "@every 5m", or a plain duration.
func NewReaper(registry *Registry, locker *Locker, ttl time.Duration, schedule string, logger *slog.Logger) (*Reaper, error) {
	sched, err := parseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("reaper: invalid schedule %q: %w", schedule, err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("reaper: idle ttl must be positive")
	}
	return &Reaper{
		registry: registry,
		locker:   locker,
		ttl:      ttl,
		schedule: sched,
		cron:     cron.New(),
		logger:   logger,
	}, nil
}

// Start begins reaping on schedule.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		r.mu.Lock()
		jobCtx := r.ctx
		r.mu.Unlock()
		if jobCtx == nil || jobCtx.Err() != nil {
			return
		}
		start := time.Now()
		if n := r.Reap(jobCtx); n > 0 {
			r.logger.Info("idle sessions reaped", "count", n, "duration", time.Since(start))
		}
	}))
	r.cron.Start()
	r.started = true
}

// Stop halts the schedule and waits for a running reap to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.started = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
}

// Reap removes idle sessions once and returns how many were removed.
func (r *Reaper) Reap(ctx context.Context) int {
	cutoff := r.registry.now().Add(-r.ttl)

	var idle []string
	r.registry.Range(func(e Entry) bool {
		if e.LastUsed.Before(cutoff) {
			idle = append(idle, e.SessionID)
		}
		return true
	})

	removed := 0
	for _, id := range idle {
		unlock, ok := r.locker.TryLock(id)
		if !ok {
			continue
		}
		// Re-check under the lock; a task may have touched it meanwhile.
		if r.stillIdle(id, cutoff) {
			if err := r.registry.Remove(ctx, id); err != nil {
				r.logger.Warn("session close failed", "session_id", id, "error", err)
			}
			removed++
		}
		unlock()
	}
	return removed
}

func (r *Reaper) stillIdle(id string, cutoff time.Time) bool {
	r.registry.mu.RLock()
	defer r.registry.mu.RUnlock()
	e, ok := r.registry.entries[id]
	return ok && e.LastUsed.Before(cutoff)
}

// parseSchedule tries a cron expression first, then a duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return cron.Every(dur), nil
}
