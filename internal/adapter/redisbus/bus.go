// Package redisbus implements the message bus on Redis: a list for the task
// queue, pub/sub for response channels and plain keys for the config cache.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"agentfabric/internal/domain"
)

// Options configures a Bus.
type Options struct {
	URL           string
	Password      string
	DB            int
	TaskQueue     string
	ChannelPrefix string
	CacheTTL      time.Duration
}

// Bus is a domain.MessageBus over a single go-redis client.
type Bus struct {
	client *goredis.Client
	opts   Options
	logger *slog.Logger
}

var _ domain.MessageBus = (*Bus)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Bus, error) {
	redisOpts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB != 0 {
		redisOpts.DB = opts.DB
	}
	client := goredis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(client, opts, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, opts Options, logger *slog.Logger) *Bus {
	if opts.TaskQueue == "" {
		opts.TaskQueue = "tasks"
	}
	return &Bus{client: client, opts: opts, logger: logger}
}

// Push appends payload to the tail of the task queue.
func (b *Bus) Push(ctx context.Context, payload []byte) error {
	if err := b.client.RPush(ctx, b.opts.TaskQueue, payload).Err(); err != nil {
		return domain.NewSubSystemError("redisbus", "Bus.Push", err, b.opts.TaskQueue)
	}
	return nil
}

// Pop removes and returns the head of the task queue.
func (b *Bus) Pop(ctx context.Context) ([]byte, error) {
	data, err := b.client.LPop(ctx, b.opts.TaskQueue).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrQueueEmpty
	}
	if err != nil {
		return nil, domain.NewSubSystemError("redisbus", "Bus.Pop", err, b.opts.TaskQueue)
	}
	return data, nil
}

// Len reports the number of queued tasks.
func (b *Bus) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.opts.TaskQueue).Result()
}

func (b *Bus) channel(sessionID string) string {
	return b.opts.ChannelPrefix + sessionID
}

// Publish sends payload on the session's response channel.
func (b *Bus) Publish(ctx context.Context, sessionID string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(sessionID), payload).Err(); err != nil {
		return domain.NewSubSystemError("redisbus", "Bus.Publish", err, sessionID)
	}
	return nil
}

// Subscribe opens the session's response channel. It returns after Redis
// has confirmed the subscription.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan []byte, func() error, error) {
	name := b.channel(sessionID)
	sub := b.client.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, domain.NewSubSystemError("redisbus", "Bus.Subscribe", err, name)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})
	msgs := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	var closeErr error
	cancel := func() error {
		once.Do(func() {
			close(done)
			closeErr = sub.Close()
		})
		return closeErr
	}
	return out, cancel, nil
}

// Get reads a cached configuration document.
func (b *Bus) Get(ctx context.Context, namespace, version string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, domain.CacheKey(namespace, version)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewSubSystemError("redisbus", "Bus.Get", err, domain.CacheKey(namespace, version))
	}
	return data, true, nil
}

// Set publishes a configuration version once. A zero ttl falls back to the
// bus default; both zero means no expiry.
func (b *Bus) Set(ctx context.Context, namespace, version string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = b.opts.CacheTTL
	}
	key := domain.CacheKey(namespace, version)
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return domain.NewSubSystemError("redisbus", "Bus.Set", err, key)
	}
	if !ok {
		return domain.NewSubSystemError("redisbus", "Bus.Set", domain.ErrDuplicate, key)
	}
	return nil
}

// Close releases the client.
func (b *Bus) Close() error {
	return b.client.Close()
}
