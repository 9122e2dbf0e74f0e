package domain

import (
	"context"
	"time"
)

// Configuration cache namespaces.
const (
	NamespaceOrchestratorRuntime   = "orchestrator_runtime"
	NamespaceSearchRuntime         = "search_runtime"
	NamespaceSessionManagerRuntime = "session_manager_runtime"
)

// CacheKey formats the configuration cache key for a namespace and version.
func CacheKey(namespace, version string) string {
	return namespace + ":" + version
}

// TaskQueue is an ordered list of encoded requests, popped from the head.
type TaskQueue interface {
	Push(ctx context.Context, payload []byte) error
	// Pop returns ErrQueueEmpty when nothing is queued.
	Pop(ctx context.Context) ([]byte, error)
}

// Publisher delivers payloads on a session's response channel.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, payload []byte) error
}

// Subscriber opens a session's response channel. Messages published after
// Subscribe returns are delivered in publish order until cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (msgs <-chan []byte, cancel func() error, err error)
}

// ConfigCache holds immutable, versioned configuration documents.
type ConfigCache interface {
	// Get returns found=false on a miss; a miss is not an error.
	Get(ctx context.Context, namespace, version string) (value []byte, found bool, err error)
	// Set publishes a version. Publishing an existing version fails with
	// ErrDuplicate. A zero ttl keeps the value forever.
	Set(ctx context.Context, namespace, version string, value []byte, ttl time.Duration) error
}

// MessageBus bundles every bus capability behind one connection.
type MessageBus interface {
	TaskQueue
	Publisher
	Subscriber
	ConfigCache
	Close() error
}
