package domain

import (
	"sync"
)

// Thread is the conversational memory an agent reads and writes.
type Thread interface {
	ID() string
	Variant() ThreadVariant
}

// LocalThread is an in-process chat history.
type LocalThread struct {
	mu       sync.Mutex
	id       string
	limit    int
	messages []Message
}

// NewLocalThread creates an empty history keeping at most limit messages
// (0 keeps everything).
func NewLocalThread(id string, limit int) *LocalThread {
	return &LocalThread{id: id, limit: limit}
}

func (t *LocalThread) ID() string             { return t.id }
func (t *LocalThread) Variant() ThreadVariant { return VariantLocal }

// Append adds messages, trimming the oldest beyond the limit.
func (t *LocalThread) Append(msgs ...Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msgs...)
	if t.limit > 0 && len(t.messages) > t.limit {
		t.messages = append([]Message(nil), t.messages[len(t.messages)-t.limit:]...)
	}
}

// Messages returns a copy of the history.
func (t *LocalThread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// With returns the history followed by msgs, trimmed to the limit, without
// recording msgs.
func (t *LocalThread) With(msgs ...Message) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, 0, len(t.messages)+len(msgs))
	out = append(out, t.messages...)
	out = append(out, msgs...)
	if t.limit > 0 && len(out) > t.limit {
		out = out[len(out)-t.limit:]
	}
	return out
}

// Len returns the number of messages held.
func (t *LocalThread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// HostedThread is a server-side thread addressed by an opaque id.
type HostedThread struct {
	id       string
	platform HostedPlatform
}

// NewHostedThread binds a remote thread id to the platform that owns it.
func NewHostedThread(id string, platform HostedPlatform) *HostedThread {
	return &HostedThread{id: id, platform: platform}
}

func (t *HostedThread) ID() string               { return t.id }
func (t *HostedThread) Variant() ThreadVariant   { return VariantHosted }
func (t *HostedThread) Platform() HostedPlatform { return t.platform }
