package domain

import (
	"context"
	"time"
)

// MemoryRecord is a unit of persisted agent context.
type MemoryRecord struct {
	Collection  string            `json:"collection"`
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// MemoryResult is a search hit with its relevance in [0,1].
type MemoryResult struct {
	Record    MemoryRecord `json:"record"`
	Relevance float64      `json:"relevance"`
}

// MemorySearch bounds a relevance search.
type MemorySearch struct {
	Collection   string
	Query        string
	MinRelevance float64
	MaxResults   int
}

// MemoryStore persists records and searches them by semantic relevance.
type MemoryStore interface {
	// Save stores rec and returns its id. An empty rec.ID is assigned.
	Save(ctx context.Context, rec MemoryRecord) (string, error)
	// Search returns records ordered by descending relevance.
	Search(ctx context.Context, q MemorySearch) ([]MemoryResult, error)
	Name() string
}
