// Package memory persists agent memory records in SQLite and searches them by
// embedding similarity.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"agentfabric/internal/domain"
)

const defaultMaxResults = 3

// Store implements domain.MemoryStore backed by SQLite. Every record is
// embedded on write; search ranks a collection by cosine similarity against
// the embedded query.
//
// An in-memory vecIndex caches each collection's embeddings after its first
// search so repeated planner lookups do not rescan the table.
type Store struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider
	logger   *slog.Logger
	vecIdx   *vecIndex
}

// New opens (or creates) a SQLite database at dbPath and runs migrations.
// Memory requires an embedding provider; a nil embedder is rejected with
// ErrMemoryUnavailable.
func New(dbPath string, embedder domain.EmbeddingProvider, logger *slog.Logger) (*Store, error) {
	if embedder == nil {
		return nil, domain.NewSubSystemError("memory", "memory.New", domain.ErrMemoryUnavailable, "no embedding provider")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create dir: %v", domain.ErrMemoryStore, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrMemoryStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrMemoryStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrMemoryStore, err)
	}

	return &Store{
		db:       db,
		embedder: embedder,
		logger:   logger,
		vecIdx:   newVecIndex(),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save implements domain.MemoryStore. Records are upserted by (collection, id).
func (s *Store) Save(ctx context.Context, rec domain.MemoryRecord) (string, error) {
	if rec.Collection == "" {
		return "", domain.NewSubSystemError("memory", "Store.Save", domain.ErrInvalidRequest, "collection is required")
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: marshal metadata: %v", domain.ErrMemoryStore, err)
	}

	vecs, err := s.embedder.Embed(ctx, []string{embeddingText(rec)})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrMemoryStore, err)
	}
	if len(vecs) == 0 {
		return "", fmt.Errorf("%w: empty embedding", domain.ErrEmbeddingFailed)
	}

	const upsert = `
		INSERT INTO records (collection, id, text, description, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			text        = excluded.text,
			description = excluded.description,
			metadata    = excluded.metadata,
			embedding   = excluded.embedding
	`
	_, err = s.db.ExecContext(ctx, upsert,
		rec.Collection,
		rec.ID,
		rec.Text,
		rec.Description,
		string(meta),
		float32ToBytes(vecs[0]),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("%w: upsert: %v", domain.ErrMemoryStore, err)
	}

	s.vecIdx.put(rec, vecs[0])
	s.logger.Debug("memory record saved", "collection", rec.Collection, "id", rec.ID)
	return rec.ID, nil
}

// Search implements domain.MemoryStore. Results below q.MinRelevance are
// dropped; at most q.MaxResults (default 3) are returned.
func (s *Store) Search(ctx context.Context, q domain.MemorySearch) ([]domain.MemoryResult, error) {
	if q.Query == "" {
		return nil, nil
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	vecs, err := s.embedder.Embed(ctx, []string{q.Query})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMemoryStore, err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", domain.ErrEmbeddingFailed)
	}

	if err := s.vecIdx.load(ctx, s.db, q.Collection); err != nil {
		return nil, fmt.Errorf("%w: load index: %v", domain.ErrMemoryStore, err)
	}
	return s.vecIdx.search(q.Collection, vecs[0], q.MinRelevance, limit), nil
}

// Name implements domain.MemoryStore.
func (s *Store) Name() string { return "sqlite" }

// embeddingText is the text a record is indexed under.
func embeddingText(rec domain.MemoryRecord) string {
	if rec.Description == "" {
		return rec.Text
	}
	return rec.Description + "\n" + rec.Text
}

var _ domain.MemoryStore = (*Store)(nil)
