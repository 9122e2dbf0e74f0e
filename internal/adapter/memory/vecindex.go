package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"agentfabric/internal/domain"
)

// vecIndex is an in-memory index of embedding vectors, partitioned by
// collection. A collection is loaded from the database on its first search
// and updated incrementally on Save.
type vecIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]vecEntry // collection → id → entry
	loaded      map[string]bool
}

type vecEntry struct {
	record    domain.MemoryRecord
	embedding []float32
}

func newVecIndex() *vecIndex {
	return &vecIndex{
		collections: make(map[string]map[string]vecEntry),
		loaded:      make(map[string]bool),
	}
}

// search ranks a collection by cosine similarity. Negative similarities are
// clamped to zero so relevance stays in [0,1].
func (idx *vecIndex) search(collection string, queryVec []float32, minRelevance float64, limit int) []domain.MemoryResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := idx.collections[collection]
	results := make([]domain.MemoryResult, 0, len(entries))
	for _, ve := range entries {
		rel := float64(cosineSimilarity(queryVec, ve.embedding))
		if rel < 0 {
			rel = 0
		}
		if rel < minRelevance {
			continue
		}
		results = append(results, domain.MemoryResult{Record: ve.record, Relevance: rel})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Relevance == results[j].Relevance {
			return results[i].Record.ID < results[j].Record.ID
		}
		return results[i].Relevance > results[j].Relevance
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// put adds or updates a record. Records for collections that have not been
// loaded yet are skipped; the load picks them up from the database.
func (idx *vecIndex) put(rec domain.MemoryRecord, embedding []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.loaded[rec.Collection] {
		return
	}
	idx.collections[rec.Collection][rec.ID] = vecEntry{record: rec, embedding: embedding}
}

// load populates one collection from the database. Subsequent calls are no-ops.
func (idx *vecIndex) load(ctx context.Context, db *sql.DB, collection string) error {
	idx.mu.RLock()
	done := idx.loaded[collection]
	idx.mu.RUnlock()
	if done {
		return nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, text, description, metadata, embedding, created_at
		 FROM records WHERE collection = ? AND embedding IS NOT NULL`,
		collection,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	entries := make(map[string]vecEntry)
	for rows.Next() {
		var (
			rec       = domain.MemoryRecord{Collection: collection}
			metaJSON  string
			embBlob   []byte
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &rec.Description, &metaJSON, &embBlob, &createdAt); err != nil {
			return err
		}
		emb := bytesToFloat32(embBlob)
		if emb == nil {
			continue
		}
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries[rec.ID] = vecEntry{record: rec, embedding: emb}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	// Another load may have won.
	if !idx.loaded[collection] {
		idx.collections[collection] = entries
		idx.loaded[collection] = true
	}
	idx.mu.Unlock()
	return nil
}

// size returns the number of indexed records in a collection.
func (idx *vecIndex) size(collection string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.collections[collection])
}
