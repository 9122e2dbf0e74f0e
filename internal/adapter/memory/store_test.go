package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
)

// wordEmbedder embeds text as a bag of words over a fixed vocabulary.
type wordEmbedder struct {
	vocab []string
	fail  error
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(e.vocab))
		lower := strings.ToLower(t)
		for j, w := range e.vocab {
			if strings.Contains(lower, w) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int { return len(e.vocab) }
func (e *wordEmbedder) Name() string    { return "words" }

func newTestStore(t *testing.T, embedder domain.EmbeddingProvider) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nested", "memory.db"), embedder, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func vocab() *wordEmbedder {
	return &wordEmbedder{vocab: []string{"revenue", "chart", "market", "sentiment", "weather"}}
}

func TestNewRequiresEmbedder(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "m.db"), nil, logger.Discard())
	assert.ErrorIs(t, err, domain.ErrMemoryUnavailable)
}

func TestSaveAndSearch(t *testing.T) {
	s := newTestStore(t, vocab())
	ctx := context.Background()

	id, err := s.Save(ctx, domain.MemoryRecord{
		Collection: "planner",
		Text:       "revenue chart",
		Metadata:   map[string]string{"agents": "VISUALIZATION_AGENT"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "ids are assigned")

	_, err = s.Save(ctx, domain.MemoryRecord{Collection: "planner", ID: "w", Text: "weather today"})
	require.NoError(t, err)

	results, err := s.Search(ctx, domain.MemorySearch{Collection: "planner", Query: "show a revenue chart", MinRelevance: 0.7})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Record.ID)
	assert.Equal(t, "VISUALIZATION_AGENT", results[0].Record.Metadata["agents"])
	assert.InDelta(t, 1.0, results[0].Relevance, 1e-6)
}

func TestSearchIsScopedToCollection(t *testing.T) {
	s := newTestStore(t, vocab())
	ctx := context.Background()

	_, err := s.Save(ctx, domain.MemoryRecord{Collection: "planner", Text: "market"})
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.MemoryRecord{Collection: "RESEARCHER_AGENT", Text: "market"})
	require.NoError(t, err)

	results, err := s.Search(ctx, domain.MemorySearch{Collection: "planner", Query: "market"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchOrderingAndLimit(t *testing.T) {
	s := newTestStore(t, vocab())
	ctx := context.Background()

	for _, text := range []string{"revenue", "revenue chart", "revenue chart market", "sentiment"} {
		_, err := s.Save(ctx, domain.MemoryRecord{Collection: "c", Text: text})
		require.NoError(t, err)
	}

	results, err := s.Search(ctx, domain.MemorySearch{Collection: "c", Query: "revenue chart", MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "revenue chart", results[0].Record.Text)
	assert.GreaterOrEqual(t, results[0].Relevance, results[1].Relevance)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Relevance, 0.0)
		assert.LessOrEqual(t, r.Relevance, 1.0+1e-9)
	}
}

func TestSaveAfterIndexLoadIsVisible(t *testing.T) {
	s := newTestStore(t, vocab())
	ctx := context.Background()

	_, err := s.Search(ctx, domain.MemorySearch{Collection: "c", Query: "chart"})
	require.NoError(t, err)
	assert.Equal(t, 0, s.vecIdx.size("c"))

	_, err = s.Save(ctx, domain.MemoryRecord{Collection: "c", ID: "x", Text: "chart"})
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.MemoryRecord{Collection: "c", ID: "x", Text: "chart updated"})
	require.NoError(t, err)

	results, err := s.Search(ctx, domain.MemorySearch{Collection: "c", Query: "chart"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "chart updated", results[0].Record.Text)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	ctx := context.Background()

	s, err := New(path, vocab(), logger.Discard())
	require.NoError(t, err)
	_, err = s.Save(ctx, domain.MemoryRecord{Collection: "planner", ID: "p1", Text: "sentiment", Description: "trace"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path, vocab(), logger.Discard())
	require.NoError(t, err)
	defer s.Close()

	results, err := s.Search(ctx, domain.MemorySearch{Collection: "planner", Query: "sentiment"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "trace", results[0].Record.Description)
	assert.False(t, results[0].Record.CreatedAt.IsZero())
}

func TestSaveErrors(t *testing.T) {
	s := newTestStore(t, vocab())
	_, err := s.Save(context.Background(), domain.MemoryRecord{Text: "no collection"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	failing := newTestStore(t, &wordEmbedder{fail: errors.New("boom")})
	_, err = failing.Save(context.Background(), domain.MemoryRecord{Collection: "c", Text: "x"})
	assert.ErrorIs(t, err, domain.ErrMemoryStore)

	_, err = failing.Search(context.Background(), domain.MemorySearch{Collection: "c", Query: "x"})
	assert.ErrorIs(t, err, domain.ErrMemoryStore)
}

func TestEmptyQuery(t *testing.T) {
	s := newTestStore(t, vocab())
	results, err := s.Search(context.Background(), domain.MemorySearch{Collection: "c"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConcurrentSaves(t *testing.T) {
	s := newTestStore(t, vocab())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Save(ctx, domain.MemoryRecord{Collection: "c", Text: "market"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	results, err := s.Search(ctx, domain.MemorySearch{Collection: "c", Query: "market", MaxResults: 20})
	require.NoError(t, err)
	assert.Len(t, results, 10)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(0), cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float32(0), cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, []float32{1.5, -2}, bytesToFloat32(float32ToBytes([]float32{1.5, -2})))
}

func TestCosineSimilarityStaysInRange(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3, 0.7, 0.013}
	neg := make([]float32, len(v))
	for i, x := range v {
		neg[i] = -x
	}
	assert.Equal(t, float32(1), cosineSimilarity(v, v))
	assert.Equal(t, float32(-1), cosineSimilarity(v, neg))
	assert.LessOrEqual(t, cosineSimilarity([]float32{1, 1, 1}, []float32{1, 1, 1}), float32(1))
}
