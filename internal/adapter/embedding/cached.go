package embedding

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"agentfabric/internal/domain"
)

type cachedVector struct {
	key uint64
	vec []float32
}

// CachedEmbedder memoizes vectors per text in a bounded LRU. Planner memory
// lookups embed the same user messages again and again, often from several
// sessions at once, so concurrent misses for one text share a single call.
type CachedEmbedder struct {
	inner    domain.EmbeddingProvider
	capacity int
	flights  singleflight.Group

	mu      sync.Mutex
	entries map[uint64]*list.Element
	recency *list.List // front is most recent
}

// NewCachedEmbedder wraps inner with a cache of capacity vectors. A
// non-positive capacity returns inner unchanged.
func NewCachedEmbedder(inner domain.EmbeddingProvider, capacity int) domain.EmbeddingProvider {
	if capacity <= 0 {
		return inner
	}
	return &CachedEmbedder{
		inner:    inner,
		capacity: capacity,
		entries:  make(map[uint64]*list.Element, capacity),
		recency:  list.New(),
	}
}

// Embed returns one vector per text. Cached texts are served locally; the
// remaining ones go to the inner provider in one batch.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]uint64, len(texts))
	var missing []int

	c.mu.Lock()
	for i, t := range texts {
		keys[i] = textKey(t)
		if vec, ok := c.lookup(keys[i]); ok {
			out[i] = vec
		} else {
			missing = append(missing, i)
		}
	}
	c.mu.Unlock()

	switch len(missing) {
	case 0:
		return out, nil
	case 1:
		i := missing[0]
		v, err, _ := c.flights.Do(strconv.FormatUint(keys[i], 16), func() (any, error) {
			vecs, err := c.embedMisses(ctx, texts[i:i+1], keys[i:i+1])
			if err != nil {
				return nil, err
			}
			return vecs[0], nil
		})
		if err != nil {
			return nil, err
		}
		out[i] = v.([]float32)
		return out, nil
	}

	batch := make([]string, len(missing))
	batchKeys := make([]uint64, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
		batchKeys[j] = keys[i]
	}
	vecs, err := c.embedMisses(ctx, batch, batchKeys)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		out[i] = vecs[j]
	}
	return out, nil
}

func (c *CachedEmbedder) embedMisses(ctx context.Context, texts []string, keys []uint64) ([][]float32, error) {
	vecs, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts", domain.ErrEmbeddingFailed, c.inner.Name(), len(vecs), len(texts))
	}
	c.mu.Lock()
	for j, vec := range vecs {
		c.store(keys[j], vec)
	}
	c.mu.Unlock()
	return vecs, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len()
}

func textKey(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// lookup and store require c.mu.
func (c *CachedEmbedder) lookup(key uint64) ([]float32, bool) {
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.recency.MoveToFront(el)
	return el.Value.(*cachedVector).vec, true
}

func (c *CachedEmbedder) store(key uint64, vec []float32) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*cachedVector).vec = vec
		c.recency.MoveToFront(el)
		return
	}
	for c.recency.Len() >= c.capacity {
		last := c.recency.Back()
		c.recency.Remove(last)
		delete(c.entries, last.Value.(*cachedVector).key)
	}
	c.entries[key] = c.recency.PushFront(&cachedVector{key: key, vec: vec})
}

var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)
