package embed

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the embedding cache when no size is given.
// At 768 dims x 4 bytes x 4096 entries this is about 12MB.
const DefaultCacheSize = 4096

// Cache is a bounded LRU of text embeddings keyed by content hash.
// Vectors are defensively copied on both Get and Set: callers can never
// mutate a cached slice.
type Cache struct {
	lru *lru.Cache[string, []float32]
}

// NewCache creates a cache holding at most size vectors.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[string, []float32](size)
	return &Cache{lru: c}
}

func cacheKey(model, text string) string {
	return fmt.Sprintf("%s:%016x", model, xxhash.Sum64String(text))
}

// Get returns a copy of the cached vector for text.
func (c *Cache) Get(model, text string) ([]float32, bool) {
	vec, ok := c.lru.Get(cacheKey(model, text))
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Set stores a copy of vec for text.
func (c *Cache) Set(model, text string, vec []float32) {
	stored := make([]float32, len(vec))
	copy(stored, vec)
	c.lru.Add(cacheKey(model, text), stored)
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int { return c.lru.Len() }

// CachedEmbedder fronts an Embedder with the cache, resolving each batch
// element independently so repeated texts never hit the model twice.
type CachedEmbedder struct {
	inner Embedder
	cache *Cache
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a cache of the given size.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: NewCache(cacheSize)}
}

// Embed returns vectors for texts, consulting the cache per element and
// batching only the misses to the inner embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := c.inner.ModelName()
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.cache.Get(model, text); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		c.cache.Set(model, texts[i], vecs[j])
		results[i] = vecs[j]
	}
	return results, nil
}

// Dimensions passes through to the inner embedder.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName passes through to the inner embedder.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }
