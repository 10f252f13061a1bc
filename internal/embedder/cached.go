package embedder

import (
	"context"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/54b3r/vortex-go/internal/rag"
)

// Cached memoises embeddings in a fixed-size LRU keyed by the exact text.
// Repeated queries and re-ingested chunks skip the provider round trip.
type Cached struct {
	inner rag.Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached wraps e with an LRU holding up to size embeddings.
func NewCached(e rag.Embedder, size int) (*Cached, error) {
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedder: cache: %w", err)
	}
	return &Cached{inner: e, cache: c}, nil
}

// Embed returns a cached embedding or computes and stores a new one.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return slices.Clone(v), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, slices.Clone(v))
	return v, nil
}

// EmbedBatch serves cached texts from the LRU and embeds the rest in a single
// batch.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = slices.Clone(v)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := embedAll(ctx, c.inner, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Add(missTexts[j], slices.Clone(vecs[j]))
	}
	return out, nil
}

// Len returns the number of cached embeddings.
func (c *Cached) Len() int { return c.cache.Len() }
