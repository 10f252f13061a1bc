package embedder

import (
	"context"
	"fmt"

	"github.com/54b3r/vortex-go/internal/rag"
)

// Dimensioned enforces a fixed output dimension on an embedder. A vector of
// any other length fails with rag.ErrDimensionMismatch; it is never truncated
// or padded.
type Dimensioned struct {
	inner rag.Embedder
	dim   int
}

// WithDimension wraps e so every returned vector has exactly dim components.
func WithDimension(e rag.Embedder, dim int) *Dimensioned {
	return &Dimensioned{inner: e, dim: dim}
}

// Dim returns the enforced dimension.
func (d *Dimensioned) Dim() int { return d.dim }

// Uncached returns an embedder with the same dimension check that bypasses
// any cache in front of the provider, so every call reaches the backend.
// Readiness checks use it.
func (d *Dimensioned) Uncached() *Dimensioned {
	if c, ok := d.inner.(*Cached); ok {
		return WithDimension(c.inner, d.dim)
	}
	return d
}

// Embed embeds text and checks the result's length.
func (d *Dimensioned) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := d.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != d.dim {
		return nil, fmt.Errorf("embedder: got %d components, expected %d: %w", len(vec), d.dim, rag.ErrDimensionMismatch)
	}
	return vec, nil
}

// EmbedBatch embeds texts in one call when the wrapped embedder supports it,
// otherwise one at a time, and checks every result.
func (d *Dimensioned) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := embedAll(ctx, d.inner, texts)
	if err != nil {
		return nil, err
	}
	for i, v := range vecs {
		if len(v) != d.dim {
			return nil, fmt.Errorf("embedder: text %d: got %d components, expected %d: %w", i, len(v), d.dim, rag.ErrDimensionMismatch)
		}
	}
	return vecs, nil
}

// embedAll embeds texts through e, batching when e is a rag.BatchEmbedder.
func embedAll(ctx context.Context, e rag.Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if b, ok := e.(rag.BatchEmbedder); ok {
		return b.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
