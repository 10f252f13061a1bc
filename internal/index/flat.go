// Package index provides the vector index implementations behind rag.Index:
// an exact flat cosine-similarity index with durable paired-file persistence,
// and a Qdrant-backed index for deployments that already run a vector database.
package index

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/54b3r/vortex-go/internal/rag"
)

// FlatIndex is an exact nearest-neighbour index using a brute-force inner
// product scan over L2-normalised vectors. Suitable for tens of thousands of
// fragments; cost per query is O(n·dim).
//
// Writers (Add, AddBatch) are serialised by writeMu and persist the new state
// before publishing it, so readers never wait on disk I/O and never observe
// a fragment that is not yet durable.
type FlatIndex struct {
	// dim is the fixed vector dimension.
	dim int
	// path is the persistence base path. Empty means memory-only.
	path string

	// writeMu serialises mutations and persistence writes.
	writeMu sync.Mutex
	// mu guards the published vectors and texts.
	mu sync.RWMutex
	// vectors holds all fragment vectors back to back (len = n*dim).
	vectors []float32
	// texts holds fragment texts; texts[i] belongs to fragment i.
	texts []string
}

// NewFlatIndex creates a flat index of the given dimension. When path is not
// empty and a persisted snapshot exists there, it is loaded; inconsistent
// artifacts fail with rag.ErrCorruptIndex.
func NewFlatIndex(dim int, path string) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d: %w", dim, rag.ErrInvalidArgument)
	}
	f := &FlatIndex{dim: dim, path: path}
	if path == "" {
		return f, nil
	}
	vectors, texts, err := loadSnapshot(path, dim)
	if err != nil {
		return nil, err
	}
	f.vectors = vectors
	f.texts = texts
	return f, nil
}

// Add normalises vec, appends a fragment and persists the index.
func (f *FlatIndex) Add(ctx context.Context, text string, vec []float32) (rag.FragmentID, error) {
	ids, err := f.AddBatch(ctx, []rag.Entry{{Text: text, Vector: vec}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AddBatch validates and normalises every entry, then appends them all and
// persists once. On any failure the index is left unchanged.
func (f *FlatIndex) AddBatch(ctx context.Context, entries []rag.Entry) ([]rag.FragmentID, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("index: add: %w", err)
	}

	norm := make([][]float32, len(entries))
	for i, e := range entries {
		v, err := normalized(e.Vector, f.dim)
		if err != nil {
			return nil, fmt.Errorf("index: entry %d: %w", i, err)
		}
		norm[i] = v
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	// Only writers mutate the published slices and writeMu is held, so they
	// can be read here without mu. Appending may reuse spare capacity past
	// the published length, which readers never touch.
	base := len(f.texts)
	vectors := f.vectors
	texts := f.texts
	ids := make([]rag.FragmentID, len(entries))
	for i, e := range entries {
		vectors = append(vectors, norm[i]...)
		texts = append(texts, e.Text)
		ids[i] = rag.FragmentID(base + i)
	}

	if f.path != "" {
		if err := saveSnapshot(f.path, f.dim, vectors, texts); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.vectors = vectors
	f.texts = texts
	f.mu.Unlock()

	return ids, nil
}

// Search returns up to topK fragments by cosine similarity, ties broken by
// lower fragment id. An empty index yields an empty result.
func (f *FlatIndex) Search(ctx context.Context, vec []float32, topK int) (rag.RetrievalResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("index: topK must be positive, got %d: %w", topK, rag.ErrInvalidArgument)
	}
	query, err := normalized(vec, f.dim)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	n := len(f.texts)
	hits := make(rag.RetrievalResult, n)
	for i := range n {
		hits[i] = rag.Hit{
			ID:    rag.FragmentID(i),
			Score: innerProduct(query, f.vectors[i*f.dim:(i+1)*f.dim]),
		}
	}
	sortHits(hits)
	if topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

// Text returns the text of fragment id.
func (f *FlatIndex) Text(_ context.Context, id rag.FragmentID) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id < 0 || int(id) >= len(f.texts) {
		return "", fmt.Errorf("index: fragment %d of %d: %w", id, len(f.texts), rag.ErrNotFound)
	}
	return f.texts[id], nil
}

// Len returns the number of fragments.
func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.texts)
}

// Dim returns the vector dimension.
func (f *FlatIndex) Dim() int { return f.dim }

// Close is a no-op: every mutation is persisted before it returns.
func (f *FlatIndex) Close() error { return nil }

// sortHits orders hits by descending score, then ascending id.
func sortHits(hits rag.RetrievalResult) {
	slices.SortFunc(hits, func(a, b rag.Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
