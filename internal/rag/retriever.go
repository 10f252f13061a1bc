package rag

import (
	"context"
	"fmt"
)

// Retriever answers "top-k most similar fragments to this query" by
// combining an Embedder and an Index. It performs no local recovery: every
// embedding or index failure is returned to the caller, which decides whether
// to proceed without context or abort.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the similarity search and resolves fragment texts.
	index Index
}

// NewRetriever constructs a Retriever from the given Embedder and Index.
func NewRetriever(embedder Embedder, index Index) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	return &Retriever{embedder: embedder, index: index}, nil
}

// Retrieve embeds query and returns the topK most similar fragments.
// topK must be positive.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (RetrievalResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("rag: topK must be positive, got %d: %w", topK, ErrInvalidArgument)
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}

	hits, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	return hits, nil
}

// Fragments resolves the text of every hit in result, preserving order.
func (r *Retriever) Fragments(ctx context.Context, result RetrievalResult) ([]string, error) {
	texts := make([]string, 0, len(result))
	for _, h := range result {
		text, err := r.index.Text(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("rag: resolving fragment %d: %w", h.ID, err)
		}
		texts = append(texts, text)
	}
	return texts, nil
}
