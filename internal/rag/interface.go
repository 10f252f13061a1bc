// Package rag defines the capability contracts for retrieval-augmented
// generation: the vector index, the embedding and generation providers, and
// the types that flow between them. Concrete implementations (flat index,
// Qdrant, Ollama, eino chat models) satisfy these interfaces so the session
// layer never depends on a specific backend.
package rag

import (
	"context"
)

// DefaultTopK is the number of fragments retrieved when a query does not
// specify its own top-k.
const DefaultTopK = 4

// FragmentID identifies an indexed fragment. IDs are assigned in insertion
// order starting at zero and are never reused.
type FragmentID int

// Fragment is one unit of indexed text plus its unit-norm embedding.
type Fragment struct {
	// ID is the insertion-order identifier of the fragment.
	ID FragmentID

	// Text is the UTF-8 source text. Immutable once stored.
	Text string

	// Vector is the L2-normalised embedding of Text.
	Vector []float32
}

// Entry is a text/vector pair submitted to an Index for insertion.
type Entry struct {
	// Text is the fragment text.
	Text string

	// Vector is the raw (not necessarily normalised) embedding of Text.
	Vector []float32
}

// Hit is a single retrieval match.
type Hit struct {
	// ID is the matched fragment.
	ID FragmentID `json:"id"`

	// Score is the cosine similarity between the query and the fragment, in [-1, 1].
	Score float64 `json:"score"`
}

// RetrievalResult is an ordered list of hits, descending by score with ties
// broken by ascending fragment ID.
type RetrievalResult []Hit

// Query is a transient retrieval request.
type Query struct {
	// Text is the raw user query.
	Text string

	// TopK is the number of fragments to retrieve. Zero selects DefaultTopK.
	TopK int
}

// ResolvedTopK returns the effective top-k for q.
func (q Query) ResolvedTopK() int {
	if q.TopK == 0 {
		return DefaultTopK
	}
	return q.TopK
}

// Index is a durable nearest-neighbour structure over fragment embeddings.
// Implementations must be safe to call from multiple goroutines: Search may
// run concurrently with other Search calls and with Add, and must observe
// either the index before or after an Add, never a partial fragment.
type Index interface {
	// Add normalises vec, appends a fragment and persists it before returning.
	Add(ctx context.Context, text string, vec []float32) (FragmentID, error)

	// AddBatch adds all entries or none of them, with a single persistence write.
	AddBatch(ctx context.Context, entries []Entry) ([]FragmentID, error)

	// Search returns up to topK fragments ranked by cosine similarity to vec.
	Search(ctx context.Context, vec []float32, topK int) (RetrievalResult, error)

	// Text returns the text of the fragment with the given id.
	Text(ctx context.Context, id FragmentID) (string, error)

	// Len returns the number of fragments in the index.
	Len() int

	// Dim returns the fixed vector dimension of the index.
	Dim() int

	// Close flushes and releases any resources held by the index.
	Close() error
}

// Embedder converts text into a fixed-dimension dense vector.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed returns the embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by embedders that can embed several texts in a
// single round trip. The returned slice is parallel to texts.
type BatchEmbedder interface {
	Embedder

	// EmbedBatch returns one embedding per input text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a question sent by the client.
	RoleUser Role = "user"
	// RoleAssistant marks a generated answer.
	RoleAssistant Role = "assistant"
)

// Turn is one message of an earlier exchange in the same conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions tunes a single generation call. Zero values leave the
// provider defaults in place.
type GenerateOptions struct {
	// Temperature overrides the sampling temperature when non-nil.
	Temperature *float32

	// MaxTokens caps the number of generated tokens when positive.
	MaxTokens int

	// Model replaces the configured model name when non-empty.
	Model string

	// History holds earlier turns, oldest first. They are sent to the model
	// ahead of the prompt, which is always the final user message.
	History []Turn
}

// TokenStream is a lazy, finite, non-restartable sequence of generated text
// fragments.
type TokenStream interface {
	// Recv blocks until the next fragment is available. It returns io.EOF when
	// the stream ended normally and any other error when the provider
	// reported a failure.
	Recv() (string, error)

	// Close releases the stream and is safe to call more than once. A Recv
	// blocked in another goroutine returns promptly with a non-EOF error.
	Close() error
}

// Generator turns a prompt into a stream of text fragments.
// Implementations must be safe to call from multiple goroutines; every call
// produces a fresh stream.
type Generator interface {
	// Generate starts a generation for prompt.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (TokenStream, error)
}
