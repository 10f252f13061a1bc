package embedder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/vortex-go/internal/rag"
)

// OllamaEmbedder calls the Ollama /api/embed endpoint. No API key is needed.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "nomic-embed-text").
	Model string
}

// NewOllamaEmbedder constructs an OllamaEmbedder from cfg.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    strings.TrimRight(cfg.Host, "/") + "/api/embed",
		model:  cfg.Model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (r *ollamaEmbedResponse) errorMessage() string { return r.Error }

// Embed implements rag.Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, e, text)
}

// EmbedBatch implements rag.BatchEmbedder.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body := map[string]any{"model": e.model, "input": texts}
	var out ollamaEmbedResponse
	if err := postJSON(ctx, e.client, "ollama embedder", e.url, nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d: %w",
			len(texts), len(out.Embeddings), rag.ErrProviderError)
	}
	return out.Embeddings, nil
}
