// Package embedder turns text into dense vectors over the embedding REST APIs
// of OpenAI, Azure OpenAI and Ollama. Wrappers add dimension enforcement and
// an LRU cache.
package embedder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/vortex-go/internal/rag"
)

// OpenAIEmbedder calls the OpenAI embeddings API, or its Azure deployment
// variant when configured for Azure.
type OpenAIEmbedder struct {
	url        string
	header     http.Header
	model      string
	dimensions int
	client     *http.Client
}

// OpenAIConfig holds the settings for constructing an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is "https://api.openai.com/v1" for OpenAI or
	// "https://<resource>.openai.azure.com/openai" for Azure.
	BaseURL string
	APIKey  string
	// Model is the embedding model, or the deployment name on Azure.
	Model string
	// Dimensions asks the model for shorter vectors; 0 keeps its default.
	Dimensions int
	// Azure switches to the api-key header and deployment URL layout.
	Azure bool
	// APIVersion is the Azure api-version query value.
	APIVersion string
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder from cfg.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	base := strings.TrimRight(cfg.BaseURL, "/")
	e := &OpenAIEmbedder{
		url:        base + "/embeddings",
		header:     http.Header{},
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.Azure {
		e.url = base + "/deployments/" + cfg.Model + "/embeddings?api-version=" + cfg.APIVersion
		e.header.Set("api-key", cfg.APIKey)
	} else {
		e.header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return e
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *openaiEmbedResponse) errorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// Embed implements rag.Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, e, text)
}

// EmbedBatch implements rag.BatchEmbedder. Results are reordered by the
// index field the API returns.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body := openaiEmbedRequest{Input: texts, Model: e.model, Dimensions: e.dimensions}
	var out openaiEmbedResponse
	if err := postJSON(ctx, e.client, "openai embedder", e.url, e.header, body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: expected %d embeddings, got %d: %w",
			len(texts), len(out.Data), rag.ErrProviderError)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("openai embedder: bad result index %d: %w", d.Index, rag.ErrProviderError)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
