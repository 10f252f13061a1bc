package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/54b3r/vortex-go/internal/rag"
)

// ModelInfo describes one model a client may select per request.
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// Catalog lists the models available on the configured backend. Ollama
// backends report their local models via /api/tags and OpenAI reports
// /models; the other backends offer only the configured model.
type Catalog struct {
	def    string
	url    string
	header http.Header
	decode func(*json.Decoder) ([]ModelInfo, error)
	client *http.Client
}

// NewCatalog returns the catalog for cfg.
func NewCatalog(cfg *Config) *Catalog {
	c := &Catalog{def: cfg.ModelName(), client: &http.Client{Timeout: 30 * time.Second}}
	switch cfg.Backend {
	case BackendOllama, BackendOllamaNative:
		c.decode = decodeOllamaTags
	case BackendOpenAI:
		c.decode = decodeOpenAIModels
	default:
		// Azure lists base models, not deployments; ark and gemini have no
		// listing endpoint.
		return c
	}
	c.url, c.header, _ = listingEndpoint(cfg)
	return c
}

// Default returns the model used when a request names none.
func (c *Catalog) Default() string { return c.def }

// List returns the backend's models. A transport failure wraps
// rag.ErrProviderUnavailable; a non-2xx status or undecodable body wraps
// rag.ErrProviderError.
func (c *Catalog) List(ctx context.Context) ([]ModelInfo, error) {
	if c.url == "" {
		return []ModelInfo{{Name: c.def}}, nil
	}
	resp, err := getListing(ctx, c.client, c.url, c.header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	models, err := c.decode(json.NewDecoder(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("provider: decode model list: %w: %w", rag.ErrProviderError, err)
	}
	return models, nil
}

func decodeOllamaTags(dec *json.Decoder) ([]ModelInfo, error) {
	var body struct {
		Models []ModelInfo `json:"models"`
	}
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	return body.Models, nil
}

func decodeOpenAIModels(dec *json.Decoder) ([]ModelInfo, error) {
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	models := make([]ModelInfo, 0, len(body.Data))
	for _, m := range body.Data {
		models = append(models, ModelInfo{Name: m.ID})
	}
	return models, nil
}
