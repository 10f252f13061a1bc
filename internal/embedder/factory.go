package embedder

import (
	"fmt"

	"github.com/54b3r/vortex-go/internal/config"
	"github.com/54b3r/vortex-go/internal/rag"
)

const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// Output sizes of the default models. Other models need
	// EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	defaultOpenAIDimensions = 1536

	defaultCacheSize = 1024
)

// DefaultDimensions returns EMBEDDING_DIMENSIONS when set, otherwise the
// output size of backend's default model. The index is created with this
// value.
func DefaultDimensions(backend string) int {
	if v := config.EnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	if backend == "ollama" {
		return defaultOllamaDimensions
	}
	return defaultOpenAIDimensions
}

// Backend returns the effective embedding backend: EMBEDDING_PROVIDER, else
// MODEL_PROVIDER, else ollama. The ollama-native chat backend embeds via ollama.
func Backend() string {
	backend := firstEnv("EMBEDDING_PROVIDER", "MODEL_PROVIDER")
	switch backend {
	case "", "ollama-native":
		return "ollama"
	}
	return backend
}

// NewFromEnv builds the embedding stack: the HTTP backend chosen by Backend,
// an LRU cache of EMBEDDING_CACHE_SIZE entries (default 1024, 0 disables it)
// and a dimension check against DefaultDimensions.
//
// EMBEDDING_MODEL, EMBEDDING_API_KEY and EMBEDDING_ENDPOINT override the
// values inherited from the chat provider's variables.
func NewFromEnv() (*Dimensioned, error) {
	backend := Backend()
	raw, err := newBackend(backend)
	if err != nil {
		return nil, err
	}

	var e rag.Embedder = raw
	if size := config.EnvInt("EMBEDDING_CACHE_SIZE", defaultCacheSize); size > 0 {
		cached, err := NewCached(raw, size)
		if err != nil {
			return nil, err
		}
		e = cached
	}
	return WithDimension(e, DefaultDimensions(backend)), nil
}

// newBackend constructs the raw HTTP embedder for backend.
func newBackend(backend string) (rag.BatchEmbedder, error) {
	reqs, ok := backendRequirements[backend]
	if !ok {
		return nil, fmt.Errorf("embedder: unsupported backend %q (valid values: ollama, openai, azure); set EMBEDDING_PROVIDER", backend)
	}
	for _, r := range reqs {
		if firstEnv(r.vars...) == "" {
			return nil, fmt.Errorf("embedder: %s requires %s", backend, r.vars[len(r.vars)-1])
		}
	}

	switch backend {
	case "ollama":
		return NewOllamaEmbedder(&OllamaConfig{
			Host:  config.EnvString("EMBEDDING_ENDPOINT", config.EnvString("OLLAMA_HOST", "http://localhost:11434")),
			Model: config.EnvString("EMBEDDING_MODEL", defaultOllamaModel),
		}), nil
	case "openai":
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    config.EnvString("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     firstEnv("EMBEDDING_API_KEY", "OPENAI_API_KEY"),
			Model:      config.EnvString("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: config.EnvInt("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions),
		}), nil
	default: // azure
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    firstEnv("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT") + "/openai",
			APIKey:     firstEnv("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY"),
			Model:      config.EnvString("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: config.EnvInt("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions),
			Azure:      true,
			APIVersion: config.EnvString("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil
	}
}
