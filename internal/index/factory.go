package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/54b3r/vortex-go/internal/rag"
)

// Backend names accepted by INDEX_BACKEND.
const (
	BackendFlat   = "flat"
	BackendQdrant = "qdrant"
)

// defaultCollection is the Qdrant collection used when QDRANT_COLLECTION is unset.
const defaultCollection = "vortex"

// Config selects and configures an index backend.
type Config struct {
	// Backend is "flat" (default) or "qdrant".
	Backend string

	// Path is the flat index persistence base path. Empty means memory-only.
	Path string

	// Dim is the embedding dimension every vector must have.
	Dim int

	// Qdrant holds connection settings used when Backend is "qdrant".
	// Its Dim field is overwritten with Dim.
	Qdrant QdrantConfig
}

// DefaultPath returns ~/.vortex/index/vortex, or ./vortex-index when the home
// directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vortex-index"
	}
	return filepath.Join(home, ".vortex", "index", "vortex")
}

// ConfigFromEnv reads INDEX_BACKEND, INDEX_PATH and the QDRANT_* variables.
func ConfigFromEnv(dim int) *Config {
	port, _ := strconv.Atoi(os.Getenv("QDRANT_PORT"))
	backend := os.Getenv("INDEX_BACKEND")
	if backend == "" {
		backend = BackendFlat
	}
	path := os.Getenv("INDEX_PATH")
	if path == "" {
		path = DefaultPath()
	}
	collection := os.Getenv("QDRANT_COLLECTION")
	if collection == "" {
		collection = defaultCollection
	}
	return &Config{
		Backend: backend,
		Path:    path,
		Dim:     dim,
		Qdrant: QdrantConfig{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       port,
			Collection: collection,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		},
	}
}

// Open constructs the configured index. A flat index loads any persisted
// snapshot at cfg.Path and fails with rag.ErrCorruptIndex when the artifacts
// are inconsistent.
func Open(ctx context.Context, cfg *Config) (rag.Index, error) {
	switch cfg.Backend {
	case BackendFlat, "":
		return NewFlatIndex(cfg.Dim, cfg.Path)
	case BackendQdrant:
		qc := cfg.Qdrant
		qc.Dim = cfg.Dim
		return NewQdrantIndex(ctx, qc)
	default:
		return nil, fmt.Errorf("index: unknown backend %q (valid values: flat, qdrant)", cfg.Backend)
	}
}
