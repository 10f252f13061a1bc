// Package config loads the optional vortex YAML file and projects it onto
// environment variables, which every other package reads. Values already
// present in the environment are never overwritten.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. VORTEX_CONFIG environment variable
//  3. ~/.vortex/config.yaml
//  4. ./vortex.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML file. Each leaf field names the environment
// variable it feeds in its env tag; ",secret" marks values that must never
// be logged.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	RAG       RAGConfig       `yaml:"rag"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ModelConfig selects and tunes the generation provider.
type ModelConfig struct {
	// Provider is one of ollama, ollama-native, openai, azure, ark, gemini.
	Provider    string  `yaml:"provider" env:"MODEL_PROVIDER"`
	MaxTokens   int     `yaml:"max_tokens" env:"MODEL_MAX_TOKENS"`
	Temperature float32 `yaml:"temperature" env:"MODEL_TEMPERATURE"`

	Ollama struct {
		Host  string `yaml:"host" env:"OLLAMA_HOST"`
		Model string `yaml:"model" env:"OLLAMA_MODEL"`
	} `yaml:"ollama"`

	OpenAI struct {
		APIKey string `yaml:"api_key" env:"OPENAI_API_KEY,secret"`
		Model  string `yaml:"model" env:"OPENAI_MODEL"`
		// BaseURL points at any OpenAI-compatible endpoint.
		BaseURL string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	} `yaml:"openai"`

	Azure struct {
		APIKey     string `yaml:"api_key" env:"AZURE_OPENAI_API_KEY,secret"`
		Endpoint   string `yaml:"endpoint" env:"AZURE_OPENAI_ENDPOINT"`
		Deployment string `yaml:"deployment" env:"AZURE_OPENAI_DEPLOYMENT"`
		APIVersion string `yaml:"api_version" env:"AZURE_OPENAI_API_VERSION"`
	} `yaml:"azure"`

	Ark struct {
		APIKey string `yaml:"api_key" env:"ARK_API_KEY,secret"`
		// Model is the Ark endpoint id (ep-...).
		Model   string `yaml:"model" env:"ARK_MODEL"`
		BaseURL string `yaml:"base_url" env:"ARK_BASE_URL"`
	} `yaml:"ark"`

	Gemini struct {
		APIKey string `yaml:"api_key" env:"GOOGLE_API_KEY,secret"`
		Model  string `yaml:"model" env:"GEMINI_MODEL"`
	} `yaml:"gemini"`
}

// EmbeddingConfig selects the embedding provider. Unset fields inherit from
// the generation provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" env:"EMBEDDING_PROVIDER"`
	Model      string `yaml:"model" env:"EMBEDDING_MODEL"`
	Dimensions int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS"`
	APIKey     string `yaml:"api_key" env:"EMBEDDING_API_KEY,secret"`
	Endpoint   string `yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
	// CacheSize is the number of embeddings kept in the LRU; 0 keeps the default.
	CacheSize int `yaml:"cache_size" env:"EMBEDDING_CACHE_SIZE"`
}

// IndexConfig selects the vector index.
type IndexConfig struct {
	// Backend is flat (default) or qdrant.
	Backend string `yaml:"backend" env:"INDEX_BACKEND"`
	// Path is the artifact prefix of the flat index.
	Path string `yaml:"path" env:"INDEX_PATH"`
}

// QdrantConfig addresses the Qdrant collection used by the qdrant backend.
type QdrantConfig struct {
	Host       string `yaml:"host" env:"QDRANT_HOST"`
	Port       int    `yaml:"port" env:"QDRANT_PORT"`
	Collection string `yaml:"collection" env:"QDRANT_COLLECTION"`
	APIKey     string `yaml:"api_key" env:"QDRANT_API_KEY,secret"`
	TLS        bool   `yaml:"tls" env:"QDRANT_TLS"`
}

// RAGConfig tunes retrieval and prompt assembly.
type RAGConfig struct {
	TopK int `yaml:"top_k" env:"RAG_TOP_K"`
	// MaxContextTokens trims retrieved context to an estimated token budget.
	// Zero disables trimming.
	MaxContextTokens int `yaml:"max_context_tokens" env:"RAG_MAX_CONTEXT_TOKENS"`
}

// IngestConfig tunes document ingestion.
type IngestConfig struct {
	ChunkSize    int     `yaml:"chunk_size" env:"INGEST_CHUNK_SIZE"`
	ChunkOverlap int     `yaml:"chunk_overlap" env:"INGEST_CHUNK_OVERLAP"`
	EmbedRPS     float64 `yaml:"embed_rps" env:"INGEST_EMBED_RPS"`
	// LedgerDB is the SQLite ledger path; "disabled" turns the ledger off.
	LedgerDB string `yaml:"ledger_db" env:"VORTEX_LEDGER_DB"`
	WatchDir string `yaml:"watch_dir" env:"VORTEX_WATCH_DIR"`
}

// ServerConfig configures `vortex serve`.
type ServerConfig struct {
	Host string `yaml:"host" env:"VORTEX_HOST"`
	Port int    `yaml:"port" env:"VORTEX_PORT"`
	// APIKey, when set, is required as a Bearer token on chat and upload.
	APIKey string `yaml:"api_key" env:"VORTEX_API_KEY,secret"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// TracingConfig holds the Langfuse credentials.
type TracingConfig struct {
	PublicKey string `yaml:"public_key" env:"LANGFUSE_PUBLIC_KEY,secret"`
	SecretKey string `yaml:"secret_key" env:"LANGFUSE_SECRET_KEY,secret"`
	Host      string `yaml:"host" env:"LANGFUSE_HOST"`
}

// Key describes one environment variable fed by the config file.
type Key struct {
	Name   string
	Secret bool
}

// Keys returns every environment variable the config file can set, in
// declaration order.
func Keys() []Key {
	var keys []Key
	walk(reflect.ValueOf(&Config{}).Elem(), func(k Key, _ reflect.Value) {
		keys = append(keys, k)
	})
	return keys
}

// Load reads the config file and exports its non-zero values as environment
// variables, skipping any variable that is already set. It returns the path
// that was loaded, or "" when no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	var setErr error
	walk(reflect.ValueOf(&cfg).Elem(), func(k Key, v reflect.Value) {
		s := scalarString(v)
		if s == "" || os.Getenv(k.Name) != "" || setErr != nil {
			return
		}
		if err := os.Setenv(k.Name, s); err != nil {
			setErr = fmt.Errorf("config: set %s: %w", k.Name, err)
			return
		}
		applied++
	})
	if setErr != nil {
		return "", setErr
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)
	return path, nil
}

// walk calls fn for every env-tagged leaf under v, descending into untagged
// struct fields.
func walk(v reflect.Value, fn func(Key, reflect.Value)) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("env")
		if !ok {
			if f.Type.Kind() == reflect.Struct {
				walk(v.Field(i), fn)
			}
			continue
		}
		name, opt, _ := strings.Cut(tag, ",")
		fn(Key{Name: name, Secret: opt == "secret"}, v.Field(i))
	}
}

// scalarString renders a leaf for the environment. Zero values render as ""
// so they never shadow a default.
func scalarString(v reflect.Value) string {
	if v.IsZero() {
		return ""
	}
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'f', -1, 32)
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case reflect.Bool:
		return "true"
	default:
		panic(fmt.Sprintf("config: unsupported field kind %s", v.Kind()))
	}
}

// EnvInt returns the integer value of key, or fallback when it is unset or
// not a number.
func EnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvFloat returns the float value of key, or fallback when it is unset or
// not a number.
func EnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// EnvString returns the value of key, or fallback when it is unset.
func EnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolveConfigPath returns the first config file path that exists. An
// explicit path that does not exist resolves to "".
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return existing(explicit)
	}
	candidates := []string{os.Getenv("VORTEX_CONFIG")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".vortex", "config.yaml"))
	}
	candidates = append(candidates, "vortex.yaml")
	for _, p := range candidates {
		if p != "" && existing(p) != "" {
			return p
		}
	}
	return ""
}

func existing(p string) string {
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
