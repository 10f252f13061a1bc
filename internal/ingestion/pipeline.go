// Package ingestion turns source documents into indexed fragments. It
// extracts text from files, directories, URLs and uploads, chunks it, embeds
// each chunk and appends the results to the vector index in one batch.
// A ledger of content digests keeps repeated sources out of the index.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/vortex-go/internal/config"
	"github.com/54b3r/vortex-go/internal/ledger"
	"github.com/54b3r/vortex-go/internal/rag"
)

// ErrNoText is returned when a document yields no text to index.
var ErrNoText = errors.New("ingestion: document has no extractable text")

// ErrUnreadable is returned when a document's format cannot be parsed.
var ErrUnreadable = errors.New("ingestion: document could not be read")

// embedBatchSize caps the number of chunks sent in one EmbedBatch call.
const embedBatchSize = 32

// maxFetchBytes bounds the body read from a URL source.
const maxFetchBytes = 32 << 20

// DefaultExtensions are the file types picked up by IngestDir and the watcher.
var DefaultExtensions = []string{".txt", ".md", ".markdown", ".rst", ".pdf", ".csv", ".json", ".yaml", ".yml", ".html"}

// Status is the outcome of ingesting one document.
type Status string

const (
	// StatusIndexed means the document's fragments were added to the index.
	StatusIndexed Status = "indexed"
	// StatusDuplicate means the ledger already held the document's digest.
	StatusDuplicate Status = "duplicate"
)

// Result describes one ingested document.
type Result struct {
	// Source is the file path, URL or upload name.
	Source string
	// Status is indexed or duplicate.
	Status Status
	// Fragments is the number of fragments added.
	Fragments int
	// FirstID is the id of the first added fragment.
	FirstID rag.FragmentID
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk.
	// Defaults to 1000 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	// Defaults to 100 if zero.
	ChunkOverlap int

	// EmbedRPS limits embedding requests per second. Zero means unlimited.
	EmbedRPS float64

	// HTTPTimeout is the timeout for each URL fetch. Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string

	// Extensions filters the files picked up by IngestDir.
	// Defaults to DefaultExtensions if empty.
	Extensions []string
}

// ConfigFromEnv reads INGEST_CHUNK_SIZE, INGEST_CHUNK_OVERLAP and
// INGEST_EMBED_RPS.
func ConfigFromEnv() *Config {
	return &Config{
		ChunkSize:    config.EnvInt("INGEST_CHUNK_SIZE", 1000),
		ChunkOverlap: config.EnvInt("INGEST_CHUNK_OVERLAP", 100),
		EmbedRPS:     max(config.EnvFloat("INGEST_EMBED_RPS", 0), 0),
	}
}

// Pipeline orchestrates the extract → chunk → embed → append flow.
// It is safe for concurrent use; the index serialises appends.
type Pipeline struct {
	// embedder converts chunks into vectors.
	embedder rag.Embedder

	// index stores the embedded chunks.
	index rag.Index

	// ledger records ingested digests. May be nil.
	ledger ledger.Ledger

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// limiter paces embedding requests. Nil when unlimited.
	limiter *rate.Limiter

	// httpClient is the HTTP client used for URL sources.
	httpClient *http.Client

	// log is the structured logger for ingestion events.
	log *slog.Logger
}

// NewPipeline constructs a Pipeline. led may be nil to disable duplicate
// detection.
func NewPipeline(embedder rag.Embedder, idx rag.Index, led ledger.Ledger, cfg *Config, log *slog.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if idx == nil {
		return nil, fmt.Errorf("ingestion: index must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "vortex-go/1.0 (document ingestion)"
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		embedder:   embedder,
		index:      idx,
		ledger:     led,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		log:        log,
	}
	if cfg.EmbedRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRPS), 1)
	}
	return p, nil
}

// IngestDocument indexes one document held in memory. name is used for
// format detection and logging.
func (p *Pipeline) IngestDocument(ctx context.Context, name string, content []byte) (Result, error) {
	res := Result{Source: name}
	sha := ledger.Digest(content)

	if p.ledger != nil {
		seen, err := p.ledger.Seen(ctx, sha)
		if err != nil {
			p.log.Warn("ingestion: ledger lookup failed, ingesting anyway",
				slog.String("source", name),
				slog.Any("error", err),
			)
		}
		if seen {
			res.Status = StatusDuplicate
			p.log.Info("ingestion: skipped duplicate", slog.String("source", name))
			return res, nil
		}
	}

	text, err := Extract(name, content)
	if err != nil {
		return res, err
	}
	chunks := Chunk(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return res, fmt.Errorf("%w: %s", ErrNoText, name)
	}

	vecs, err := p.embed(ctx, chunks)
	if err != nil {
		return res, fmt.Errorf("ingestion: embedding failed for %s: %w", name, err)
	}
	entries := make([]rag.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = rag.Entry{Text: c, Vector: vecs[i]}
	}
	ids, err := p.index.AddBatch(ctx, entries)
	if err != nil {
		return res, fmt.Errorf("ingestion: index append failed for %s: %w", name, err)
	}

	res.Status = StatusIndexed
	res.Fragments = len(ids)
	res.FirstID = ids[0]

	if p.ledger != nil {
		src := ledger.Source{SHA256: sha, Name: name, Fragments: len(ids), FirstID: int(ids[0])}
		if err := p.ledger.Record(ctx, src); err != nil {
			p.log.Warn("ingestion: ledger record failed",
				slog.String("source", name),
				slog.Any("error", err),
			)
		}
	}

	p.log.Info("ingestion: indexed document",
		slog.String("source", name),
		slog.Int("fragments", res.Fragments),
		slog.Int("first_id", int(res.FirstID)),
	)
	return res, nil
}

// IngestFile reads and indexes the file at path.
func (p *Pipeline) IngestFile(ctx context.Context, path string) (Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Result{Source: path}, fmt.Errorf("ingestion: read %s: %w", path, err)
	}
	return p.IngestDocument(ctx, path, content)
}

// IngestDir walks root and indexes every file whose extension is configured.
// Hidden directories are skipped. A failing file does not stop the walk; all
// failures are joined into the returned error. progress, if non-nil, is
// called after each successful document.
func (p *Pipeline) IngestDir(ctx context.Context, root string, progress func(Result)) ([]Result, error) {
	var results []Result
	var errs []error

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !p.Matches(path) {
			return nil
		}
		res, err := p.IngestFile(ctx, path)
		if err != nil {
			p.log.Warn("ingestion: file failed", slog.String("path", path), slog.Any("error", err))
			errs = append(errs, err)
			return nil
		}
		results = append(results, res)
		if progress != nil {
			progress(res)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("ingestion: walk %s: %w", root, walkErr))
	}
	return results, errors.Join(errs...)
}

// IngestURL fetches and indexes the document at rawURL.
func (p *Pipeline) IngestURL(ctx context.Context, rawURL string) (Result, error) {
	content, err := p.fetch(ctx, rawURL)
	if err != nil {
		return Result{Source: rawURL}, fmt.Errorf("ingestion: fetch failed for %s: %w", rawURL, err)
	}
	return p.IngestDocument(ctx, rawURL, content)
}

// Matches reports whether path has one of the configured extensions.
func (p *Pipeline) Matches(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext != "" && slices.Contains(p.cfg.Extensions, ext)
}

// embed returns one vector per chunk, batching when the embedder supports it.
func (p *Pipeline) embed(ctx context.Context, chunks []string) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	if be, ok := p.embedder.(rag.BatchEmbedder); ok {
		for batch := range slices.Chunk(chunks, embedBatchSize) {
			if err := p.wait(ctx); err != nil {
				return nil, err
			}
			vecs, err := be.EmbedBatch(ctx, batch)
			if err != nil {
				return nil, err
			}
			out = append(out, vecs...)
		}
		return out, nil
	}
	for _, c := range chunks {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		v, err := p.embedder.Embed(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// fetch retrieves the raw bytes of a URL.
func (p *Pipeline) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown, text/html, application/pdf")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}
