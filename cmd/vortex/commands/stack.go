package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/54b3r/vortex-go/internal/config"
	"github.com/54b3r/vortex-go/internal/embedder"
	"github.com/54b3r/vortex-go/internal/index"
	"github.com/54b3r/vortex-go/internal/ingestion"
	"github.com/54b3r/vortex-go/internal/ledger"
	"github.com/54b3r/vortex-go/internal/provider"
	"github.com/54b3r/vortex-go/internal/rag"
	"github.com/54b3r/vortex-go/internal/server"
	"github.com/54b3r/vortex-go/internal/session"
)

// ledgerDisabled turns the ingestion ledger off when set as VORTEX_LEDGER_DB.
const ledgerDisabled = "disabled"

// stack is the retrieval side shared by every command: embedder, index,
// ledger and the ingestion pipeline over them.
type stack struct {
	embedder  *embedder.Dimensioned
	indexCfg  *index.Config
	index     rag.Index
	retriever *rag.Retriever
	ledger    ledger.Ledger
	pipeline  *ingestion.Pipeline
	log       *slog.Logger
}

// stackOptions tunes openStack.
type stackOptions struct {
	// rebuild discards the persisted flat index and the ledger before opening.
	rebuild bool
}

// openStack resolves the embedder, opens the index and ledger, and wires the
// ingestion pipeline. The caller must Close the returned stack.
func openStack(ctx context.Context, log *slog.Logger, opts stackOptions) (*stack, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("backend", embedder.Backend()),
		slog.Int("dimensions", emb.Dim()),
	)

	idxCfg := index.ConfigFromEnv(emb.Dim())
	if opts.rebuild {
		if idxCfg.Backend == index.BackendQdrant {
			return nil, errors.New("--rebuild is only supported for the flat index; drop the Qdrant collection instead")
		}
		if err := index.RemoveArtifacts(idxCfg.Path); err != nil {
			return nil, fmt.Errorf("failed to remove index artifacts: %w", err)
		}
		log.Info("index artifacts removed", slog.String("path", idxCfg.Path))
	}

	idx, err := index.Open(ctx, idxCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s index: %w", idxCfg.Backend, err)
	}
	log.Info("index opened",
		slog.String("backend", idxCfg.Backend),
		slog.Int("fragments", idx.Len()),
	)

	st := &stack{embedder: emb, indexCfg: idxCfg, index: idx, log: log}

	st.retriever, err = rag.NewRetriever(emb, idx)
	if err != nil {
		st.Close()
		return nil, err
	}

	st.ledger, err = openLedger(log)
	if err != nil {
		st.Close()
		return nil, err
	}
	if opts.rebuild && st.ledger != nil {
		if err := st.ledger.Reset(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to reset ledger: %w", err)
		}
	}

	st.pipeline, err = ingestion.NewPipeline(emb, idx, st.ledger, ingestion.ConfigFromEnv(), log)
	if err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// Close releases the index and the ledger.
func (s *stack) Close() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.log.Warn("ledger close failed", slog.Any("error", err))
		}
	}
	if err := s.index.Close(); err != nil {
		s.log.Warn("index close failed", slog.Any("error", err))
	}
}

// openLedger opens the ingestion ledger named by VORTEX_LEDGER_DB, the
// default path when unset, or nothing when set to "disabled".
func openLedger(log *slog.Logger) (ledger.Ledger, error) {
	path := os.Getenv("VORTEX_LEDGER_DB")
	if path == ledgerDisabled {
		log.Info("ledger: disabled via VORTEX_LEDGER_DB=disabled")
		return nil, nil
	}
	if path == "" {
		var err error
		if path, err = ledger.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	led, err := ledger.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info("ledger opened", slog.String("path", path))
	return led, nil
}

// engineOptionsFromEnv reads RAG_TOP_K and RAG_MAX_CONTEXT_TOKENS.
func engineOptionsFromEnv() (session.Options, error) {
	opts := session.Options{
		DefaultTopK:      config.EnvInt("RAG_TOP_K", 0),
		MaxContextTokens: config.EnvInt("RAG_MAX_CONTEXT_TOKENS", 0),
	}
	if opts.DefaultTopK < 0 {
		return opts, fmt.Errorf("RAG_TOP_K must not be negative, got %d", opts.DefaultTopK)
	}
	if opts.MaxContextTokens < 0 {
		return opts, fmt.Errorf("RAG_MAX_CONTEXT_TOKENS must not be negative, got %d", opts.MaxContextTokens)
	}
	return opts, nil
}

// newEngine builds the generator for MODEL_PROVIDER and a session engine
// over st's retriever. The resolved provider config is returned for
// readiness probes.
func newEngine(ctx context.Context, st *stack, log *slog.Logger) (*session.Engine, *provider.Config, error) {
	providerCfg := provider.ConfigFromEnv()
	gen, err := provider.NewGenerator(ctx, providerCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	log.Info("provider initialised", slog.String("provider", string(providerCfg.Backend)))

	opts, err := engineOptionsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	eng, err := session.NewEngine(st.retriever, gen, opts, log)
	if err != nil {
		return nil, nil, err
	}
	return eng, providerCfg, nil
}

// buildPingers returns the readiness probes for the configured backends.
func buildPingers(providerCfg *provider.Config, st *stack) []server.Pinger {
	var pingers []server.Pinger
	if p := server.NewLLMPinger(provider.NewHealthCheck(providerCfg), string(providerCfg.Backend)); p != nil {
		pingers = append(pingers, p)
	}
	pingers = append(pingers, server.NewEmbedderPinger(st.embedder.Uncached(), "embedder:"+embedder.Backend()))
	if q, ok := st.index.(*index.QdrantIndex); ok {
		pingers = append(pingers, server.NewQdrantPinger(q.Client()))
	}
	return pingers
}
