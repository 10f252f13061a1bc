package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/vortex-go/internal/provider"
	"github.com/54b3r/vortex-go/internal/rag"
)

// LLMPinger probes the generation backend through its zero-cost health
// endpoint. It satisfies the Pinger interface and is used by GET /api/ready.
type LLMPinger struct {
	// healthCheck is the backend's listing-endpoint probe.
	healthCheck provider.HealthChecker
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger. It returns nil when hc is nil so
// callers can skip backends without a probe endpoint.
func NewLLMPinger(hc provider.HealthChecker, name string) *LLMPinger {
	if hc == nil {
		return nil
	}
	return &LLMPinger{healthCheck: hc, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping runs the health check.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if err := p.healthCheck.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}
	return nil
}

// EmbedderPinger checks the embedding backend with a one-word request. The
// embedder must not sit behind a cache or the check never reaches the backend.
type EmbedderPinger struct {
	// embedder is the provider to probe.
	embedder rag.Embedder
	// name identifies the backend in readiness responses.
	name string
}

// NewEmbedderPinger constructs an EmbedderPinger.
func NewEmbedderPinger(e rag.Embedder, name string) *EmbedderPinger {
	return &EmbedderPinger{embedder: e, name: name}
}

// Name returns the dependency label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping embeds a fixed probe string.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	if _, err := p.embedder.Embed(ctx, "ping"); err != nil {
		return fmt.Errorf("embed probe failed: %w", err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
