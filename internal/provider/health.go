package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/vortex-go/internal/rag"
)

// HealthChecker probes a backend without spending tokens.
type HealthChecker interface {
	// HealthCheck returns nil when the backend answered its probe endpoint.
	HealthCheck(ctx context.Context) error
}

// listingEndpoint returns the backend's model-listing URL and auth headers.
// ok is false for backends without one (ark, gemini).
func listingEndpoint(cfg *Config) (url string, header http.Header, ok bool) {
	header = http.Header{}
	switch cfg.Backend {
	case BackendOllama, BackendOllamaNative:
		return strings.TrimRight(cfg.Ollama.Host, "/") + "/api/tags", header, true
	case BackendOpenAI:
		base := cfg.OpenAI.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		header.Set("Authorization", "Bearer "+cfg.OpenAI.APIKey)
		return strings.TrimRight(base, "/") + "/models", header, true
	case BackendAzure:
		az := cfg.AzureOpenAI
		header.Set("api-key", az.APIKey)
		return strings.TrimRight(az.Endpoint, "/") + "/openai/models?api-version=" + az.APIVersion, header, true
	default:
		return "", nil, false
	}
}

// getListing issues a GET against url and returns the response for a 2xx
// status. The caller closes the body.
func getListing(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: listing request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("provider: %s returned HTTP %d: %w", url, resp.StatusCode, rag.ErrProviderError)
	}
	return resp, nil
}

// httpHealthCheck issues a GET against a cheap listing endpoint.
type httpHealthCheck struct {
	url    string
	header http.Header
	client *http.Client
}

// NewHealthCheck returns a zero-cost probe for the configured backend, or nil
// when the backend has none (ark, gemini).
func NewHealthCheck(cfg *Config) HealthChecker {
	url, header, ok := listingEndpoint(cfg)
	if !ok {
		return nil
	}
	return &httpHealthCheck{url: url, header: header, client: &http.Client{Timeout: 5 * time.Second}}
}

// HealthCheck performs the GET and treats any 2xx as healthy.
func (c *httpHealthCheck) HealthCheck(ctx context.Context) error {
	resp, err := getListing(ctx, c.client, c.url, c.header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
