package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/54b3r/vortex-go/internal/rag"
)

// errorBody is implemented by response types whose service reports failures
// in the JSON body.
type errorBody interface {
	errorMessage() string
}

// postJSON POSTs body to url and decodes the reply into out. A failed round
// trip wraps rag.ErrProviderUnavailable (or the context error when the caller
// gave up); a non-2xx status or an undecodable body wraps rag.ErrProviderError.
func postJSON(ctx context.Context, client *http.Client, prefix, url string, header http.Header, body any, out errorBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", prefix, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", prefix, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", prefix, ctxErr)
		}
		return fmt.Errorf("%s: request failed: %w: %w", prefix, rag.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	decodeErr := json.NewDecoder(resp.Body).Decode(out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if decodeErr == nil && out.errorMessage() != "" {
			msg = out.errorMessage()
		}
		return fmt.Errorf("%s: %s: %w", prefix, msg, rag.ErrProviderError)
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: decode response: %w: %w", prefix, rag.ErrProviderError, decodeErr)
	}
	return nil
}

// embedOne embeds a single text through a batch call.
func embedOne(ctx context.Context, b rag.BatchEmbedder, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
