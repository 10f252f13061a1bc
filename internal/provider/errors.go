package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/54b3r/vortex-go/internal/rag"
)

// Classify wraps a backend failure with the matching taxonomy sentinel.
// Context cancellation is returned unchanged; transport failures become
// rag.ErrProviderUnavailable and everything else rag.ErrProviderError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, rag.ErrProviderUnavailable) || errors.Is(err, rag.ErrProviderError) {
		return err
	}
	var urlErr *url.Error
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", rag.ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %w", rag.ErrProviderError, err)
}
