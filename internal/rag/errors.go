package rag

import "errors"

// Error taxonomy shared by every component of the pipeline. Implementations
// wrap these sentinels with fmt.Errorf("...: %w", ...) so callers can match
// them with errors.Is regardless of which backend produced the failure.
var (
	// ErrDimensionMismatch reports a vector whose length differs from the
	// configured index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDegenerateVector reports a vector with zero L2 norm, which cannot be
	// normalised.
	ErrDegenerateVector = errors.New("degenerate vector")

	// ErrNotFound reports a fragment id outside the valid range.
	ErrNotFound = errors.New("not found")

	// ErrCorruptIndex reports persisted index artifacts that disagree with
	// each other or cannot be decoded.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrInvalidArgument reports a caller-supplied value outside its domain
	// (for example a non-positive top-k).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProviderUnavailable reports that the model service could not be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderError reports a non-success response from the model service.
	ErrProviderError = errors.New("provider error")
)
