package index

import (
	"fmt"
	"math"

	"github.com/54b3r/vortex-go/internal/rag"
)

// normalized returns a unit-L2-norm copy of vec. It fails with
// rag.ErrDimensionMismatch when len(vec) != dim and rag.ErrDegenerateVector
// when the norm is zero or not finite.
func normalized(vec []float32, dim int) ([]float32, error) {
	if len(vec) != dim {
		return nil, fmt.Errorf("index: got %d, expected %d: %w", len(vec), dim, rag.ErrDimensionMismatch)
	}
	norm := l2Norm(vec)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("index: vector norm is %v: %w", norm, rag.ErrDegenerateVector)
	}
	out := make([]float32, dim)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

// l2Norm returns the L2 norm of x, accumulated in float64.
func l2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// innerProduct returns the inner product of a and b, which must have equal
// length. For unit vectors this equals cosine similarity; the result is
// clamped to [-1, 1] to absorb rounding.
func innerProduct(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return math.Max(-1, math.Min(1, dot))
}
