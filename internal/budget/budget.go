// Package budget provides token budget estimation and context trimming for
// generated prompts. Because the service supports multiple LLM backends with
// different tokenizers, this package uses a conservative character-based
// heuristic: 1 token ≈ 4 characters (English prose and code).
package budget

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English and code; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Conservative enough to fit within 8k-context models (Llama 3 8B, GPT-3.5)
	// while leaving room for the output.
	DefaultMaxContextTokens = 6000

	// fragmentSeparatorTokens is the cost of the blank line joining fragments.
	fragmentSeparatorTokens = 1
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateFragments returns the estimated token count of fragments joined
// into a context block.
func EstimateFragments(fragments []string) int {
	total := 0
	for i, f := range fragments {
		if i > 0 {
			total += fragmentSeparatorTokens
		}
		total += Estimate(f)
	}
	return total
}

// TrimFragments drops the lowest-ranked fragments (from the end) until the
// estimated cost of fixed + fragments fits within maxTokens. fixed is the
// token cost of everything that must not be trimmed (preamble, query).
//
// Returns the kept prefix of fragments. If even no fragments exceed the
// budget, the empty slice is returned; callers should warn separately.
func TrimFragments(fixed int, fragments []string, maxTokens int) []string {
	for len(fragments) > 0 {
		if fixed+EstimateFragments(fragments) <= maxTokens {
			break
		}
		fragments = fragments[:len(fragments)-1]
	}
	return fragments
}
