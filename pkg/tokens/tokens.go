// Package tokens provides tiktoken-based token estimation used by the quota
// manager and router pre-checks.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates token counts for prompt text. All supported providers
// are approximated with the GPT-4 encoding; exact counts come back from the
// provider after the call.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate when the codec is unavailable.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Estimate is a package-level estimate for call sites without a Counter.
func Estimate(text string) int {
	return len(text) / 4
}

// TruncateToLimit truncates text to roughly fit within limit tokens. The cut
// is by characters, not exact token boundaries.
func (c *Counter) TruncateToLimit(text string, limit int) string {
	current := c.Count(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}
