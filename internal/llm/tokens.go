package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Context window bounds for local models.
const (
	minContextLength = 8192
	maxContextLength = 32768
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	// loadEncoding is swapped in tests to avoid fetching BPE ranks.
	loadEncoding = func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding("cl100k_base")
	}
)

// EstimateTokens approximates the token count of text. It falls back to
// four characters per token when no tokenizer is available.
func EstimateTokens(text string) int {
	encOnce.Do(func() {
		e, err := loadEncoding()
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// ContextLength sizes a local model's context window for prompt: room for
// the prompt and an equally long completion, clamped to sane bounds.
func ContextLength(prompt string) int {
	n := EstimateTokens(prompt) * 2
	if n < minContextLength {
		return minContextLength
	}
	if n > maxContextLength {
		return maxContextLength
	}
	return n
}
