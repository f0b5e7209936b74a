package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rednebmas/mem/internal/config"
)

// Client is the interface for LLM providers. The pipeline treats it as an
// opaque completion gateway: one prompt in, one text completion out.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

const (
	defaultTimeout     = 120 * time.Second
	defaultCLIModel    = "sonnet"
	defaultAPIModel    = "claude-sonnet-4-5"
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "qwen3:8b"
)

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	switch cfg.Provider {
	case "claude-cli", "":
		c := NewClaudeCLI(or(cfg.Model, defaultCLIModel))
		c.timeout = timeout
		return c, nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or llm.anthropic_key")
		}
		a := NewAnthropic(cfg.AnthropicKey, or(cfg.Model, defaultAPIModel))
		a.client.Timeout = timeout
		return a, nil
	case "ollama":
		o := NewOllama(or(cfg.OllamaURL, defaultOllamaURL), or(cfg.OllamaModel, defaultOllamaModel))
		o.client.Timeout = timeout
		return o, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
