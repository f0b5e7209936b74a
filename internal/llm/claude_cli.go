package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// InternalEnv is set in the environment of every model subprocess.
const InternalEnv = "MEM_INTERNAL"

// ClaudeCLI calls the Claude CLI (`claude -p`) as a subprocess.
type ClaudeCLI struct {
	bin     string
	model   string
	timeout time.Duration
}

// NewClaudeCLI creates a Claude CLI client.
func NewClaudeCLI(model string) *ClaudeCLI {
	return &ClaudeCLI{
		bin:     "claude",
		model:   model,
		timeout: 120 * time.Second,
	}
}

// cliResult is the `--output-format json` envelope.
type cliResult struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete pipes the prompt to a one-turn print-mode session.
func (c *ClaudeCLI) Complete(ctx context.Context, prompt string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, "-p", "--model", c.model, "--max-turns", "1", "--output-format", "json")
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = time.Second
	// Strip CLAUDE_* env vars so a run started from inside a Claude session
	// does not inherit its hooks, and mark the child so our own session hook
	// stays quiet.
	cmd.Env = append(filterEnv(os.Environ()), InternalEnv+"=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("claude cli: timeout after %s", c.timeout)
		}
		return nil, fmt.Errorf("claude cli: %w (stderr: %s)", err, truncate(stderr.String(), 300))
	}
	return parseCLIOutput(stdout.Bytes())
}

// parseCLIOutput reads the JSON envelope, accepting plain text from older
// CLI versions.
func parseCLIOutput(out []byte) (*Response, error) {
	var res cliResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return &Response{Content: strings.TrimSpace(string(out)), Provider: "claude-cli"}, nil
	}
	if res.IsError {
		return nil, fmt.Errorf("claude cli: %s", truncate(res.Result, 300))
	}
	return &Response{
		Content:    strings.TrimSpace(res.Result),
		Provider:   "claude-cli",
		TokensUsed: res.Usage.InputTokens + res.Usage.OutputTokens,
	}, nil
}

// filterEnv removes CLAUDE_* environment variables.
func filterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !strings.HasPrefix(e, "CLAUDE_") {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
