package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExecHandler runs an external handler executable with the action's flags
// as JSON on stdin. A non-zero exit is an error.
type ExecHandler struct {
	Name    string
	Path    string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (h *ExecHandler) Handle(ctx context.Context, rc RunContext, flags map[string][]json.RawMessage) error {
	input, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, h.Path)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	logger := h.Logger
	if logger == nil {
		logger = rc.Logger
	}
	if out := strings.TrimSpace(stdout.String()); out != "" && logger != nil {
		logger.Info("handler output", zap.String("action", h.Name), zap.String("stdout", out))
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w (stderr: %s)", h.Path, runErr, truncate(stderr.String(), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
