package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/config"
)

// Notifier delivers a short plain-text message to the user.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// New returns a Command notifier, or Nop when command is empty.
func New(command string, logger *zap.Logger) Notifier {
	if strings.TrimSpace(command) == "" {
		return Nop{}
	}
	return &Command{Command: config.ExpandHome(command), Timeout: 30 * time.Second, Logger: logger}
}

// Command pipes the message to a shell command's stdin.
type Command struct {
	Command string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (c *Command) Notify(ctx context.Context, message string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Stdin = strings.NewReader(message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Nop discards messages.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Recorder keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Notify(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Messages returns a copy of what was sent.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

// Send notifies and logs failures instead of returning them. Delivery is
// best effort and never fails a run.
func Send(ctx context.Context, n Notifier, logger *zap.Logger, message string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, message); err != nil && logger != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}
