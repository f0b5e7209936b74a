// Package ingest runs activity collectors and splits their markdown output
// into entries.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rednebmas/mem/internal/config"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/store"
)

// DefaultTimeout bounds a collector command.
const DefaultTimeout = 120 * time.Second

// PluginPrefix marks the source tag of plugin collectors.
const PluginPrefix = "plugin:"

// Collector produces markdown describing activity in [since, until).
type Collector interface {
	Name() string
	// Source is the tag stored on every entry the collector produces.
	Source() string
	Collect(ctx context.Context, since, until time.Time) (string, error)
}

// Command runs an external executable as `path START END` with RFC 3339
// timestamps and reads markdown from its stdout.
type Command struct {
	name    string
	source  string
	Path    string
	Timeout time.Duration
}

// NewCommand returns a collector for an external executable.
func NewCommand(name, source, path string, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{name: name, source: source, Path: config.ExpandHome(path), Timeout: timeout}
}

func (c *Command) Name() string   { return c.name }
func (c *Command) Source() string { return c.source }

func (c *Command) Collect(ctx context.Context, since, until time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Path, since.Format(time.RFC3339), until.Format(time.RFC3339))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = strings.ToValidUTF8(msg[:500], "")
		}
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", memerrors.Collector(c.source, err)
	}
	return stdout.String(), nil
}

// FromConfig builds the configured collectors followed by plugins. A
// collector named "claude" without a command is the built-in Claude
// session collector.
func FromConfig(cfg *config.Config) ([]Collector, error) {
	var out []Collector
	for _, cc := range cfg.Collectors {
		switch {
		case cc.Command != "":
			out = append(out, NewCommand(cc.Name, cc.Name, cc.Command, cc.Timeout))
		case cc.Name == ClaudeSource:
			out = append(out, NewClaude(""))
		default:
			return nil, memerrors.Config(fmt.Sprintf("collector %q has no command", cc.Name))
		}
	}
	for _, pc := range cfg.Plugins {
		out = append(out, NewCommand(pc.Name, PluginPrefix+pc.Name, pc.Command, pc.Timeout))
	}
	return out, nil
}

// Window is the time range collected for one source.
type Window struct {
	Since time.Time
	Until time.Time
}

// Batch is one collector's output for its window.
type Batch struct {
	Source   string
	Window   Window
	Markdown string
	Entries  []store.Entry
	Err      error
}

// Gather runs collectors concurrently and parses their output. A failed
// collector yields a Batch with Err set and no entries; the others are
// unaffected. Batches come back in collector order.
func Gather(ctx context.Context, collectors []Collector, window func(source string) Window, concurrency int, logger *zap.Logger) []Batch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	batches := make([]Batch, len(collectors))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, c := range collectors {
		g.Go(func() error {
			w := window(c.Source())
			b := Batch{Source: c.Source(), Window: w}
			md, err := c.Collect(ctx, w.Since, w.Until)
			if err != nil {
				if !memerrors.Is(err, memerrors.KindCollector) {
					err = memerrors.Collector(c.Source(), err)
				}
				b.Err = err
				logger.Warn("collector failed, skipping", zap.String("source", c.Source()), zap.Error(err))
			} else {
				b.Markdown = md
				b.Entries = Parse(c.Source(), md, w.Since)
				logger.Info("collected",
					zap.String("source", c.Source()),
					zap.Time("since", w.Since),
					zap.Int("entries", len(b.Entries)))
			}
			batches[i] = b
			return nil
		})
	}
	g.Wait()
	return batches
}
