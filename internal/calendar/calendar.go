// Package calendar turns scheduling flags from the router into calendar
// events, tracking tentative holds until they are confirmed, cancelled or
// expired.
package calendar

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rednebmas/mem/internal/config"
)

// Event is a calendar entry to create.
type Event struct {
	Title    string
	Start    time.Time
	Duration string
	Location string
}

// Calendar is the external calendar the handler writes to. Events are
// addressed by title.
type Calendar interface {
	Add(ctx context.Context, ev Event) error
	Rename(ctx context.Context, title, newTitle string) error
	Delete(ctx context.Context, title string) error
}

// New returns a Command calendar, or Nop when command is empty.
func New(command string) Calendar {
	if strings.TrimSpace(command) == "" {
		return Nop{}
	}
	return &Command{Path: config.ExpandHome(command), Timeout: 60 * time.Second}
}

// Command drives a calendar tool through its command line:
//
//	tool --add TITLE --start "YYYY-MM-DD HH:MM" [--duration D] [--location L]
//	tool --patch TITLE --new-title NEW
//	tool --delete TITLE
type Command struct {
	Path    string
	Timeout time.Duration
}

func (c *Command) Add(ctx context.Context, ev Event) error {
	args := []string{"--add", ev.Title, "--start", ev.Start.Format("2006-01-02 15:04")}
	if ev.Duration != "" {
		args = append(args, "--duration", ev.Duration)
	}
	if ev.Location != "" {
		args = append(args, "--location", ev.Location)
	}
	return c.run(ctx, args...)
}

func (c *Command) Rename(ctx context.Context, title, newTitle string) error {
	return c.run(ctx, "--patch", title, "--new-title", newTitle)
}

func (c *Command) Delete(ctx context.Context, title string) error {
	return c.run(ctx, "--delete", title)
}

func (c *Command) run(ctx context.Context, args ...string) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, c.Path, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 200 {
			msg = strings.ToValidUTF8(msg[:200], "")
		}
		return fmt.Errorf("calendar %s: %w: %s", args[0], err, msg)
	}
	return nil
}

// Nop accepts every change without recording it anywhere.
type Nop struct{}

func (Nop) Add(context.Context, Event) error              { return nil }
func (Nop) Rename(context.Context, string, string) error { return nil }
func (Nop) Delete(context.Context, string) error         { return nil }
