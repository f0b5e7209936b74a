package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/config"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/store"
)

// Routing response keys owned by the router. No action may declare them.
const (
	AssignmentsKey = "assignments"
	RenamesKey     = "renames"
	MovesKey       = "moves"
)

// Reserved reports whether key belongs to the router.
func Reserved(key string) bool {
	return key == AssignmentsKey || key == RenamesKey || key == MovesKey
}

// RunContext is what a handler sees of the current run.
type RunContext struct {
	Tx     *store.Tx
	RunID  string
	Now    time.Time
	Logger *zap.Logger
}

// Handler acts on an action's flags. flags maps each of the action's output
// keys to the payloads the router returned for it.
type Handler interface {
	Handle(ctx context.Context, rc RunContext, flags map[string][]json.RawMessage) error
}

// Sweeper is implemented by handlers that need to run every pass, flagged
// or not (e.g. expiring stale holds).
type Sweeper interface {
	Sweep(ctx context.Context, rc RunContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rc RunContext, flags map[string][]json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, rc RunContext, flags map[string][]json.RawMessage) error {
	return f(ctx, rc, flags)
}

// Builtin is a compiled-in action: its prompt and schema resources plus
// the handler that consumes them.
type Builtin struct {
	DetectPrompt string
	Schema       []byte
	Handler      Handler
}

// Descriptor is an immutable, fully resolved action.
type Descriptor struct {
	Name         string
	DetectPrompt string
	Outputs      []Output
	Handler      Handler
	External     bool
}

// Load resolves configured actions into a registry. Built-ins are looked up
// by name; external actions read their prompt and schema from disk. render
// substitutes {user} in detection prompts.
func Load(cfgs []config.ActionConfig, builtins map[string]Builtin, render func(string) string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if render == nil {
		render = func(s string) string { return s }
	}

	descs := make([]Descriptor, 0, len(cfgs))
	for _, ac := range cfgs {
		var (
			d   Descriptor
			err error
		)
		if b, ok := builtins[ac.Name]; ok && !ac.External() {
			d, err = fromBuiltin(ac.Name, b)
		} else if ac.External() {
			d, err = fromExternal(ac, logger)
		} else {
			err = fmt.Errorf("unknown built-in action %q", ac.Name)
		}
		if err != nil {
			return nil, memerrors.Config(err.Error())
		}
		d.DetectPrompt = render(d.DetectPrompt)
		descs = append(descs, d)
	}
	return Compose(descs, logger)
}

func fromBuiltin(name string, b Builtin) (Descriptor, error) {
	outs, err := ParseSchema(b.Schema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("action %q: %w", name, err)
	}
	return Descriptor{
		Name:         name,
		DetectPrompt: b.DetectPrompt,
		Outputs:      outs,
		Handler:      b.Handler,
	}, nil
}

func fromExternal(ac config.ActionConfig, logger *zap.Logger) (Descriptor, error) {
	if ac.Name == "" {
		return Descriptor{}, fmt.Errorf("external action without name")
	}
	if ac.Prompt == "" || ac.Handler == "" {
		return Descriptor{}, fmt.Errorf("action %q: external actions need both prompt and handler", ac.Name)
	}
	promptPath := config.ExpandHome(ac.Prompt)
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return Descriptor{}, fmt.Errorf("action %q: read prompt: %w", ac.Name, err)
	}

	// Schema: explicit file, else output.json beside the prompt, else a
	// free-form key.
	var outs []Output
	schemaPath := config.ExpandHome(ac.Schema)
	if schemaPath == "" {
		candidate := filepath.Join(filepath.Dir(promptPath), "output.json")
		if _, err := os.Stat(candidate); err == nil {
			schemaPath = candidate
		}
	}
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return Descriptor{}, fmt.Errorf("action %q: read schema: %w", ac.Name, err)
		}
		if outs, err = ParseSchema(data); err != nil {
			return Descriptor{}, fmt.Errorf("action %q: %w", ac.Name, err)
		}
	} else {
		key := ac.OutputKey
		if key == "" {
			key = ac.Name
		}
		outs = []Output{{Key: key, Example: json.RawMessage("[]")}}
	}

	return Descriptor{
		Name:         ac.Name,
		DetectPrompt: string(prompt),
		Outputs:      outs,
		Handler:      &ExecHandler{Name: ac.Name, Path: config.ExpandHome(ac.Handler), Timeout: 300 * time.Second, Logger: logger},
		External:     true,
	}, nil
}
