package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	memerrors "github.com/rednebmas/mem/internal/errors"
)

// Registry is the immutable set of enabled actions for one run.
type Registry struct {
	descs  []Descriptor
	owner  map[string]int // output key → index into descs
	logger *zap.Logger
}

// Compose validates that descriptors can share one routing response:
// names and output keys must be unique and must not collide with the
// router's own key.
func Compose(descs []Descriptor, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{owner: map[string]int{}, logger: logger.Named("actions")}
	names := map[string]bool{}
	for i, d := range descs {
		if names[d.Name] {
			return nil, memerrors.Config(fmt.Sprintf("action %q enabled twice", d.Name))
		}
		names[d.Name] = true
		if d.Handler == nil {
			return nil, memerrors.Config(fmt.Sprintf("action %q has no handler", d.Name))
		}
		if len(d.Outputs) == 0 {
			return nil, memerrors.Config(fmt.Sprintf("action %q declares no output keys", d.Name))
		}
		for _, o := range d.Outputs {
			if Reserved(o.Key) {
				return nil, memerrors.Config(fmt.Sprintf("action %q: output key %q is reserved", d.Name, o.Key))
			}
			if prev, ok := r.owner[o.Key]; ok {
				return nil, memerrors.Config(fmt.Sprintf("output key %q declared by both %q and %q",
					o.Key, descs[prev].Name, d.Name))
			}
			r.owner[o.Key] = i
		}
	}
	r.descs = append([]Descriptor(nil), descs...)
	return r, nil
}

// Descriptors returns the enabled actions in configuration order.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descs...)
}

// Outputs returns every declared output in configuration order.
func (r *Registry) Outputs() []Output {
	var outs []Output
	for _, d := range r.descs {
		outs = append(outs, d.Outputs...)
	}
	return outs
}

// PromptFragments joins every action's detection prompt.
func (r *Registry) PromptFragments() string {
	parts := make([]string, 0, len(r.descs))
	for _, d := range r.descs {
		if p := strings.TrimSpace(d.DetectPrompt); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Validate checks the payloads for one output key.
func (r *Registry) Validate(key string, payloads []json.RawMessage) error {
	i, ok := r.owner[key]
	if !ok {
		return fmt.Errorf("unknown output key %q", key)
	}
	for _, o := range r.descs[i].Outputs {
		if o.Key == key {
			return o.Validate(payloads)
		}
	}
	return nil
}

// Dispatch hands each action its flags. Handlers run in configuration
// order, each inside its own savepoint; a failing handler is logged and
// reported without affecting the others. Sweepers run after every flagged
// handler, flagged or not. Returned errors are ActionHandler errors.
func (r *Registry) Dispatch(ctx context.Context, rc RunContext, flags map[string][]json.RawMessage) []error {
	if rc.Logger == nil {
		rc.Logger = r.logger
	}
	var errs []error
	for _, d := range r.descs {
		own := map[string][]json.RawMessage{}
		for _, o := range d.Outputs {
			if p := flags[o.Key]; len(p) > 0 {
				own[o.Key] = p
			}
		}
		if len(own) == 0 {
			continue
		}
		r.logger.Info("dispatching action", zap.String("action", d.Name), zap.Int("keys", len(own)))
		if err := r.invoke(ctx, rc, d, "handle", func() error { return d.Handler.Handle(ctx, rc, own) }); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range r.descs {
		sw, ok := d.Handler.(Sweeper)
		if !ok {
			continue
		}
		if err := r.invoke(ctx, rc, d, "sweep", func() error { return sw.Sweep(ctx, rc) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Registry) invoke(ctx context.Context, rc RunContext, d Descriptor, phase string, fn func() error) error {
	guarded := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn()
	}

	var err error
	if rc.Tx != nil {
		err = rc.Tx.Isolate(ctx, d.Name+"_"+phase, guarded)
	} else {
		err = guarded()
	}
	if err != nil {
		herr := memerrors.ActionHandler(d.Name, err)
		r.logger.Warn("action failed", zap.String("action", d.Name), zap.String("phase", phase), zap.Error(err))
		return herr
	}
	return nil
}
