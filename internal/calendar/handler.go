package calendar

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/actions"
	"github.com/rednebmas/mem/internal/notify"
	"github.com/rednebmas/mem/internal/store"
)

const (
	// Name is the action's configuration name.
	Name = "auto-calendar"
	// OutputKey is the routing response key the action reads its flags from.
	OutputKey = "auto-calendar"
	// HoldPrefix marks a tentative event's title on the calendar.
	HoldPrefix = "[HOLD] "

	// A hold expires at the earlier of MaxHoldAge after it was placed and
	// HoldLead before the event starts.
	MaxHoldAge = 48 * time.Hour
	HoldLead   = time.Hour
)

// Flag types.
const (
	FlagCreate      = "create"
	FlagHold        = "hold"
	FlagConfirmHold = "confirm_hold"
	FlagDelete      = "delete"
)

//go:embed detect.md
var detectPrompt string

//go:embed output.json
var outputSchema []byte

// Flag is one scheduling signal from the router.
type Flag struct {
	Type     string `json:"type"`
	Person   string `json:"person"`
	Time     string `json:"time"`
	Title    string `json:"title"`
	Duration string `json:"duration"`
	Location string `json:"location"`
	Key      string `json:"key"`
	Entry    string `json:"entry"`
}

// HoldKey identifies the plan a flag refers to. There is at most one live
// hold per key.
func (f Flag) HoldKey() string {
	if k := strings.TrimSpace(f.Key); k != "" {
		return strings.ToLower(k)
	}
	return strings.ToLower(strings.TrimSpace(f.Person))
}

func (f Flag) title() string {
	if t := strings.TrimSpace(f.Title); t != "" {
		return strings.TrimPrefix(t, HoldPrefix)
	}
	return "Plans with " + strings.TrimSpace(f.Person)
}

// Handler applies auto-calendar flags. Hold state lives in the run's
// transaction; calendar and notification side effects happen immediately.
type Handler struct {
	Calendar Calendar
	Notifier notify.Notifier
	Location *time.Location
}

// Builtin packages the handler with its embedded prompt and schema.
func Builtin(h *Handler) actions.Builtin {
	return actions.Builtin{DetectPrompt: detectPrompt, Schema: outputSchema, Handler: h}
}

// Expiry is the last moment a proposed hold survives; the first sweep
// after it drops the hold.
func Expiry(h store.Hold) time.Time {
	exp := h.CreatedAt.Add(MaxHoldAge)
	if lead := h.EventStart.Add(-HoldLead); lead.Before(exp) {
		exp = lead
	}
	return exp
}

// Handle applies each flag in order. Each flag runs in its own savepoint
// so one bad flag does not undo the others; the handler only fails when
// every flag failed.
func (h *Handler) Handle(ctx context.Context, rc actions.RunContext, flags map[string][]json.RawMessage) error {
	payloads := flags[OutputKey]
	var failed int
	var last error
	for i, raw := range payloads {
		var f Flag
		err := json.Unmarshal(raw, &f)
		if err == nil {
			err = rc.Tx.Isolate(ctx, fmt.Sprintf("calendar_flag_%d", i), func() error {
				return h.apply(ctx, rc, f)
			})
		}
		if err != nil {
			failed++
			last = err
			rc.Logger.Warn("calendar flag failed", zap.Int("index", i), zap.String("person", f.Person), zap.Error(err))
		}
	}
	if failed > 0 && failed == len(payloads) {
		return fmt.Errorf("all %d calendar flags failed: %w", failed, last)
	}
	return nil
}

func (h *Handler) apply(ctx context.Context, rc actions.RunContext, f Flag) error {
	key := f.HoldKey()
	if key == "" {
		return fmt.Errorf("%s flag without person or key", f.Type)
	}
	live, err := rc.Tx.LiveHold(ctx, key)
	if err != nil {
		return err
	}
	log := rc.Logger.With(zap.String("key", key), zap.String("type", f.Type))

	switch f.Type {
	case FlagCreate:
		if live == nil {
			return h.place(ctx, rc, f, key, store.HoldConfirmed)
		}
		if live.State == store.HoldProposed {
			return h.confirm(ctx, rc, live, f)
		}
		log.Debug("event already confirmed")
	case FlagHold:
		if live == nil {
			return h.place(ctx, rc, f, key, store.HoldProposed)
		}
		log.Debug("plan already on calendar", zap.String("state", live.State))
	case FlagConfirmHold:
		if live == nil || live.State != store.HoldProposed {
			log.Warn("no proposed hold to confirm")
			return nil
		}
		return h.confirm(ctx, rc, live, f)
	case FlagDelete:
		if live == nil {
			log.Warn("no event to delete")
			return nil
		}
		if err := h.cal().Delete(ctx, live.Title); err != nil {
			return err
		}
		if err := rc.Tx.UpdateHold(ctx, live.ID, store.HoldDeleted, live.Title, rc.Now); err != nil {
			return err
		}
		notify.Send(ctx, h.Notifier, rc.Logger, "Removed from calendar: "+live.Title)
	default:
		return fmt.Errorf("unknown calendar flag type %q", f.Type)
	}
	return nil
}

func (h *Handler) place(ctx context.Context, rc actions.RunContext, f Flag, key, state string) error {
	start, err := ParseWhen(f.Time, rc.Now, h.Location)
	if err != nil {
		return err
	}
	title := f.title()
	if state == store.HoldProposed {
		title = HoldPrefix + title
	}
	duration := f.Duration
	if duration == "" {
		duration = "1h"
	}
	if err := h.cal().Add(ctx, Event{Title: title, Start: start, Duration: duration, Location: f.Location}); err != nil {
		return err
	}
	hold := store.Hold{
		ID:         store.NewID(rc.Now),
		Key:        key,
		Person:     strings.TrimSpace(f.Person),
		Title:      title,
		State:      state,
		EventStart: start,
		CreatedAt:  rc.Now,
		UpdatedAt:  rc.Now,
	}
	if err := rc.Tx.InsertHold(ctx, hold); err != nil {
		return err
	}

	when := start.In(h.loc()).Format("Mon Jan 2 15:04")
	if state == store.HoldProposed {
		notify.Send(ctx, h.Notifier, rc.Logger, fmt.Sprintf("Tentative hold: %s (%s). Expires %s unless confirmed.",
			title, when, Expiry(hold).In(h.loc()).Format("Mon Jan 2 15:04")))
	} else {
		notify.Send(ctx, h.Notifier, rc.Logger, fmt.Sprintf("Added to calendar: %s (%s)", title, when))
	}
	return nil
}

func (h *Handler) confirm(ctx context.Context, rc actions.RunContext, live *store.Hold, f Flag) error {
	title := strings.TrimPrefix(live.Title, HoldPrefix)
	if strings.TrimSpace(f.Title) != "" {
		title = f.title()
	}
	if err := h.cal().Rename(ctx, live.Title, title); err != nil {
		return err
	}
	if err := rc.Tx.UpdateHold(ctx, live.ID, store.HoldConfirmed, title, rc.Now); err != nil {
		return err
	}
	notify.Send(ctx, h.Notifier, rc.Logger, "Confirmed: "+title)
	return nil
}

// Sweep removes proposed holds whose expiry has passed.
func (h *Handler) Sweep(ctx context.Context, rc actions.RunContext) error {
	holds, err := rc.Tx.ProposedHolds(ctx)
	if err != nil {
		return err
	}
	var expired, failed int
	var last error
	for _, hold := range holds {
		if !rc.Now.After(Expiry(hold)) {
			continue
		}
		expired++
		if err := h.cal().Delete(ctx, hold.Title); err != nil {
			failed++
			last = err
			rc.Logger.Warn("expire hold failed", zap.String("title", hold.Title), zap.Error(err))
			continue
		}
		if err := rc.Tx.UpdateHold(ctx, hold.ID, store.HoldDeleted, hold.Title, rc.Now); err != nil {
			return err
		}
		notify.Send(ctx, h.Notifier, rc.Logger, "Hold expired: "+strings.TrimPrefix(hold.Title, HoldPrefix))
	}
	if failed > 0 && failed == expired {
		return fmt.Errorf("expire holds: %w", last)
	}
	return nil
}

func (h *Handler) cal() Calendar {
	if h.Calendar == nil {
		return Nop{}
	}
	return h.Calendar
}

func (h *Handler) loc() *time.Location {
	if h.Location == nil {
		return time.Local
	}
	return h.Location
}
