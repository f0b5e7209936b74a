package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/actions"
	"github.com/rednebmas/mem/internal/notify"
	"github.com/rednebmas/mem/internal/store"
)

// fakeCalendar records calls as "op title[ -> new]".
type fakeCalendar struct {
	calls []string
	fail  error
}

func (f *fakeCalendar) Add(_ context.Context, ev Event) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, fmt.Sprintf("add %s @ %s", ev.Title, ev.Start.Format("2006-01-02 15:04")))
	return nil
}

func (f *fakeCalendar) Rename(_ context.Context, title, newTitle string) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, "rename "+title+" -> "+newTitle)
	return nil
}

func (f *fakeCalendar) Delete(_ context.Context, title string) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, "delete "+title)
	return nil
}

type fixture struct {
	db  *store.DB
	cal *fakeCalendar
	rec *notify.Recorder
	h   *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f := &fixture{db: db, cal: &fakeCalendar{}, rec: &notify.Recorder{}}
	f.h = &Handler{Calendar: f.cal, Notifier: f.rec, Location: time.UTC}
	return f
}

// run applies flags in one committed transaction at now, then sweeps.
func (f *fixture) run(t *testing.T, now time.Time, flags ...string) error {
	t.Helper()
	ctx := context.Background()
	tx, err := f.db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	rc := actions.RunContext{Tx: tx, RunID: "run", Now: now, Logger: zap.NewNop()}
	var payloads []json.RawMessage
	for _, fl := range flags {
		payloads = append(payloads, json.RawMessage(fl))
	}
	var herr error
	if len(payloads) > 0 {
		herr = f.h.Handle(ctx, rc, map[string][]json.RawMessage{OutputKey: payloads})
	}
	require.NoError(t, f.h.Sweep(ctx, rc))
	require.NoError(t, tx.Commit())
	return herr
}

func (f *fixture) holds(t *testing.T, state string) []store.Hold {
	t.Helper()
	hs, err := f.db.ListHolds(context.Background(), state)
	require.NoError(t, err)
	return hs
}

var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestCreateConfirmsDirectly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, monday, `{"type":"create","person":"Alex","time":"Thu 19:00","title":"Dinner with Alex"}`))

	confirmed := f.holds(t, store.HoldConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "Dinner with Alex", confirmed[0].Title)
	assert.Equal(t, "alex", confirmed[0].Key)
	assert.Empty(t, f.holds(t, store.HoldProposed))
	assert.Equal(t, []string{"add Dinner with Alex @ 2026-03-05 19:00"}, f.cal.calls)
	require.Len(t, f.rec.Messages(), 1)
	assert.Contains(t, f.rec.Messages()[0], "Added to calendar: Dinner with Alex")

	// A repeated create for the same person is a no-op.
	require.NoError(t, f.run(t, monday.Add(time.Hour), `{"type":"create","person":"alex","time":"Thu 19:00"}`))
	assert.Len(t, f.cal.calls, 1)
	assert.Len(t, f.holds(t, ""), 1)
}

func TestHoldThenConfirm(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, monday, `{"type":"hold","person":"Alex","time":"Thu 19:00","title":"Dinner with Alex"}`))

	proposed := f.holds(t, store.HoldProposed)
	require.Len(t, proposed, 1)
	assert.Equal(t, "[HOLD] Dinner with Alex", proposed[0].Title)

	// Holding again while proposed changes nothing.
	require.NoError(t, f.run(t, monday.Add(time.Hour), `{"type":"hold","person":"Alex","time":"Thu 19:00"}`))
	assert.Len(t, f.holds(t, ""), 1)

	require.NoError(t, f.run(t, monday.Add(2*time.Hour), `{"type":"confirm_hold","person":"Alex"}`))
	assert.Empty(t, f.holds(t, store.HoldProposed))
	confirmed := f.holds(t, store.HoldConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "Dinner with Alex", confirmed[0].Title)

	assert.Equal(t, []string{
		"add [HOLD] Dinner with Alex @ 2026-03-05 19:00",
		"rename [HOLD] Dinner with Alex -> Dinner with Alex",
	}, f.cal.calls)
	msgs := f.rec.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[0], "Tentative hold:"))
	assert.Equal(t, "Confirmed: Dinner with Alex", msgs[1])
}

func TestCreateOnProposedHoldConfirms(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, monday, `{"type":"hold","person":"Sam","time":"Fri 18:00"}`))
	require.NoError(t, f.run(t, monday.Add(time.Hour), `{"type":"create","person":"Sam","time":"Fri 18:00"}`))

	confirmed := f.holds(t, store.HoldConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "Plans with Sam", confirmed[0].Title)
	assert.Len(t, f.holds(t, ""), 1)
}

func TestDeleteAndIgnoredFlags(t *testing.T) {
	f := newFixture(t)

	// Nothing to delete or confirm yet: ignored, not an error.
	require.NoError(t, f.run(t, monday,
		`{"type":"delete","person":"Alex"}`,
		`{"type":"confirm_hold","person":"Alex"}`))
	assert.Empty(t, f.cal.calls)

	require.NoError(t, f.run(t, monday, `{"type":"create","person":"Alex","time":"Thu 19:00"}`))
	require.NoError(t, f.run(t, monday.Add(time.Hour), `{"type":"delete","person":"Alex"}`))
	assert.Empty(t, f.holds(t, store.HoldConfirmed))
	assert.Len(t, f.holds(t, store.HoldDeleted), 1)
	assert.Equal(t, "delete Plans with Alex", f.cal.calls[len(f.cal.calls)-1])

	// A deleted plan can be recreated.
	require.NoError(t, f.run(t, monday.Add(2*time.Hour), `{"type":"create","person":"Alex","time":"Fri 19:00"}`))
	assert.Len(t, f.holds(t, store.HoldConfirmed), 1)
}

func TestHoldExpiresAfterMaxAge(t *testing.T) {
	f := newFixture(t)
	// Event 72h out: the 48h age limit comes first.
	require.NoError(t, f.run(t, monday, `{"type":"hold","person":"Alex","time":"2026-03-05 10:00"}`))

	hs := f.holds(t, store.HoldProposed)
	require.Len(t, hs, 1)
	assert.True(t, Expiry(hs[0]).Equal(monday.Add(48*time.Hour)), "expiry %v", Expiry(hs[0]))

	require.NoError(t, f.run(t, monday.Add(47*time.Hour)))
	assert.Len(t, f.holds(t, store.HoldProposed), 1)
	require.NoError(t, f.run(t, monday.Add(48*time.Hour)))
	assert.Len(t, f.holds(t, store.HoldProposed), 1, "expiry itself is not past it")

	require.NoError(t, f.run(t, monday.Add(48*time.Hour+time.Minute)))
	assert.Empty(t, f.holds(t, store.HoldProposed))
	assert.Len(t, f.holds(t, store.HoldDeleted), 1)
	assert.Equal(t, "delete [HOLD] Plans with Alex", f.cal.calls[len(f.cal.calls)-1])
	msgs := f.rec.Messages()
	assert.Equal(t, "Hold expired: Plans with Alex", msgs[len(msgs)-1])
}

func TestHoldExpiresBeforeEvent(t *testing.T) {
	f := newFixture(t)
	// Event 10h out: expires an hour before it starts.
	require.NoError(t, f.run(t, monday, `{"type":"hold","person":"Alex","time":"2026-03-02 20:00"}`))
	hs := f.holds(t, store.HoldProposed)
	require.Len(t, hs, 1)
	assert.True(t, Expiry(hs[0]).Equal(monday.Add(9*time.Hour)), "expiry %v", Expiry(hs[0]))

	require.NoError(t, f.run(t, monday.Add(8*time.Hour+59*time.Minute)))
	assert.Len(t, f.holds(t, store.HoldProposed), 1)
	require.NoError(t, f.run(t, monday.Add(9*time.Hour)))
	assert.Len(t, f.holds(t, store.HoldProposed), 1)
	require.NoError(t, f.run(t, monday.Add(9*time.Hour+time.Minute)))
	assert.Empty(t, f.holds(t, store.HoldProposed))
}

func TestFailedFlagsAreIsolated(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, monday,
		`{"type":"create","person":"Alex","time":"whenever"}`,
		`{"type":"create","person":"Sam","time":"Fri 18:00"}`,
		`{"type":"reschedule","person":"Kim"}`)
	require.NoError(t, err, "one good flag keeps the handler successful")
	assert.Len(t, f.holds(t, ""), 1)

	f.cal.fail = errors.New("calendar offline")
	err = f.run(t, monday, `{"type":"create","person":"Jo","time":"Fri 18:00"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calendar offline")
	assert.Len(t, f.holds(t, ""), 1, "failed add records no hold")
}

func TestBuiltinSchema(t *testing.T) {
	b := Builtin(&Handler{})
	outs, err := actions.ParseSchema(b.Schema)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, OutputKey, outs[0].Key)
	assert.Contains(t, b.DetectPrompt, "{user}")

	ok := []json.RawMessage{json.RawMessage(`{"type":"hold","person":"Alex","time":"Thu 19:00"}`)}
	assert.NoError(t, outs[0].Validate(ok))
	missing := []json.RawMessage{json.RawMessage(`{"type":"hold"}`)}
	assert.Error(t, outs[0].Validate(missing))
}

func TestCommandCalendar(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "args.log")
	script := filepath.Join(dir, "cal.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" >> "+log+"\n"), 0755))

	c := New(script)
	ctx := context.Background()
	start := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC)
	require.NoError(t, c.Add(ctx, Event{Title: "[HOLD] Dinner", Start: start, Duration: "1h", Location: "Home"}))
	require.NoError(t, c.Rename(ctx, "[HOLD] Dinner", "Dinner"))
	require.NoError(t, c.Delete(ctx, "Dinner"))

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"--add [HOLD] Dinner --start 2026-03-05 19:00 --duration 1h --location Home",
		"--patch [HOLD] Dinner --new-title Dinner",
		"--delete Dinner",
		"",
	}, "\n"), string(data))

	_, isNop := New("").(Nop)
	assert.True(t, isNop)
}
