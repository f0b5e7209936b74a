package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/calendar"
	"github.com/rednebmas/mem/internal/config"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/ingest"
	"github.com/rednebmas/mem/internal/llm"
	"github.com/rednebmas/mem/internal/notify"
	"github.com/rednebmas/mem/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Monday evening; "Thu 19:00" resolves to March 5th.
var now = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

type staticCollector struct {
	source string
	out    string
	err    error

	mu    sync.Mutex
	calls []ingest.Window
}

func (c *staticCollector) Name() string   { return c.source }
func (c *staticCollector) Source() string { return c.source }

func (c *staticCollector) Collect(_ context.Context, since, until time.Time) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, ingest.Window{Since: since, Until: until})
	c.mu.Unlock()
	return c.out, c.err
}

type recordingCalendar struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingCalendar) Add(_ context.Context, ev calendar.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("add %s @ %s", ev.Title, ev.Start.Format("2006-01-02 15:04")))
	return nil
}

func (r *recordingCalendar) Rename(_ context.Context, title, newTitle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "rename "+title+" -> "+newTitle)
	return nil
}

func (r *recordingCalendar) Delete(_ context.Context, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "delete "+title)
	return nil
}

const textsOut = "# Texts\n\n- [2026-03-02 18:05] Alex: dinner Thursday at 7? Me: yes, see you then\n"

const routeResponse = "```json\n" + `{
  "assignments": [{"id": "e1", "topic": "Relationships/Friends/Alex", "note": "dinner Thursday at 7"}],
  "auto-calendar": [{"type": "create", "person": "Alex", "time": "Thu 19:00", "title": "Dinner with Alex", "entry": "e1"}]
}` + "\n```"

// scripted answers routing prompts with routeResponse and summary prompts
// with a one-line summary.
func scripted() *llm.MockClient {
	return &llm.MockClient{Handler: func(prompt string) (string, error) {
		if strings.Contains(prompt, "updating the summary for the topic") {
			return "- Dinner with Alex on Thursday at 7", nil
		}
		return routeResponse, nil
	}}
}

type harness struct {
	inst *Instance
	cal  *recordingCalendar
	rec  *notify.Recorder
	llm  *llm.MockClient
}

func newHarness(t *testing.T, client *llm.MockClient, collectors ...ingest.Collector) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte("name: Sam\nactions: [auto-calendar]\nseed_topics: [Relationships, Projects]\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Dir = t.TempDir()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{cal: &recordingCalendar{}, rec: &notify.Recorder{}, llm: client}
	h.inst = &Instance{
		Config:     cfg,
		DB:         db,
		LLM:        client,
		Collectors: collectors,
		Calendar:   h.cal,
		Notifier:   h.rec,
		Now:        func() time.Time { return now },
	}
	return h
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	texts := &staticCollector{source: "texts", out: textsOut}
	h := newHarness(t, scripted(), texts)

	rep, err := Run(ctx, h.inst, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Committed || rep.Inserted != 1 || rep.UnroutedCount != 0 {
		t.Fatalf("report = %+v", rep)
	}
	// Relationships, Relationships/Friends and the Alex leaf.
	if rep.TopicsCreated != 3 || rep.TopicsUpdated != 1 || rep.ActionsRun != 1 {
		t.Errorf("created %d, updated %d, actions %d", rep.TopicsCreated, rep.TopicsUpdated, rep.ActionsRun)
	}
	if h.llm.CallCount() != 2 {
		t.Errorf("llm calls = %d, want route + one summary", h.llm.CallCount())
	}

	snap, err := h.inst.DB.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	alex, ok := snap.Lookup("Relationships/Friends/Alex")
	if !ok {
		t.Fatalf("Relationships/Friends/Alex not created; paths %v", snap.Paths())
	}
	friends, ok := snap.Lookup("Relationships/Friends")
	if !ok || alex.ParentID != friends.ID {
		t.Errorf("intermediate topic missing or not the parent: %+v", friends)
	}
	if !strings.Contains(alex.Summary, "Thursday") {
		t.Errorf("summary = %q", alex.Summary)
	}

	e, err := h.inst.DB.GetEntry(ctx, rep.Entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != store.StatusRouted || e.TopicID == nil || *e.TopicID != alex.ID {
		t.Errorf("entry = %+v", e)
	}
	if len(e.ActionFlags["auto-calendar"]) != 1 {
		t.Errorf("entry flags = %v", e.ActionFlags)
	}

	holds, err := h.inst.DB.ListHolds(ctx, store.HoldConfirmed)
	if err != nil {
		t.Fatal(err)
	}
	if len(holds) != 1 || holds[0].Title != "Dinner with Alex" {
		t.Fatalf("holds = %+v", holds)
	}
	if want := time.Date(2026, 3, 5, 19, 0, 0, 0, time.UTC); !holds[0].EventStart.Equal(want) {
		t.Errorf("event start = %v, want %v", holds[0].EventStart, want)
	}
	if diff := cmp.Diff([]string{"add Dinner with Alex @ 2026-03-05 19:00"}, h.cal.calls); diff != "" {
		t.Errorf("calendar calls (-want +got):\n%s", diff)
	}
	if len(h.rec.Messages()) != 1 {
		t.Errorf("notifications = %v", h.rec.Messages())
	}

	mark, ok, err := h.inst.DB.Watermark(ctx, "texts")
	if err != nil || !ok || !mark.Equal(now) {
		t.Errorf("watermark = %v %v %v", mark, ok, err)
	}

	doc, err := os.ReadFile(h.inst.Config.TopicsOutputPath())
	if err != nil {
		t.Fatalf("topics document: %v", err)
	}
	if !strings.Contains(string(doc), "# Sam's Topics") || !strings.Contains(string(doc), "Alex: Dinner with Alex") {
		t.Errorf("document:\n%s", doc)
	}

	runs, err := h.inst.DB.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].RunID != rep.RunID || runs[0].EntryCount != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunIdempotent(t *testing.T) {
	ctx := context.Background()
	texts := &staticCollector{source: "texts", out: textsOut}
	h := newHarness(t, scripted(), texts)

	if _, err := Run(ctx, h.inst, Options{}); err != nil {
		t.Fatal(err)
	}
	calls := h.llm.CallCount()

	rep, err := Run(ctx, h.inst, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inserted != 0 || len(rep.Entries) != 0 {
		t.Errorf("second run inserted %d", rep.Inserted)
	}
	if h.llm.CallCount() != calls {
		t.Errorf("second run made %d model calls", h.llm.CallCount()-calls)
	}
	if len(h.cal.calls) != 1 {
		t.Errorf("calendar calls = %v", h.cal.calls)
	}
	// The second window starts at the first run's watermark.
	if len(texts.calls) != 2 || !texts.calls[1].Since.Equal(now) {
		t.Errorf("windows = %+v", texts.calls)
	}
}

func TestRunDryRun(t *testing.T) {
	ctx := context.Background()
	dry := newHarness(t, scripted(), &staticCollector{source: "texts", out: textsOut})

	rep, err := Run(ctx, dry.inst, Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Committed || dry.llm.CallCount() != 0 {
		t.Errorf("dry run committed=%v calls=%d", rep.Committed, dry.llm.CallCount())
	}
	if n, _ := dry.inst.DB.CountPending(ctx); n != 0 {
		t.Errorf("dry run stored %d entries", n)
	}
	if _, ok, _ := dry.inst.DB.Watermark(ctx, "texts"); ok {
		t.Error("dry run advanced the watermark")
	}
	if runs, _ := dry.inst.DB.RecentRuns(ctx, 5); len(runs) != 0 {
		t.Errorf("dry run recorded runs %+v", runs)
	}
	if _, err := os.Stat(dry.inst.Config.TopicsOutputPath()); !os.IsNotExist(err) {
		t.Errorf("dry run wrote the topics document: %v", err)
	}

	live := newHarness(t, scripted(), &staticCollector{source: "texts", out: textsOut})
	full, err := Run(ctx, live.inst, Options{})
	if err != nil {
		t.Fatal(err)
	}
	opts := cmpopts.IgnoreFields(store.Entry{}, "ID")
	if diff := cmp.Diff(full.Entries, rep.Entries, opts); diff != "" {
		t.Errorf("dry run entries differ (-real +dry):\n%s", diff)
	}
}

func TestRunGatewayFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	client := &llm.MockClient{Err: errors.New("connection refused")}
	h := newHarness(t, client, &staticCollector{source: "texts", out: textsOut})

	rep, err := Run(ctx, h.inst, Options{})
	if !memerrors.Is(err, memerrors.KindGateway) {
		t.Fatalf("err = %v, want gateway", err)
	}
	if rep.Committed {
		t.Error("committed after gateway failure")
	}
	if n, _ := h.inst.DB.CountPending(ctx); n != 0 {
		t.Errorf("%d entries persisted", n)
	}
	if _, ok, _ := h.inst.DB.Watermark(ctx, "texts"); ok {
		t.Error("watermark advanced")
	}
	runs, _ := h.inst.DB.RecentRuns(ctx, 5)
	if len(runs) != 1 || runs[0].Status != "failed" || !strings.Contains(runs[0].Error, "GATEWAY") {
		t.Errorf("runs = %+v", runs)
	}

	// The lock was released and the same activity is collected again.
	h.inst.LLM = scripted()
	rep, err = Run(ctx, h.inst, Options{})
	if err != nil || rep.Inserted != 1 {
		t.Fatalf("retry: %+v %v", rep, err)
	}
}

func TestRunRoutingParseFailureLeavesBacklog(t *testing.T) {
	ctx := context.Background()
	client := &llm.MockClient{Handler: func(string) (string, error) { return "I could not decide.", nil }}
	h := newHarness(t, client, &staticCollector{source: "texts", out: textsOut})

	rep, err := Run(ctx, h.inst, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Committed || rep.UnroutedCount != 1 {
		t.Errorf("report = %+v", rep)
	}
	if client.CallCount() != 3 {
		t.Errorf("calls = %d, want 1 + 2 corrections", client.CallCount())
	}
	var parseErr bool
	for _, e := range rep.Errors {
		parseErr = parseErr || memerrors.Is(e, memerrors.KindRoutingParse)
	}
	if !parseErr {
		t.Errorf("errors = %v", rep.Errors)
	}
	if _, ok, _ := h.inst.DB.Watermark(ctx, "texts"); !ok {
		t.Error("watermark not advanced for a collected source")
	}

	// The next run routes the backlog even though nothing new arrived.
	h.llm = scripted()
	h.inst.LLM = h.llm
	rep, err = Run(ctx, h.inst, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inserted != 0 || rep.UnroutedCount != 0 || rep.TopicsCreated != 3 {
		t.Errorf("backlog run = %+v", rep)
	}
	if !strings.Contains(h.llm.Prompts()[0], "dinner Thursday") {
		t.Error("backlog entry missing from routing prompt")
	}
}

func TestRunCollectorFailureSkipsSource(t *testing.T) {
	ctx := context.Background()
	texts := &staticCollector{source: "texts", out: textsOut}
	email := &staticCollector{source: "email", err: memerrors.Collector("email", errors.New("token expired"))}
	h := newHarness(t, scripted(), texts, email)

	rep, err := Run(ctx, h.inst, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Errors) != 1 || !memerrors.Is(rep.Errors[0], memerrors.KindCollector) {
		t.Errorf("errors = %v", rep.Errors)
	}
	if _, ok, _ := h.inst.DB.Watermark(ctx, "email"); ok {
		t.Error("failed source advanced")
	}
	if _, ok, _ := h.inst.DB.Watermark(ctx, "texts"); !ok {
		t.Error("healthy source not advanced")
	}
}

func TestRunForDate(t *testing.T) {
	ctx := context.Background()
	texts := &staticCollector{source: "texts", out: textsOut}
	h := newHarness(t, scripted(), texts)

	date := time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC)
	if _, err := Run(ctx, h.inst, Options{Date: &date}); err != nil {
		t.Fatal(err)
	}
	want := ingest.Window{
		Since: time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff([]ingest.Window{want}, texts.calls); diff != "" {
		t.Errorf("window (-want +got):\n%s", diff)
	}
	if _, ok, _ := h.inst.DB.Watermark(ctx, "texts"); ok {
		t.Error("date run advanced the watermark")
	}
}

func TestRunSourcesFilter(t *testing.T) {
	texts := &staticCollector{source: "texts", out: textsOut}
	email := &staticCollector{source: "email"}
	h := newHarness(t, scripted(), texts, email)

	if _, err := Run(context.Background(), h.inst, Options{Sources: []string{"email"}, DryRun: true}); err != nil {
		t.Fatal(err)
	}
	if len(texts.calls) != 0 || len(email.calls) != 1 {
		t.Errorf("texts %d calls, email %d calls", len(texts.calls), len(email.calls))
	}
}

func TestRunLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scripted(), &staticCollector{source: "texts", out: textsOut})
	if err := h.inst.DB.AcquireLock(ctx, "serve", time.Hour, now); err != nil {
		t.Fatal(err)
	}
	_, err := Run(ctx, h.inst, Options{})
	if !memerrors.Is(err, memerrors.KindLocked) {
		t.Fatalf("err = %v, want locked", err)
	}
	if h.llm.CallCount() != 0 {
		t.Error("locked run called the model")
	}
}

func TestRunLosesLockMidRun(t *testing.T) {
	ctx := context.Background()
	var h *harness
	client := &llm.MockClient{Handler: func(prompt string) (string, error) {
		if !strings.Contains(prompt, "updating the summary for the topic") {
			// Another process decides this run is abandoned.
			if err := h.inst.DB.AcquireLock(ctx, "thief", 0, now); err != nil {
				return "", err
			}
			return routeResponse, nil
		}
		return "- Dinner with Alex on Thursday at 7", nil
	}}
	h = newHarness(t, client, &staticCollector{source: "texts", out: textsOut})

	rep, err := Run(ctx, h.inst, Options{})
	if !memerrors.Is(err, memerrors.KindLocked) {
		t.Fatalf("err = %v, want locked", err)
	}
	if rep.Committed {
		t.Error("committed without the lock")
	}
	if n, _ := h.inst.DB.CountPending(ctx); n != 0 {
		t.Errorf("%d entries persisted", n)
	}
	if _, ok, _ := h.inst.DB.Watermark(ctx, "texts"); ok {
		t.Error("watermark advanced")
	}
	// The new holder keeps its lock.
	if err := h.inst.DB.AcquireLock(ctx, "next", time.Hour, now); !memerrors.Is(err, memerrors.KindLocked) {
		t.Errorf("AcquireLock after run = %v, want locked by thief", err)
	}
}

func TestKeepLockRefreshes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scripted())
	db := h.inst.DB
	if err := db.AcquireLock(ctx, "run:x", 30*time.Minute, now); err != nil {
		t.Fatal(err)
	}
	later := now.Add(25 * time.Minute)
	stop := keepLock(ctx, db, "run:x", 5*time.Millisecond, func() time.Time { return later }, zap.NewNop())

	deadline := time.Now().Add(2 * time.Second)
	var acquired int64
	for time.Now().Before(deadline) {
		if err := db.QueryRowContext(ctx, "SELECT acquired_at FROM run_lock WHERE id = 1").Scan(&acquired); err != nil {
			t.Fatal(err)
		}
		if acquired == later.UnixMilli() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	if acquired != later.UnixMilli() {
		t.Fatalf("lock not refreshed: acquired_at = %d", acquired)
	}
	// 40 minutes after the original acquire the lock is still fresh.
	if err := db.AcquireLock(ctx, "other", 30*time.Minute, now.Add(40*time.Minute)); !memerrors.Is(err, memerrors.KindLocked) {
		t.Errorf("AcquireLock = %v, want locked", err)
	}
}

func TestLockInterval(t *testing.T) {
	if got := lockInterval(30 * time.Minute); got != 10*time.Minute {
		t.Errorf("lockInterval(30m) = %v", got)
	}
	if got := lockInterval(time.Millisecond); got != time.Second {
		t.Errorf("lockInterval(1ms) = %v", got)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &llm.MockClient{Handler: func(string) (string, error) {
		cancel()
		return routeResponse, nil
	}}
	h := newHarness(t, client, &staticCollector{source: "texts", out: textsOut})

	rep, err := Run(ctx, h.inst, Options{})
	if err == nil || rep.Committed {
		t.Fatalf("cancelled run committed: %+v", rep)
	}
	if n, _ := h.inst.DB.CountPending(context.Background()); n != 0 {
		t.Errorf("%d entries persisted", n)
	}
}

func TestReseed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scripted(), &staticCollector{source: "texts", out: textsOut})
	if _, err := Run(ctx, h.inst, Options{}); err != nil {
		t.Fatal(err)
	}

	if _, err := Reseed(ctx, h.inst); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	snap, err := h.inst.DB.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Projects", "Relationships"}, snap.Paths(), cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("paths after reseed (-want +got):\n%s", diff)
	}
	holds, _ := h.inst.DB.ListHolds(ctx, "")
	if len(holds) != 0 {
		t.Errorf("holds survived reseed: %+v", holds)
	}

	// Activity and watermarks were cleared, so the default window picks
	// the same texts up as new.
	rep, err := Run(ctx, h.inst, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Inserted != 1 || rep.TopicsCreated != 2 {
		t.Errorf("run after reseed = %+v", rep)
	}
}

func TestSeedPaths(t *testing.T) {
	h := newHarness(t, scripted())
	h.inst.Config.SeedTopics = []config.SeedTopic{
		{Name: "home-lab"},
		{Name: "Alex", Parent: "People"},
		{Name: "  "},
	}
	want := [][]string{{"home lab"}, {"People", "Alex"}}
	if diff := cmp.Diff(want, SeedPaths(h.inst)); diff != "" {
		t.Errorf("SeedPaths (-want +got):\n%s", diff)
	}
}

func TestDebugTrace(t *testing.T) {
	h := newHarness(t, scripted(), &staticCollector{source: "texts", out: textsOut})
	h.inst.Config.Pipeline.DebugPrompts = true
	if _, err := Run(context.Background(), h.inst, Options{}); err != nil {
		t.Fatal(err)
	}
	files, err := filepath.Glob(filepath.Join(h.inst.Config.DebugDir(), "200000_*.md"))
	if err != nil || len(files) < 2 {
		t.Fatalf("trace files = %v (%v)", files, err)
	}
	body, _ := os.ReadFile(files[0])
	if !strings.HasPrefix(string(body), "# Prompt\n\n") || !strings.Contains(string(body), "# Response") {
		t.Errorf("trace body:\n%s", body)
	}
}
