package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/actions"
	"github.com/rednebmas/mem/internal/engine"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/ingest"
	"github.com/rednebmas/mem/internal/store"
)

// Options controls one run.
type Options struct {
	// Date collects that calendar day instead of the watermark window.
	// Watermarks are neither read nor advanced.
	Date *time.Time
	// Sources restricts collection to these source tags.
	Sources []string
	// DryRun collects and parses only: no model calls, no writes.
	DryRun bool
}

// Report describes what a run did.
type Report struct {
	RunID          string
	Committed      bool
	Entries        []store.Entry // new entries collected this run
	Inserted       int
	UnroutedCount  int
	TopicsCreated  int
	TopicsUpdated  int
	TopicsReshaped int // renamed or moved
	ActionsRun     int
	Errors         []error // non-fatal problems: failed collectors, routing, handlers
}

// Run executes one pass. Collection and every model call happen before the
// write transaction opens; the transaction then appends entries, applies
// routing and summaries, dispatches actions and advances watermarks in one
// commit. A Gateway failure or cancellation commits nothing.
func Run(ctx context.Context, inst *Instance, opts Options) (rep *Report, err error) {
	cfg := inst.Config
	now := inst.Clock()
	rep = &Report{RunID: uuid.NewString()}
	log := inst.logger().Named("pipeline").With(zap.String("run", rep.RunID))

	holder := "run:" + rep.RunID
	if !opts.DryRun {
		if err := inst.DB.AcquireLock(ctx, holder, cfg.Pipeline.LockStaleAfter, now); err != nil {
			return nil, err
		}
		stop := keepLock(ctx, inst.DB, holder, lockInterval(cfg.Pipeline.LockStaleAfter), inst.Clock, log)
		defer func() {
			stop()
			bg := context.WithoutCancel(ctx)
			stats := store.RunStats{
				EntryCount:    rep.Inserted,
				UnroutedCount: rep.UnroutedCount,
				TopicsCreated: rep.TopicsCreated,
				TopicsUpdated: rep.TopicsUpdated,
			}
			if ferr := inst.DB.FinishRun(bg, rep.RunID, stats, err, inst.Clock()); ferr != nil {
				log.Warn("record run", zap.Error(ferr))
			}
			if rerr := inst.DB.ReleaseLock(bg, holder); rerr != nil {
				log.Warn("release lock", zap.Error(rerr))
			}
		}()
		if err := inst.DB.StartRun(ctx, rep.RunID, now); err != nil {
			return rep, memerrors.Store("start run", err)
		}
	}

	// Collect.
	windows, err := windowsFor(ctx, inst, opts, now)
	if err != nil {
		return rep, err
	}
	collectors := selectCollectors(inst.Collectors, opts.Sources)
	batches := ingest.Gather(ctx, collectors, func(source string) ingest.Window { return windows[source] },
		cfg.Pipeline.Concurrency, log.Named("ingest"))
	for _, b := range batches {
		if b.Err != nil {
			rep.Errors = append(rep.Errors, b.Err)
		}
	}
	fresh, err := newEntries(ctx, inst.DB, batches)
	if err != nil {
		return rep, memerrors.Store("dedupe entries", err)
	}
	rep.Entries = fresh
	log.Info("collected", zap.Int("sources", len(batches)), zap.Int("new_entries", len(fresh)))
	if opts.DryRun {
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	// Route and contextualize, outside any transaction.
	reg, err := inst.Registry()
	if err != nil {
		return rep, err
	}
	pending, err := inst.DB.PendingEntries(ctx, 0)
	if err != nil {
		return rep, memerrors.Store("pending entries", err)
	}
	batch := append(pending, fresh...)

	snap, err := inst.DB.Snapshot(ctx)
	if err != nil {
		return rep, memerrors.Store("snapshot", err)
	}
	scores, err := inst.DB.TopicScores(ctx, snap, now, inst.ScoreOptions())
	if err != nil {
		return rep, memerrors.Store("scores", err)
	}

	trace := inst.tracer(now)
	router := &engine.Router{
		Client:   inst.LLM,
		Registry: reg,
		Logger:   log.Named("route"),
		Retries:  cfg.Pipeline.RouteRetries,
		Trace:    trace,
	}
	res, routeErr := router.Route(ctx, engine.RouteInput{
		User:           cfg.Name,
		Bio:            cfg.Bio,
		Entries:        batch,
		Snapshot:       snap,
		Scores:         scores,
		DecayThreshold: cfg.Pipeline.DecayThreshold,
	})
	switch {
	case routeErr == nil:
	case memerrors.Is(routeErr, memerrors.KindRoutingParse):
		// The batch stays pending and is retried with the next run.
		log.Warn("routing failed, leaving batch unrouted", zap.Int("entries", len(batch)), zap.Error(routeErr))
		rep.Errors = append(rep.Errors, routeErr)
		res = nil
	default:
		return rep, routeErr
	}

	var updates []engine.TopicUpdate
	if res != nil {
		ctxr := &engine.Contextualizer{
			Client:      inst.LLM,
			Logger:      log.Named("contextualize"),
			User:        cfg.Name,
			WordBudget:  cfg.Pipeline.SummaryWords,
			Concurrency: cfg.Pipeline.Concurrency,
			Trace:       trace,
		}
		if updates, err = ctxr.Contextualize(ctx, engine.PlanWork(res, batch, res.View)); err != nil {
			return rep, err
		}
	}

	// Mutate.
	tx, err := inst.DB.Begin(ctx)
	if err != nil {
		return rep, memerrors.Store("begin", err)
	}
	defer tx.Rollback()

	if rep.Inserted, err = tx.AppendEntries(ctx, fresh, rep.RunID, now); err != nil {
		return rep, memerrors.Store("append entries", err)
	}

	var flags map[string][]json.RawMessage
	if res != nil {
		applied, err := engine.ApplyRoute(ctx, tx, res, rep.RunID, now)
		if err != nil {
			return rep, memerrors.Store("apply routing", err)
		}
		rep.TopicsCreated = len(applied.Created)
		rep.TopicsReshaped = applied.Reshaped
		if rep.TopicsUpdated, err = engine.ApplyUpdates(ctx, tx, applied, updates); err != nil {
			return rep, memerrors.Store("apply summaries", err)
		}
		flags = res.Flags
		rep.ActionsRun = flaggedActions(reg, flags)
	}

	// Sweepers run even when routing failed so holds still expire.
	rc := actions.RunContext{Tx: tx, RunID: rep.RunID, Now: now, Logger: log.Named("actions")}
	rep.Errors = append(rep.Errors, reg.Dispatch(ctx, rc, flags)...)

	if opts.Date == nil {
		for _, b := range batches {
			if b.Err != nil {
				continue
			}
			if err := tx.SetWatermark(ctx, b.Source, b.Window.Until, now); err != nil {
				return rep, memerrors.Store("watermark", err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if err := tx.CheckLock(ctx, holder); err != nil {
		return rep, err
	}
	if err := tx.Commit(); err != nil {
		return rep, memerrors.Store("commit", err)
	}
	rep.Committed = true

	if rep.UnroutedCount, err = inst.DB.CountPending(ctx); err != nil {
		log.Warn("count pending", zap.Error(err))
	}
	if _, err := WriteDocument(ctx, inst); err != nil {
		log.Warn("render topics document", zap.Error(err))
		rep.Errors = append(rep.Errors, err)
	}
	log.Info("run committed",
		zap.Int("inserted", rep.Inserted),
		zap.Int("unrouted", rep.UnroutedCount),
		zap.Int("topics_created", rep.TopicsCreated),
		zap.Int("topics_updated", rep.TopicsUpdated),
		zap.Int("actions", rep.ActionsRun),
		zap.Int("warnings", len(rep.Errors)))
	return rep, nil
}

// windowsFor resolves each source's collection window.
func windowsFor(ctx context.Context, inst *Instance, opts Options, now time.Time) (map[string]ingest.Window, error) {
	out := map[string]ingest.Window{}
	if opts.Date != nil {
		d := opts.Date.In(now.Location())
		start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, now.Location())
		for _, c := range inst.Collectors {
			out[c.Source()] = ingest.Window{Since: start, Until: start.AddDate(0, 0, 1)}
		}
		return out, nil
	}
	marks, err := inst.DB.Watermarks(ctx)
	if err != nil {
		return nil, memerrors.Store("watermarks", err)
	}
	for _, c := range inst.Collectors {
		since, ok := marks[c.Source()]
		switch {
		case !ok:
			since = now.Add(-inst.Config.Pipeline.DefaultWindow)
		case since.After(now):
			since = now
		}
		out[c.Source()] = ingest.Window{Since: since, Until: now}
	}
	return out, nil
}

func selectCollectors(all []ingest.Collector, sources []string) []ingest.Collector {
	if len(sources) == 0 {
		return all
	}
	want := map[string]bool{}
	for _, s := range sources {
		want[s] = true
	}
	var out []ingest.Collector
	for _, c := range all {
		if want[c.Source()] || want[c.Name()] {
			out = append(out, c)
		}
	}
	return out
}

// newEntries drops entries already stored or repeated within the run.
func newEntries(ctx context.Context, db *store.DB, batches []ingest.Batch) ([]store.Entry, error) {
	var all []store.Entry
	var fps []string
	for _, b := range batches {
		for _, e := range b.Entries {
			all = append(all, e)
			fps = append(fps, e.Fingerprint)
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	known, err := db.KnownFingerprints(ctx, fps)
	if err != nil {
		return nil, err
	}
	var out []store.Entry
	for _, e := range all {
		if known[e.Fingerprint] {
			continue
		}
		known[e.Fingerprint] = true
		out = append(out, e)
	}
	return out, nil
}

func flaggedActions(reg *actions.Registry, flags map[string][]json.RawMessage) int {
	n := 0
	for _, d := range reg.Descriptors() {
		for _, o := range d.Outputs {
			if len(flags[o.Key]) > 0 {
				n++
				break
			}
		}
	}
	return n
}

// String summarizes a report for the command line.
func (r *Report) String() string {
	if !r.Committed {
		return fmt.Sprintf("run %s: %d new entries, not committed", r.RunID, len(r.Entries))
	}
	return fmt.Sprintf("run %s: %d new entries, %d topics created, %d updated, %d actions, %d unrouted",
		r.RunID, r.Inserted, r.TopicsCreated, r.TopicsUpdated, r.ActionsRun, r.UnroutedCount)
}
