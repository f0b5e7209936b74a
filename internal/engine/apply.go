package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rednebmas/mem/internal/store"
)

// Applied summarizes the writes of one routed batch.
type Applied struct {
	// TopicIDs maps each destination path to its topic id.
	TopicIDs map[string]int64
	Created  []store.Topic
	Reshaped int
	Assigned int
	Skipped  int
}

// ApplyRoute records a routing result in the run's transaction: renames
// and moves are applied, missing topics are created, entries are assigned
// or skipped, and flags that name an entry are stored with it.
func ApplyRoute(ctx context.Context, tx *store.Tx, res *RouteResult, runID string, now time.Time) (*Applied, error) {
	out := &Applied{TopicIDs: map[string]int64{}}
	if err := applyReshapes(ctx, tx, res.Reshapes); err != nil {
		return nil, err
	}
	out.Reshaped = len(res.Reshapes)
	for _, a := range res.Assignments {
		if a.Skip {
			if err := tx.SkipEntry(ctx, a.EntryID, a.Note, runID, now); err != nil {
				return nil, err
			}
			out.Skipped++
			continue
		}
		key := strings.Join(a.Path, store.PathSep)
		id, ok := out.TopicIDs[key]
		if !ok {
			var created []store.Topic
			var err error
			id, created, err = tx.UpsertTopic(ctx, a.Path, now)
			if err != nil {
				return nil, fmt.Errorf("topic %q: %w", key, err)
			}
			out.TopicIDs[key] = id
			out.Created = append(out.Created, created...)
		}
		if err := tx.AssignEntry(ctx, a.EntryID, id, a.Note, res.EntryFlags[a.EntryID], runID, now); err != nil {
			return nil, err
		}
		out.Assigned++
	}
	return out, nil
}

// ApplyUpdates writes re-summarized topics. Topics without a change keep
// their summary but still record the new activity.
func ApplyUpdates(ctx context.Context, tx *store.Tx, applied *Applied, updates []TopicUpdate) (int, error) {
	changed := 0
	for _, u := range updates {
		id, ok := applied.TopicIDs[u.Key()]
		if !ok {
			return changed, fmt.Errorf("update for unrouted topic %q", u.Key())
		}
		summary := ""
		if u.Changed {
			summary = u.Summary
			changed++
		}
		if err := tx.UpdateTopicActivity(ctx, id, summary, u.LastActive, u.Added); err != nil {
			return changed, err
		}
	}
	return changed, nil
}
