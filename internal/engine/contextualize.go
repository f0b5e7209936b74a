package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/llm"
	"github.com/rednebmas/mem/internal/store"
)

// TopicWork is one topic's share of a routed batch.
type TopicWork struct {
	Path    []string
	Summary string // current summary, empty for new topics
	Entries []store.Entry
	Notes   []string // routing notes, parallel to Entries
}

// Key is the topic's full path.
func (w TopicWork) Key() string { return strings.Join(w.Path, store.PathSep) }

// TopicUpdate is the outcome of re-summarizing one topic.
type TopicUpdate struct {
	Path []string
	// Summary is the new summary, or empty when the model reported no
	// meaningful change.
	Summary    string
	Changed    bool
	LastActive time.Time
	Added      int
}

// Key is the topic's full path.
func (u TopicUpdate) Key() string { return strings.Join(u.Path, store.PathSep) }

// PlanWork groups routed entries by destination topic, in path order.
func PlanWork(res *RouteResult, entries []store.Entry, snap *store.Snapshot) []TopicWork {
	byID := make(map[string]store.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	work := map[string]*TopicWork{}
	for _, a := range res.Assignments {
		if a.Skip {
			continue
		}
		e, ok := byID[a.EntryID]
		if !ok {
			continue
		}
		key := strings.Join(a.Path, store.PathSep)
		w := work[key]
		if w == nil {
			w = &TopicWork{Path: a.Path}
			if snap != nil {
				if t, ok := snap.Lookup(key); ok {
					w.Summary = t.Summary
				}
			}
			work[key] = w
		}
		w.Entries = append(w.Entries, e)
		w.Notes = append(w.Notes, a.Note)
	}

	keys := make([]string, 0, len(work))
	for k := range work {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]TopicWork, 0, len(keys))
	for _, k := range keys {
		out = append(out, *work[k])
	}
	return out
}

// Contextualizer re-summarizes touched topics, one model call per topic,
// with bounded concurrency.
type Contextualizer struct {
	Client      llm.Client
	Logger      *zap.Logger
	User        string
	WordBudget  int
	Concurrency int
	Trace       func(name, prompt, response string)
}

// Contextualize returns one update per work item in the same order. Any
// failed model call fails the whole pass with a Gateway error.
func (c *Contextualizer) Contextualize(ctx context.Context, work []TopicWork) ([]TopicUpdate, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := c.Concurrency
	if limit <= 0 {
		limit = 1
	}

	updates := make([]TopicUpdate, len(work))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, w := range work {
		g.Go(func() error {
			u, err := c.one(gctx, w)
			if err != nil {
				return memerrors.Gateway("contextualize "+w.Key(), err)
			}
			updates[i] = u
			logger.Debug("contextualized topic",
				zap.String("topic", w.Key()),
				zap.Bool("changed", u.Changed),
				zap.Int("entries", u.Added))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Contextualizer) one(ctx context.Context, w TopicWork) (TopicUpdate, error) {
	u := TopicUpdate{Path: w.Path, Added: len(w.Entries)}
	lines := make([]string, 0, len(w.Entries))
	for i, e := range w.Entries {
		if e.Timestamp.After(u.LastActive) {
			u.LastActive = e.Timestamp
		}
		line := fmt.Sprintf("[%s %s] %s", e.Source, e.Timestamp.Local().Format("2006-01-02 15:04"),
			truncateClean(strings.Join(strings.Fields(e.Text), " "), maxEntryChars))
		if i < len(w.Notes) && w.Notes[i] != "" {
			line += " (" + w.Notes[i] + ")"
		}
		lines = append(lines, line)
	}

	prompt := llm.ContextPrompt(llm.ContextInput{
		User:       c.User,
		TopicPath:  w.Key(),
		Summary:    w.Summary,
		Entries:    lines,
		WordBudget: c.WordBudget,
	})
	resp, err := c.Client.Complete(ctx, prompt)
	if err != nil {
		return u, err
	}
	if c.Trace != nil {
		c.Trace("context-"+strings.Join(w.Path, "-"), prompt, resp.Content)
	}

	summary := cleanSummary(resp.Content)
	if summary == "" || summary == llm.NoUpdate {
		return u, nil
	}
	u.Summary = truncateWords(summary, c.WordBudget)
	u.Changed = u.Summary != w.Summary
	return u, nil
}

// cleanSummary strips fences and quoting a model sometimes wraps around
// plain text.
func cleanSummary(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) > 2 {
			s = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	s = strings.TrimSpace(s)
	if strings.Trim(s, "\"'`.") == llm.NoUpdate {
		return llm.NoUpdate
	}
	return s
}
