package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/pipeline"
	"github.com/rednebmas/mem/internal/render"
	"github.com/rednebmas/mem/internal/store"
)

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := pipeline.Document(r.Context(), s.inst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"document": doc})
}

type topicJSON struct {
	Path          string  `json:"path"`
	Name          string  `json:"name"`
	Depth         int     `json:"depth"`
	Summary       string  `json:"summary,omitempty"`
	Score         float64 `json:"score"`
	Active        bool    `json:"active"`
	ActivityCount int     `json:"activity_count"`
	LastActive    string  `json:"last_active,omitempty"` // relative, e.g. "3 days ago"
	Children      int     `json:"children"`
}

func (s *Server) topicJSON(snap *store.Snapshot, scores map[int64]float64, t store.Topic, now time.Time) topicJSON {
	out := topicJSON{
		Path:          t.Path,
		Name:          t.Name,
		Depth:         t.Depth,
		Summary:       t.Summary,
		Score:         scores[t.ID],
		Active:        scores[t.ID] >= s.inst.Config.Pipeline.DecayThreshold,
		ActivityCount: t.ActivityCount,
		Children:      len(snap.Children(t.ID)),
	}
	if t.LastActiveAt != nil {
		out.LastActive = humanize.RelTime(*t.LastActiveAt, now, "ago", "from now")
	}
	return out
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	now := s.inst.Clock()
	snap, scores, err := s.scored(r.Context(), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	nodes := make([]topicJSON, 0, len(snap.Topics))
	for _, t := range snap.Topics {
		nodes = append(nodes, s.topicJSON(snap, scores, t, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(nodes),
		"topics": nodes,
		"text":   render.Tree(snap, scores, s.inst.Config.Pipeline.DecayThreshold),
	})
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Query().Get("path"), "/")
	if path == "" {
		writeError(w, http.StatusBadRequest, errors.New("path parameter required"))
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	now := s.inst.Clock()
	snap, scores, err := s.scored(r.Context(), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	t, ok := snap.Lookup(path)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no topic "+path))
		return
	}
	entries, err := s.inst.DB.EntriesForTopic(r.Context(), t.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type entryJSON struct {
		ID     string `json:"id"`
		Source string `json:"source"`
		Time   string `json:"time"`
		When   string `json:"when"`
		Text   string `json:"text"`
		Note   string `json:"note,omitempty"`
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			ID:     e.ID,
			Source: e.Source,
			Time:   e.Timestamp.Format(time.RFC3339),
			When:   humanize.RelTime(e.Timestamp, now, "ago", "from now"),
			Text:   e.Text,
			Note:   e.Note,
		})
	}

	var children []topicJSON
	for _, id := range snap.Children(t.ID) {
		if c, ok := snap.Get(id); ok {
			children = append(children, s.topicJSON(snap, scores, c, now))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic":    s.topicJSON(snap, scores, t, now),
		"children": children,
		"entries":  out,
	})
}

func (s *Server) handleHolds(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	switch state {
	case "", store.HoldProposed, store.HoldConfirmed, store.HoldDeleted:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown hold state "+state))
		return
	}
	holds, err := s.inst.DB.ListHolds(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type holdJSON struct {
		Key    string    `json:"key"`
		Person string    `json:"person"`
		Title  string    `json:"title"`
		State  string    `json:"state"`
		Start  time.Time `json:"start"`
		When   string    `json:"when"`
	}
	now := s.inst.Clock()
	out := make([]holdJSON, 0, len(holds))
	for _, h := range holds {
		out = append(out, holdJSON{h.Key, h.Person, h.Title, h.State, h.EventStart,
			humanize.RelTime(h.EventStart, now, "ago", "from now")})
	}
	writeJSON(w, http.StatusOK, map[string]any{"holds": out})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.inst.DB.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	type runJSON struct {
		RunID         string `json:"run_id"`
		Status        string `json:"status"`
		Started       string `json:"started"`
		Took          string `json:"took,omitempty"`
		Entries       int    `json:"entries"`
		Unrouted      int    `json:"unrouted"`
		TopicsCreated int    `json:"topics_created"`
		TopicsUpdated int    `json:"topics_updated"`
		Error         string `json:"error,omitempty"`
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		rj := runJSON{
			RunID:         run.RunID,
			Status:        run.Status,
			Started:       humanize.Time(run.StartedAt),
			Entries:       run.EntryCount,
			Unrouted:      run.UnroutedCount,
			TopicsCreated: run.TopicsCreated,
			TopicsUpdated: run.TopicsUpdated,
			Error:         run.Error,
		}
		if run.EndedAt != nil {
			rj.Took = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		out = append(out, rj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleRun runs the pipeline synchronously. A client disconnect does not
// abort a run already in its mutation phase.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.Options
	q := r.URL.Query()
	if d := q.Get("date"); d != "" {
		t, err := time.ParseInLocation("2006-01-02", d, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
			return
		}
		opts.Date = &t
	}
	if src := q.Get("sources"); src != "" {
		opts.Sources = strings.Split(src, ",")
	}
	opts.DryRun = q.Get("dry_run") == "true"

	rep, err := pipeline.Run(context.WithoutCancel(r.Context()), s.inst, opts)
	switch {
	case memerrors.Is(err, memerrors.KindLocked):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.logger.Error("run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	warnings := make([]string, 0, len(rep.Errors))
	for _, e := range rep.Errors {
		warnings = append(warnings, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":          rep.RunID,
		"committed":       rep.Committed,
		"new_entries":     len(rep.Entries),
		"inserted":        rep.Inserted,
		"unrouted":        rep.UnroutedCount,
		"topics_created":  rep.TopicsCreated,
		"topics_updated":  rep.TopicsUpdated,
		"topics_reshaped": rep.TopicsReshaped,
		"actions":         rep.ActionsRun,
		"warnings":        warnings,
	})
}

func (s *Server) scored(ctx context.Context, now time.Time) (*store.Snapshot, map[int64]float64, error) {
	snap, err := s.inst.DB.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	scores, err := s.inst.DB.TopicScores(ctx, snap, now, s.inst.ScoreOptions())
	if err != nil {
		return nil, nil, err
	}
	return snap, scores, nil
}
