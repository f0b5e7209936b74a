package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/actions"
	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/llm"
	"github.com/rednebmas/mem/internal/store"
)

// sourceOrder fixes how sources are grouped in the routing prompt. Other
// sources (plugins) follow in name order.
var sourceOrder = []string{"browser", "texts", "calls", "claude", "calendar", "email", "reminders"}

// maxEntryChars caps one entry's text in the routing prompt.
const maxEntryChars = 1500

// Router assigns a batch of activity to topic paths with a single model
// call, re-prompting with the validation problem when the response is
// unusable.
type Router struct {
	Client   llm.Client
	Registry *actions.Registry
	Logger   *zap.Logger
	// Retries is how many correction prompts follow a bad response.
	Retries int
	// Trace, when set, receives every prompt and response.
	Trace func(name, prompt, response string)
}

// RouteInput is the batch and the tree it is routed against.
type RouteInput struct {
	User           string
	Bio            string
	Entries        []store.Entry
	Snapshot       *store.Snapshot
	Scores         map[int64]float64
	DecayThreshold float64
}

// Assignment places one entry. Skip entries were judged noise.
type Assignment struct {
	EntryID string
	Path    []string
	Note    string
	Skip    bool
}

// RouteResult is a validated routing response.
type RouteResult struct {
	Reshapes    []Reshape
	Assignments []Assignment
	// View is the tree after Reshapes; assignment paths are resolved
	// against it.
	View *store.Snapshot
	// Flags holds every action output key, possibly with no payloads.
	Flags map[string][]json.RawMessage
	// EntryFlags are the flag payloads that name an entry, by entry id.
	EntryFlags map[string]map[string][]json.RawMessage
	Attempts   int
}

// Route builds the routing prompt and returns a validated result. A failed
// model call is a Gateway error; running out of correction attempts is a
// RoutingParse error.
func (r *Router) Route(ctx context.Context, in RouteInput) (*RouteResult, error) {
	logger := r.logger()
	if len(in.Entries) == 0 {
		return &RouteResult{Flags: r.emptyFlags(), View: in.Snapshot}, nil
	}

	ids := make(map[string]string, len(in.Entries)) // short id → entry id
	activity := RenderActivity(in.Entries, ids)

	var fragments string
	if r.Registry != nil {
		fragments = r.Registry.PromptFragments()
	}
	prompt := llm.RoutingPrompt(llm.RoutingInput{
		User:      in.User,
		Bio:       in.Bio,
		TopicTree: RenderRoutingTree(in.Snapshot, in.Scores, in.DecayThreshold),
		Activity:  activity,
		Actions:   fragments,
		Schema:    r.schemaExample(),
	})

	current := prompt
	var lastErr error
	attempts := r.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.Client.Complete(ctx, current)
		if err != nil {
			return nil, memerrors.Gateway("route", err)
		}
		if r.Trace != nil {
			r.Trace(fmt.Sprintf("route-%d", attempt), current, resp.Content)
		}

		res, err := r.parse(resp.Content, ids, in.Snapshot)
		if err == nil {
			res.Attempts = attempt
			logger.Info("routed batch",
				zap.Int("entries", len(in.Entries)),
				zap.Int("attempts", attempt))
			return res, nil
		}
		lastErr = err
		logger.Warn("routing response rejected", zap.Int("attempt", attempt), zap.Error(err))
		current = llm.CorrectionPrompt(prompt, resp.Content, err)
	}
	return nil, memerrors.RoutingParse(attempts, lastErr)
}

func (r *Router) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Router) emptyFlags() map[string][]json.RawMessage {
	flags := map[string][]json.RawMessage{}
	if r.Registry != nil {
		for _, o := range r.Registry.Outputs() {
			flags[o.Key] = nil
		}
	}
	return flags
}

type rawAssignment struct {
	ID    string  `json:"id"`
	Topic *string `json:"topic"`
	Note  string  `json:"note"`
}

// parse validates a response strictly: renames and moves that fit the
// tree, every entry id exactly once, no unknown ids, and every action key
// present with payloads matching its schema.
func (r *Router) parse(content string, ids map[string]string, snap *store.Snapshot) (*RouteResult, error) {
	raw, err := ExtractJSON(content)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	view, reshapes, problems := parseReshapes(doc, snap)
	var items []rawAssignment
	if a, ok := doc[actions.AssignmentsKey]; !ok {
		problems = append(problems, fmt.Errorf("missing %q", actions.AssignmentsKey))
	} else if err := json.Unmarshal(a, &items); err != nil {
		problems = append(problems, fmt.Errorf("%q must be a list of {id, topic, note}: %v", actions.AssignmentsKey, err))
	}

	res := &RouteResult{
		Reshapes:   reshapes,
		View:       view,
		Flags:      map[string][]json.RawMessage{},
		EntryFlags: map[string]map[string][]json.RawMessage{},
	}
	seen := map[string]bool{}
	for _, it := range items {
		short := strings.TrimSpace(it.ID)
		entryID, ok := ids[short]
		switch {
		case !ok:
			problems = append(problems, fmt.Errorf("unknown entry id %q", it.ID))
			continue
		case seen[short]:
			problems = append(problems, fmt.Errorf("entry id %q assigned more than once", short))
			continue
		}
		seen[short] = true

		a := Assignment{EntryID: entryID, Note: strings.TrimSpace(it.Note)}
		if it.Topic != nil {
			a.Path = ResolvePath(view, *it.Topic)
		}
		a.Skip = len(a.Path) == 0
		res.Assignments = append(res.Assignments, a)
	}
	var missing []string
	for short := range ids {
		if !seen[short] {
			missing = append(missing, short)
		}
	}
	if len(missing) > 0 {
		sortShortIDs(missing)
		problems = append(problems, fmt.Errorf("entry ids not assigned: %s", strings.Join(missing, ", ")))
	}

	if r.Registry != nil {
		for _, o := range r.Registry.Outputs() {
			v, ok := doc[o.Key]
			if !ok {
				problems = append(problems, fmt.Errorf("missing key %q (use [] when nothing applies)", o.Key))
				continue
			}
			var payloads []json.RawMessage
			if !isNull(v) {
				if err := json.Unmarshal(v, &payloads); err != nil {
					problems = append(problems, fmt.Errorf("%q must be a list: %v", o.Key, err))
					continue
				}
			}
			if err := r.Registry.Validate(o.Key, payloads); err != nil {
				problems = append(problems, fmt.Errorf("%q: %w", o.Key, err))
				continue
			}
			res.Flags[o.Key] = payloads
			for _, p := range payloads {
				if entryID, ok := ids[flagEntry(p)]; ok {
					if res.EntryFlags[entryID] == nil {
						res.EntryFlags[entryID] = map[string][]json.RawMessage{}
					}
					res.EntryFlags[entryID][o.Key] = append(res.EntryFlags[entryID][o.Key], p)
				}
			}
		}
	}

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	sort.SliceStable(res.Assignments, func(i, j int) bool {
		return res.Assignments[i].EntryID < res.Assignments[j].EntryID
	})
	return res, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// flagEntry returns the short entry id a flag payload refers to, if any.
func flagEntry(p json.RawMessage) string {
	var ref struct {
		Entry string `json:"entry"`
	}
	if json.Unmarshal(p, &ref) != nil {
		return ""
	}
	return strings.TrimSpace(ref.Entry)
}

// schemaExample is the full response shape shown to the model.
func (r *Router) schemaExample() string {
	var b strings.Builder
	b.WriteString("{\n  \"assignments\": [\n")
	b.WriteString("    {\"id\": \"e1\", \"topic\": \"People/Alex\", \"note\": \"planned dinner for Thursday\"},\n")
	b.WriteString("    {\"id\": \"e2\", \"topic\": null, \"note\": \"2FA code\"}\n  ]")
	if r.Registry != nil {
		for _, o := range r.Registry.Outputs() {
			key, _ := json.Marshal(o.Key)
			example := o.Example
			if len(example) == 0 {
				example = json.RawMessage("[]")
			}
			fmt.Fprintf(&b, ",\n  %s: %s", key, example)
		}
	}
	b.WriteString("\n}")
	return b.String()
}

// RenderActivity formats entries grouped by source for the routing prompt
// and fills ids with the short id assigned to each entry.
func RenderActivity(entries []store.Entry, ids map[string]string) string {
	groups := map[string][]store.Entry{}
	for _, e := range entries {
		groups[e.Source] = append(groups[e.Source], e)
	}

	var b strings.Builder
	n := 0
	for _, source := range OrderSources(groups) {
		group := groups[source]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n", source)
		for _, e := range group {
			n++
			short := fmt.Sprintf("e%d", n)
			ids[short] = e.ID
			text := strings.Join(strings.Fields(e.Text), " ")
			fmt.Fprintf(&b, "[%s] %s %s\n", short, e.Timestamp.Local().Format("2006-01-02 15:04"), truncateClean(text, maxEntryChars))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// OrderSources returns the keys of groups in prompt order.
func OrderSources[T any](groups map[string]T) []string {
	var out []string
	fixed := map[string]bool{}
	for _, s := range sourceOrder {
		fixed[s] = true
		if _, ok := groups[s]; ok {
			out = append(out, s)
		}
	}
	var rest []string
	for s := range groups {
		if !fixed[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// RenderRoutingTree lists every topic path. Topics whose decay score is
// below threshold are dormant and shown by path alone.
func RenderRoutingTree(snap *store.Snapshot, scores map[int64]float64, threshold float64) string {
	if snap == nil {
		return ""
	}
	var lines []string
	for _, t := range snap.Topics {
		summary := strings.Join(strings.Fields(t.Summary), " ")
		if summary == "" || scores[t.ID] < threshold {
			lines = append(lines, t.Path)
			continue
		}
		lines = append(lines, t.Path+": "+truncateClean(summary, 200))
	}
	return strings.Join(lines, "\n")
}

func sortShortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
}
