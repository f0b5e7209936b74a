package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rednebmas/mem/internal/actions"
	"github.com/rednebmas/mem/internal/store"
)

// Reshape renames or moves one existing topic. Reshapes are applied in
// order, before any entry is assigned.
type Reshape struct {
	TopicID int64
	From    string // path in the tree the model was shown
	Parent  int64
	Name    string
	Move    bool
}

func (r Reshape) String() string {
	if r.Move {
		return fmt.Sprintf("move %s", r.From)
	}
	return fmt.Sprintf("rename %s to %s", r.From, r.Name)
}

type rawRename struct {
	Topic string `json:"topic"`
	Name  string `json:"name"`
}

type rawMove struct {
	Topic  string  `json:"topic"`
	Parent *string `json:"parent"`
}

// parseReshapes reads the optional renames and moves. Topic and parent
// paths refer to the tree shown in the prompt. Each change is checked
// against the tree as left by the changes before it, renames first, and
// the final tree is returned for resolving assignment paths.
func parseReshapes(doc map[string]json.RawMessage, snap *store.Snapshot) (*store.Snapshot, []Reshape, []error) {
	var renames []rawRename
	var moves []rawMove
	var problems []error
	if v, ok := doc[actions.RenamesKey]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &renames); err != nil {
			problems = append(problems, fmt.Errorf("%q must be a list of {topic, name}: %v", actions.RenamesKey, err))
		}
	}
	if v, ok := doc[actions.MovesKey]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &moves); err != nil {
			problems = append(problems, fmt.Errorf("%q must be a list of {topic, parent}: %v", actions.MovesKey, err))
		}
	}
	if len(renames)+len(moves) == 0 {
		return snap, nil, problems
	}

	view := snap
	var out []Reshape
	apply := func(what string, r Reshape) {
		next, err := view.Reshape(r.TopicID, r.Parent, r.Name)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s %q: %v", what, r.From, err))
			return
		}
		view = next
		out = append(out, r)
	}

	renamed := map[int64]bool{}
	for _, rn := range renames {
		t, ok := lookup(snap, rn.Topic)
		if !ok {
			problems = append(problems, fmt.Errorf("rename: topic %q does not exist", rn.Topic))
			continue
		}
		if renamed[t.ID] {
			problems = append(problems, fmt.Errorf("rename: %q renamed more than once", t.Path))
			continue
		}
		renamed[t.ID] = true
		name := NormalizeSegment(rn.Name)
		if name == "" {
			problems = append(problems, fmt.Errorf("rename %q: empty name", t.Path))
			continue
		}
		cur, _ := view.Get(t.ID)
		apply("rename", Reshape{TopicID: t.ID, From: t.Path, Parent: parentOf(cur), Name: name})
	}

	moved := map[int64]bool{}
	for _, mv := range moves {
		t, ok := lookup(snap, mv.Topic)
		if !ok {
			problems = append(problems, fmt.Errorf("move: topic %q does not exist", mv.Topic))
			continue
		}
		if moved[t.ID] {
			problems = append(problems, fmt.Errorf("move: %q moved more than once", t.Path))
			continue
		}
		moved[t.ID] = true
		parent := store.RootID
		if mv.Parent != nil && strings.TrimSpace(*mv.Parent) != "" {
			p, ok := lookup(snap, *mv.Parent)
			if !ok {
				problems = append(problems, fmt.Errorf("move %q: parent %q does not exist", t.Path, *mv.Parent))
				continue
			}
			parent = p.ID
		}
		cur, _ := view.Get(t.ID)
		apply("move", Reshape{TopicID: t.ID, From: t.Path, Parent: parent, Name: cur.Name, Move: true})
	}
	return view, out, problems
}

func lookup(snap *store.Snapshot, path string) (store.Topic, bool) {
	if snap == nil {
		return store.Topic{}, false
	}
	return snap.Lookup(strings.Join(store.SplitPath(path), store.PathSep))
}

func parentOf(t store.Topic) int64 {
	if t.ParentID == 0 {
		return store.RootID
	}
	return t.ParentID
}

// applyReshapes writes reshapes through the run's transaction in the
// order they were validated.
func applyReshapes(ctx context.Context, tx *store.Tx, reshapes []Reshape) error {
	for _, r := range reshapes {
		var err error
		if r.Move {
			err = tx.MoveTopic(ctx, r.TopicID, r.Parent)
		} else {
			err = tx.RenameTopic(ctx, r.TopicID, r.Name)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", r, err)
		}
	}
	return nil
}
