package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// RootID is the id of the hidden root topic. It has no name and never
// appears in prompts or rendered output.
const RootID int64 = 1

// PathSep separates segments of a topic path.
const PathSep = "/"

// Topic is a node in the topic tree.
type Topic struct {
	ID            int64
	ParentID      int64 // 0 for the root
	Name          string
	Path          string
	Depth         int
	Summary       string
	ActivityCount int
	CreatedAt     time.Time
	LastActiveAt  *time.Time
}

// Snapshot is a read-only view of the topic tree with materialized paths.
type Snapshot struct {
	Topics   []Topic // sorted by path, root excluded
	byID     map[int64]int
	byPath   map[string]int
	children map[int64][]int64
}

// Lookup returns the topic at an exact path.
func (s *Snapshot) Lookup(path string) (Topic, bool) {
	i, ok := s.byPath[path]
	if !ok {
		return Topic{}, false
	}
	return s.Topics[i], true
}

// Get returns a topic by id.
func (s *Snapshot) Get(id int64) (Topic, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Topic{}, false
	}
	return s.Topics[i], true
}

// Children returns the child ids of a topic, ordered by name. Use RootID
// for first-level topics.
func (s *Snapshot) Children(id int64) []int64 {
	return s.children[id]
}

// Paths returns every topic path in sorted order.
func (s *Snapshot) Paths() []string {
	out := make([]string, len(s.Topics))
	for i, t := range s.Topics {
		out[i] = t.Path
	}
	return out
}

// Ancestors returns the ids from id's parent up to, but excluding, the root.
func (s *Snapshot) Ancestors(id int64) []int64 {
	var out []int64
	t, ok := s.Get(id)
	for ok && t.ParentID != RootID && t.ParentID != 0 {
		out = append(out, t.ParentID)
		t, ok = s.Get(t.ParentID)
	}
	return out
}

// Snapshot reads the whole topic tree.
func (db *DB) Snapshot(ctx context.Context) (*Snapshot, error) {
	return loadSnapshot(ctx, db.DB)
}

// Snapshot reads the topic tree as seen inside the transaction.
func (t *Tx) Snapshot(ctx context.Context) (*Snapshot, error) {
	return loadSnapshot(ctx, t.tx)
}

func loadSnapshot(ctx context.Context, q querier) (*Snapshot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, 0), name, summary, activity_count, created_at, last_active_at
		FROM topics WHERE id != ?
	`, RootID)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	raw := map[int64]*Topic{}
	for rows.Next() {
		var tp Topic
		var created int64
		var last sql.NullInt64
		if err := rows.Scan(&tp.ID, &tp.ParentID, &tp.Name, &tp.Summary, &tp.ActivityCount, &created, &last); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		tp.CreatedAt = fromMillis(created)
		tp.LastActiveAt = nullMillis(last)
		raw[tp.ID] = &tp
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buildSnapshot(raw)
}

func buildSnapshot(raw map[int64]*Topic) (*Snapshot, error) {
	// Materialize paths. Parents always exist before children, so walking
	// up terminates at the root.
	var pathOf func(id int64, depth int) (string, int, error)
	pathOf = func(id int64, depth int) (string, int, error) {
		if depth > len(raw) {
			return "", 0, fmt.Errorf("topic %d: cycle in parent chain", id)
		}
		tp := raw[id]
		if tp.ParentID == RootID || tp.ParentID == 0 {
			return tp.Name, 1, nil
		}
		if _, ok := raw[tp.ParentID]; !ok {
			return "", 0, fmt.Errorf("topic %d: missing parent %d", id, tp.ParentID)
		}
		pp, d, err := pathOf(tp.ParentID, depth+1)
		if err != nil {
			return "", 0, err
		}
		return pp + PathSep + tp.Name, d + 1, nil
	}

	s := &Snapshot{
		byID:     make(map[int64]int, len(raw)),
		byPath:   make(map[string]int, len(raw)),
		children: map[int64][]int64{},
	}
	for id, tp := range raw {
		p, d, err := pathOf(id, 0)
		if err != nil {
			return nil, err
		}
		tp.Path = p
		tp.Depth = d
		s.Topics = append(s.Topics, *tp)
	}
	sort.Slice(s.Topics, func(i, j int) bool { return s.Topics[i].Path < s.Topics[j].Path })
	for i, tp := range s.Topics {
		s.byID[tp.ID] = i
		s.byPath[tp.Path] = i
		s.children[tp.ParentID] = append(s.children[tp.ParentID], tp.ID)
	}
	for parent, kids := range s.children {
		sort.Slice(kids, func(i, j int) bool {
			return s.Topics[s.byID[kids[i]]].Name < s.Topics[s.byID[kids[j]]].Name
		})
		s.children[parent] = kids
	}
	return s, nil
}

// Reshape returns a copy of the tree with topic id renamed to name and
// placed under parent (RootID for the top level). The topic must exist,
// parent must not be the topic or one of its descendants, and no other
// child of parent may already be called name.
func (s *Snapshot) Reshape(id, parent int64, name string) (*Snapshot, error) {
	cur, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("topic %d does not exist", id)
	}
	if name == "" || strings.Contains(name, PathSep) {
		return nil, fmt.Errorf("invalid topic name %q", name)
	}
	if parent != RootID {
		p, ok := s.Get(parent)
		if !ok {
			return nil, fmt.Errorf("parent %d does not exist", parent)
		}
		if parent == id || slices.Contains(s.Ancestors(parent), id) {
			return nil, fmt.Errorf("cannot move %q under its own subtree %q", cur.Path, p.Path)
		}
	}
	for _, sib := range s.Children(parent) {
		if t, _ := s.Get(sib); sib != id && t.Name == name {
			return nil, fmt.Errorf("%q already exists", t.Path)
		}
	}

	raw := make(map[int64]*Topic, len(s.Topics))
	for _, t := range s.Topics {
		raw[t.ID] = &t
	}
	raw[id].ParentID = parent
	raw[id].Name = name
	return buildSnapshot(raw)
}

// SplitPath splits a topic path into its segments, dropping empty ones.
func SplitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, PathSep) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// UpsertTopic resolves a path of already-normalized names, creating any
// missing nodes from the top down. It returns the leaf id and the topics
// it created.
func (t *Tx) UpsertTopic(ctx context.Context, segments []string, now time.Time) (int64, []Topic, error) {
	if len(segments) == 0 {
		return 0, nil, fmt.Errorf("upsert topic: empty path")
	}

	parent := RootID
	var created []Topic
	var path string
	for i, name := range segments {
		if name == "" || strings.Contains(name, PathSep) {
			return 0, nil, fmt.Errorf("upsert topic: invalid segment %q", name)
		}
		if i == 0 {
			path = name
		} else {
			path += PathSep + name
		}

		var id int64
		err := t.tx.QueryRowContext(ctx,
			"SELECT id FROM topics WHERE parent_id = ? AND name = ?", parent, name,
		).Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			res, err := t.tx.ExecContext(ctx,
				"INSERT INTO topics (parent_id, name, created_at) VALUES (?, ?, ?)",
				parent, name, toMillis(now),
			)
			if err != nil {
				return 0, nil, fmt.Errorf("insert topic %q: %w", path, err)
			}
			id, _ = res.LastInsertId()
			created = append(created, Topic{
				ID: id, ParentID: parent, Name: name, Path: path, Depth: i + 1, CreatedAt: now,
			})
		case err != nil:
			return 0, nil, fmt.Errorf("lookup topic %q: %w", path, err)
		}
		parent = id
	}
	return parent, created, nil
}

// RenameTopic changes a topic's name. Its subtree follows.
func (t *Tx) RenameTopic(ctx context.Context, id int64, name string) error {
	if name == "" || strings.Contains(name, PathSep) {
		return fmt.Errorf("rename topic %d: invalid name %q", id, name)
	}
	res, err := t.tx.ExecContext(ctx, "UPDATE topics SET name = ? WHERE id = ? AND id != ?", name, id, RootID)
	if err != nil {
		return fmt.Errorf("rename topic %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rename topic %d: not found", id)
	}
	return nil
}

// MoveTopic reparents a topic with its subtree. Moving a topic under
// itself or one of its descendants is refused.
func (t *Tx) MoveTopic(ctx context.Context, id, parent int64) error {
	if id == RootID {
		return fmt.Errorf("move topic: cannot move the root")
	}
	var cycle bool
	err := t.tx.QueryRowContext(ctx, `
		WITH RECURSIVE up(id, parent_id) AS (
			SELECT id, parent_id FROM topics WHERE id = ?
			UNION ALL
			SELECT t.id, t.parent_id FROM topics t JOIN up ON t.id = up.parent_id
		)
		SELECT EXISTS (SELECT 1 FROM up WHERE id = ?)
	`, parent, id).Scan(&cycle)
	if err != nil {
		return fmt.Errorf("move topic %d: %w", id, err)
	}
	if cycle {
		return fmt.Errorf("move topic %d: %d is in its subtree", id, parent)
	}
	res, err := t.tx.ExecContext(ctx, "UPDATE topics SET parent_id = ? WHERE id = ?", parent, id)
	if err != nil {
		return fmt.Errorf("move topic %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("move topic %d: not found", id)
	}
	return nil
}

// UpdateTopicActivity records a contextualization result. An empty summary
// keeps the existing one.
func (t *Tx) UpdateTopicActivity(ctx context.Context, id int64, summary string, lastActive time.Time, added int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE topics SET
			summary = CASE WHEN ? = '' THEN summary ELSE ? END,
			last_active_at = MAX(COALESCE(last_active_at, 0), ?),
			activity_count = activity_count + ?
		WHERE id = ? AND id != ?
	`, summary, summary, toMillis(lastActive), added, id, RootID)
	if err != nil {
		return fmt.Errorf("update topic %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update topic %d: not found", id)
	}
	return nil
}
