// Package render writes the topic tree as the markdown document other
// tools read.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rednebmas/mem/internal/store"
)

// Document renders TOPICS.md: a heading, the update date and the visible
// tree.
func Document(name string, snap *store.Snapshot, scores map[int64]float64, threshold float64, now time.Time) string {
	return fmt.Sprintf("# %s's Topics\n*Updated: %s*\n\n%s\n", name, now.Format("2006-01-02"), Tree(snap, scores, threshold))
}

// Tree renders the visible topics as a tab-indented list. First-level
// topics are always shown; deeper topics are shown when their score reaches
// threshold or a descendant of theirs is shown.
func Tree(snap *store.Snapshot, scores map[int64]float64, threshold float64) string {
	if snap == nil || len(snap.Topics) == 0 {
		return "(no topics yet)"
	}

	visible := map[int64]bool{}
	var mark func(id int64) bool
	mark = func(id int64) bool {
		shown := false
		for _, c := range snap.Children(id) {
			if mark(c) {
				shown = true
			}
		}
		if shown || scores[id] >= threshold {
			visible[id] = true
		}
		return visible[id]
	}
	for _, id := range snap.Children(store.RootID) {
		mark(id)
		visible[id] = true
	}

	var lines []string
	var walk func(id int64, depth int)
	walk = func(id int64, depth int) {
		for _, c := range snap.Children(id) {
			if !visible[c] {
				continue
			}
			t, _ := snap.Get(c)
			line := strings.Repeat("\t", depth) + "- " + t.Name
			if s := OneLine(t.Summary); s != "" {
				line += ": " + s
			}
			lines = append(lines, line)
			walk(c, depth+1)
		}
	}
	walk(store.RootID, 0)
	return strings.Join(lines, "\n")
}

// OneLine flattens a bulleted summary so it fits on a list line.
func OneLine(summary string) string {
	var parts []string
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimLeft(line, "-*•"))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "; ")
}

// WriteFile replaces path atomically.
func WriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".topics-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
