package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rednebmas/mem/internal/store"
)

// maxSegmentChars caps a single topic name.
const maxSegmentChars = 80

// NormalizeSegment cleans one topic name returned by the model. Slugs
// ("side-project", "home_lab") become spaced names, whitespace is
// collapsed and the path separator is dropped. Case is preserved.
func NormalizeSegment(seg string) string {
	seg = strings.TrimSpace(seg)
	seg = strings.Trim(seg, "\"'`")
	if seg == "" {
		return ""
	}
	if !strings.ContainsFunc(seg, unicode.IsSpace) && strings.ContainsAny(seg, "-_") {
		seg = strings.Map(func(r rune) rune {
			if r == '-' || r == '_' {
				return ' '
			}
			return r
		}, seg)
	}
	seg = strings.ReplaceAll(seg, store.PathSep, " ")
	seg = strings.Join(strings.Fields(seg), " ")
	return truncateClean(seg, maxSegmentChars)
}

// ResolvePath turns a model-supplied path into topic segments. Segments
// that name an existing child exactly are kept verbatim, so seeded names
// like "Wi-Fi" survive; everything else is normalized. Matching is exact
// and case-sensitive. Returns nil when nothing usable remains.
func ResolvePath(snap *store.Snapshot, raw string) []string {
	parent := store.RootID
	known := snap != nil
	var segs []string
	for _, part := range strings.Split(raw, store.PathSep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if known {
			if id, ok := childNamed(snap, parent, part); ok {
				segs = append(segs, part)
				parent = id
				continue
			}
		}
		seg := NormalizeSegment(part)
		if seg == "" {
			continue
		}
		if known {
			if id, ok := childNamed(snap, parent, seg); ok {
				segs = append(segs, seg)
				parent = id
				continue
			}
		}
		known = false
		segs = append(segs, seg)
	}
	return segs
}

func childNamed(snap *store.Snapshot, parent int64, name string) (int64, bool) {
	for _, id := range snap.Children(parent) {
		if t, ok := snap.Get(id); ok && t.Name == name {
			return id, true
		}
	}
	return 0, false
}

// truncateClean truncates a string to maxLen, cutting at the last word
// boundary to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncated := s[:runeBoundary(s, maxLen)]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

// runeBoundary backs n off to the start of the rune it falls inside.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// truncateWords keeps at most n words, preserving line structure. Bullet
// markers do not count as words.
func truncateWords(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		words := strings.Fields(line)
		lead := 0
		for lead < len(words) && isBullet(words[lead]) {
			lead++
		}
		if count+len(words)-lead <= n {
			count += len(words) - lead
			continue
		}
		keep := n - count
		if keep == 0 {
			lines = lines[:i]
			break
		}
		indent := line[:len(line)-len(strings.TrimLeftFunc(line, unicode.IsSpace))]
		lines[i] = indent + strings.Join(words[:lead+keep], " ")
		lines = lines[:i+1]
		break
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \n")
}

func isBullet(w string) bool {
	return w == "-" || w == "*" || w == "•"
}
