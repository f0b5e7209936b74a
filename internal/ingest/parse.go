package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/rednebmas/mem/internal/store"
)

var (
	// [2026-03-02 09:14] or [2026-03-02T09:14:05]
	bracketDateRe = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2})[ T](\d{1,2}:\d{2})(?::\d{2})?\]`)
	// 2026-03-02T09:14:05Z, 2026-03-02T09:14+01:00
	isoRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:\d{2})`)
	// [03/02 09:14]
	shortDateRe = regexp.MustCompile(`\[(\d{1,2})/(\d{1,2}) (\d{1,2}):(\d{2})\]`)
)

// Parse splits a collector's markdown into pending entries. Headings become
// context prefixed to the entries beneath them; each top-level paragraph,
// list item, quote and code block is one entry. An entry's time comes from
// a timestamp marker in its text, else fallback. Times without a zone are
// read in fallback's location.
func Parse(source, markdown string, fallback time.Time) []store.Entry {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var entries []store.Entry
	var headings []string // by level, index 0 = level 2
	add := func(body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		ts, body := extractTime(body, fallback)
		if body == "" {
			return
		}
		if ctx := strings.Join(nonEmpty(headings), " > "); ctx != "" {
			body = ctx + ": " + body
		}
		entries = append(entries, store.Entry{
			ID:          store.NewID(ts),
			Source:      source,
			Timestamp:   ts,
			Text:        body,
			Fingerprint: store.Fingerprint(source, ts, body),
			Status:      store.StatusPending,
		})
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n := n.(type) {
		case *ast.Heading:
			// Level 1 is a document title: it resets context but is not part of it.
			depth := n.Level - 2
			if depth < 0 {
				headings = nil
				continue
			}
			for len(headings) <= depth {
				headings = append(headings, "")
			}
			headings = headings[:depth+1]
			headings[depth] = strings.TrimSpace(string(n.Lines().Value(src)))
		case *ast.List:
			for item := n.FirstChild(); item != nil; item = item.NextSibling() {
				add(blockText(item, src))
			}
		case *ast.Paragraph, *ast.Blockquote, *ast.FencedCodeBlock, *ast.CodeBlock:
			add(blockText(n, src))
		}
	}
	return entries
}

// blockText concatenates the source lines of a block and its block
// descendants.
func blockText(n ast.Node, src []byte) string {
	var parts []string
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		if n.Type() != ast.TypeBlock {
			return
		}
		if lines := n.Lines(); lines.Len() > 0 {
			var b strings.Builder
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			parts = append(parts, strings.TrimRight(b.String(), "\n"))
		}
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, "\n")
}

// extractTime finds a timestamp marker and returns it with the text. A
// leading bracketed marker is removed from the text.
func extractTime(body string, fallback time.Time) (time.Time, string) {
	loc := fallback.Location()
	if m := bracketDateRe.FindStringSubmatchIndex(body); m != nil {
		day, clock := body[m[2]:m[3]], body[m[4]:m[5]]
		if t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+padClock(clock), loc); err == nil {
			return t, stripLeading(body, m)
		}
	}
	if m := shortDateRe.FindStringSubmatchIndex(body); m != nil {
		month, _ := strconv.Atoi(body[m[2]:m[3]])
		dom, _ := strconv.Atoi(body[m[4]:m[5]])
		hour, _ := strconv.Atoi(body[m[6]:m[7]])
		minute, _ := strconv.Atoi(body[m[8]:m[9]])
		if month >= 1 && month <= 12 && dom >= 1 && dom <= 31 && hour < 24 && minute < 60 {
			t := time.Date(fallback.Year(), time.Month(month), dom, hour, minute, 0, 0, loc)
			// Markers carry no year; a date far ahead of the window belongs
			// to the previous year.
			if t.Sub(fallback) > 180*24*time.Hour {
				t = t.AddDate(-1, 0, 0)
			}
			return t, stripLeading(body, m)
		}
	}
	if s := isoRe.FindString(body); s != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, body
			}
		}
	}
	return fallback, body
}

func padClock(c string) string {
	if len(c) == 4 { // 9:14
		return "0" + c
	}
	return c
}

func stripLeading(body string, m []int) string {
	prefix := strings.TrimSpace(body[:m[0]])
	if prefix != "" && prefix != "-" && prefix != "*" {
		return body
	}
	return strings.TrimSpace(body[m[1]:])
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
