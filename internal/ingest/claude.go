package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ClaudeSource is the source tag of the built-in Claude session collector.
const ClaudeSource = "claude"

const previewMax = 1000

// Sessions whose first message starts with one of these are tooling noise,
// including this program's own prompts.
var trivialPreviews = []string{
	"[tool result]",
	"[tool:",
	"You are maintaining a personal knowledge profile",
	"Warmup",
	"<local-command-caveat>",
}

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

// Claude lists Claude Code sessions touched in the window, one line per
// session grouped under its project, previewed by what the user asked.
type Claude struct {
	Dir string
}

// NewClaude returns a collector over dir, or ~/.claude/projects when dir
// is empty.
func NewClaude(dir string) *Claude {
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".claude", "projects")
	}
	return &Claude{Dir: dir}
}

func (c *Claude) Name() string   { return ClaudeSource }
func (c *Claude) Source() string { return ClaudeSource }

type session struct {
	project string
	mtime   time.Time
	preview string
}

func (c *Claude) Collect(ctx context.Context, since, until time.Time) (string, error) {
	projects, err := os.ReadDir(c.Dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", c.Dir, err)
	}

	byProject := map[string][]session{}
	for _, p := range projects {
		if !p.IsDir() {
			continue
		}
		files, _ := filepath.Glob(filepath.Join(c.Dir, p.Name(), "*.jsonl"))
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			info, err := os.Stat(f)
			if err != nil {
				continue
			}
			mtime := info.ModTime()
			if mtime.Before(since) || !mtime.Before(until) {
				continue
			}
			messages, err := parseTranscript(f)
			if err != nil {
				continue
			}
			preview := sessionPreview(messages)
			if isTrivial(preview) {
				continue
			}
			project := decodeProject(p.Name())
			byProject[project] = append(byProject[project], session{project: project, mtime: mtime, preview: preview})
		}
	}
	if len(byProject) == 0 {
		return "", nil
	}

	// Busiest projects first, newest sessions first within a project.
	names := make([]string, 0, len(byProject))
	for name, ss := range byProject {
		sort.Slice(ss, func(i, j int) bool { return ss[i].mtime.After(ss[j].mtime) })
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if a, b := len(byProject[names[i]]), len(byProject[names[j]]); a != b {
			return a > b
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	b.WriteString("# Claude Code\n")
	for _, name := range names {
		fmt.Fprintf(&b, "\n## %s\n", name)
		for _, s := range byProject[name] {
			fmt.Fprintf(&b, "- [%s] %q\n", s.mtime.In(since.Location()).Format("2006-01-02 15:04"), s.preview)
		}
	}
	return b.String(), nil
}

// decodeProject turns Claude's encoded directory name back into a path.
func decodeProject(encoded string) string {
	if strings.HasPrefix(encoded, "-") {
		return strings.TrimRight(strings.ReplaceAll(encoded, "-", "/"), "/")
	}
	return encoded
}

func isTrivial(preview string) bool {
	if preview == "" {
		return true
	}
	for _, t := range trivialPreviews {
		if strings.HasPrefix(preview, t) {
			return true
		}
	}
	return false
}

// transcriptLine is a single line in a Claude Code JSONL transcript.
type transcriptLine struct {
	Type    string          `json:"type"` // "user", "assistant", "system"
	Message json.RawMessage `json:"message"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentItem
}

type contentItem struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// message is one parsed transcript turn.
type message struct {
	Role string
	Text string
}

func parseTranscript(path string) ([]message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var out []message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		if m, ok := parseTranscriptLine(scanner.Bytes()); ok {
			out = append(out, m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return out, nil
}

func parseTranscriptLine(line []byte) (message, bool) {
	var l transcriptLine
	if len(line) == 0 || json.Unmarshal(line, &l) != nil || l.Type == "" || l.Message == nil {
		return message{}, false
	}
	var m transcriptMessage
	if json.Unmarshal(l.Message, &m) != nil {
		return message{}, false
	}
	text := systemReminderRe.ReplaceAllString(extractText(m.Content), "")
	text = strings.TrimSpace(text)
	if len(text) < 5 || strings.HasPrefix(text, "{") {
		return message{}, false
	}
	role := m.Role
	if role == "" {
		role = l.Type
	}
	return message{Role: role, Text: text}, true
}

// extractText handles the polymorphic content field: a plain string or an
// array of content items.
func extractText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var texts []string
	for _, it := range items {
		switch it.Type {
		case "text":
			if it.Text != "" {
				texts = append(texts, it.Text)
			}
		case "tool_use":
			texts = append(texts, "[tool: "+it.Name+"]")
		case "tool_result":
			texts = append(texts, "[tool result]")
		}
	}
	return strings.Join(texts, " ")
}

// sessionPreview is what the user asked: the first user message, followed
// by later ones while they fit.
func sessionPreview(messages []message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		text := strings.Join(strings.Fields(m.Text), " ")
		if b.Len() == 0 {
			if isTrivial(text) {
				return text
			}
			b.WriteString(text)
			continue
		}
		if isTrivial(text) || b.Len()+len(text)+3 > previewMax {
			continue
		}
		b.WriteString(" / ")
		b.WriteString(text)
	}
	preview := b.String()
	if len(preview) > previewMax {
		preview = strings.ToValidUTF8(preview[:previewMax], "") + "..."
	}
	return preview
}
