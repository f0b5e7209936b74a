package llm

import (
	"fmt"
	"strings"
)

// NoUpdate is the sentinel a contextualization response uses when nothing
// meaningful changed for a topic.
const NoUpdate = "NO_UPDATE"

// RoutingInput is everything the routing prompt is built from. All fields
// are pre-rendered text.
type RoutingInput struct {
	User      string
	Bio       string
	TopicTree string // one path per line, dormant topics without summary
	Activity  string // entries grouped by source, each tagged with its short id
	Actions   string // detection fragments with {user} already substituted
	Schema    string // JSON example of the full expected response
}

// RoutingPrompt generates the single batch routing prompt.
func RoutingPrompt(in RoutingInput) string {
	bio := in.Bio
	if bio == "" {
		bio = "(no bio provided)"
	}
	tree := in.TopicTree
	if tree == "" {
		tree = "(no topics yet)"
	}
	actions := ""
	if strings.TrimSpace(in.Actions) != "" {
		actions = "\nADDITIONAL DETECTION TASKS:\n" + in.Actions + "\n"
	}

	return fmt.Sprintf(`You are maintaining a personal knowledge profile for %[1]s's AI assistant. The goal is to understand %[1]s's interests, projects, relationships, habits, and life context.

About %[1]s: %[2]s

Current topics, one full path per line. Topics shown with only a path are dormant: they exist and can receive activity. Do NOT create duplicates of them.
---
%[3]s
---

Recent activity, grouped by source. Each entry starts with its id in brackets.
---
%[4]s
---

Assign EVERY entry id to exactly one topic path:
- Use an existing path EXACTLY as written above when the activity fits.
- Otherwise give a new path. Missing parents are created. Prefer nesting under an existing first-level topic.
- Path segments are human-readable names with spaces, separated by "/". Never use dashes or underscores in place of spaces.
- Named entities (people, apps, companies, projects) get their own subtopic.
- Use "topic": null for routine noise (2FA codes, delivery notices, spam, generic browsing).
- "note" says briefly what specifically happened.

The tree may be restructured when a name is clearly wrong or a topic is clearly misplaced. Add "renames": [{"topic": "<path>", "name": "<new name>"}] and "moves": [{"topic": "<path>", "parent": "<path, or null for the top level>"}] with paths exactly as listed above. Assignment paths then use the renamed and moved tree. Leave both keys out when nothing needs restructuring.
%[5]s
Respond with ONLY a JSON object in exactly this shape:
%[6]s`, in.User, bio, tree, in.Activity, actions, in.Schema)
}

// CorrectionPrompt re-asks for a routing response after a validation
// failure. The original prompt is repeated so the call stands alone.
func CorrectionPrompt(original, badResponse string, problem error) string {
	return fmt.Sprintf(`%s

---
Your previous response could not be used:
%s

Problem: %v

Respond again with ONLY the corrected JSON object. Every entry id must appear exactly once in "assignments" and every top-level key shown above must be present.`, original, truncate(badResponse, 4000), problem)
}

// ContextInput is what a single topic's re-summarization is built from.
type ContextInput struct {
	User       string
	TopicPath  string
	Summary    string
	Entries    []string // "[source YYYY-MM-DD HH:MM] text" lines, with notes
	WordBudget int
}

// ContextPrompt generates the per-topic re-summarization prompt.
func ContextPrompt(in ContextInput) string {
	existing := in.Summary
	if existing == "" {
		existing = "No existing summary. This is a new topic."
	}
	return fmt.Sprintf(`You are maintaining a personal knowledge profile for %[1]s's AI assistant.

You are updating the summary for the topic: "%[2]s"

Current summary:
---
%[3]s
---

New activity assigned to this topic:
---
%[4]s
---

Write an updated summary incorporating the new information. Rules:
- At most %[5]d words. Concise bullet points of specific facts.
- Only facts about what happened. No generic descriptions, no "Next Steps", no speculation.
- Keep existing context that is still relevant and drop details that were superseded.
- Describe this topic only. Do not describe its subtopics.
- If nothing meaningful changed, output exactly %[6]s

Output ONLY the summary text, no preamble.`, in.User, in.TopicPath, existing,
		"- "+strings.Join(in.Entries, "\n- "), in.WordBudget, NoUpdate)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "…"
}
