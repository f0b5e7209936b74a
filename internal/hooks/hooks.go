// Package hooks implements the Claude Code SessionStart hook that hands the
// current topics document to a new session as additional context.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rednebmas/mem/internal/llm"
)

// HookInput is the subset of the hook payload Claude Code sends on stdin
// that the start hook reads.
type HookInput struct {
	SessionID     string `json:"session_id"`
	CWD           string `json:"cwd"`
	HookEventName string `json:"hook_event_name"`
	Source        string `json:"source,omitempty"` // startup, resume, clear, compact
}

// SessionStartOutput is the JSON structure Claude Code expects on stdout
// from the SessionStart hook.
type SessionStartOutput struct {
	HookSpecificOutput struct {
		HookEventName     string `json:"hookEventName"`
		AdditionalContext string `json:"additionalContext"`
	} `json:"hookSpecificOutput"`
}

// WriteSessionStartOutput writes the SessionStart response.
func WriteSessionStartOutput(w io.Writer, context string) error {
	out := SessionStartOutput{}
	out.HookSpecificOutput.HookEventName = "SessionStart"
	out.HookSpecificOutput.AdditionalContext = context
	return json.NewEncoder(w).Encode(out)
}

// Start answers a SessionStart event. The document comes from the server
// when it is up, otherwise from the rendered file at fallbackPath. Hooks
// must never break a session: every failure degrades to empty context.
func Start(ctx context.Context, client *Client, fallbackPath string, stdin io.Reader, stdout, stderr io.Writer) {
	var input HookInput
	if err := json.NewDecoder(stdin).Decode(&input); err != nil && err != io.EOF {
		fmt.Fprintf(stderr, "mem hook: decode stdin: %v\n", err)
	}
	if os.Getenv(llm.InternalEnv) != "" {
		WriteSessionStartOutput(stdout, "")
		return
	}
	WriteSessionStartOutput(stdout, wrap(document(ctx, client, fallbackPath, stderr)))
}

func document(ctx context.Context, client *Client, fallbackPath string, stderr io.Writer) string {
	if client != nil {
		if doc, err := client.Document(ctx); err == nil {
			return doc
		}
	}
	if fallbackPath == "" {
		return ""
	}
	data, err := os.ReadFile(fallbackPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(stderr, "mem hook: %v\n", err)
		}
		return ""
	}
	return string(data)
}

func wrap(doc string) string {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return ""
	}
	return "<topics>\n" + doc + "\n</topics>"
}
