package engine

import (
	"fmt"
	"strings"
)

// ExtractJSON pulls the JSON object out of a model response. It prefers the
// last ```json fenced block, then the last generic fenced block holding an
// object, then the outermost braces of the plain text.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)

	blocks := fencedBlocks(content)
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].lang == "json" {
			return blocks[i].body, nil
		}
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if strings.HasPrefix(blocks[i].body, "{") {
			return blocks[i].body, nil
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return content[start : end+1], nil
}

type fence struct {
	lang string
	body string
}

func fencedBlocks(content string) []fence {
	var out []fence
	var cur *fence
	var body []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			if cur != nil {
				body = append(body, line)
			}
			continue
		}
		if cur == nil {
			cur = &fence{lang: strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))}
			body = body[:0]
			continue
		}
		cur.body = strings.TrimSpace(strings.Join(body, "\n"))
		out = append(out, *cur)
		cur = nil
	}
	return out
}
