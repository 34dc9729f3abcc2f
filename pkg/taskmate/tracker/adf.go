package tracker

import (
	"encoding/json"
	"strings"
)

// adfDoc wraps plain text in the minimal Atlassian Document Format body that
// the v3 API requires for descriptions, comments, and worklog notes.
func adfDoc(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": text},
				},
			},
		},
	}
}

// adfNode is the recursive shape of an ADF body.
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

// adfToText extracts the plain text from an ADF body. Jira sometimes returns
// bare strings in older fields, so those pass through unchanged.
func adfToText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var node adfNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	var sb strings.Builder
	collectText(&node, &sb)
	return strings.TrimSpace(sb.String())
}

func collectText(n *adfNode, sb *strings.Builder) {
	if n.Type == "text" {
		sb.WriteString(n.Text)
		return
	}
	for i := range n.Content {
		collectText(&n.Content[i], sb)
		if n.Content[i].Type == "paragraph" {
			sb.WriteString("\n")
		}
	}
}
