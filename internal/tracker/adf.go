package tracker

import (
	"encoding/json"
	"strings"
)

// adfNode is the subset of Atlassian Document Format we read and write.
type adfNode struct {
	Type    string    `json:"type"`
	Version int       `json:"version,omitempty"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

// ADFDocument converts plain text to an ADF document: one paragraph per
// line, blank lines dropped.
func ADFDocument(text string) any {
	doc := adfNode{Type: "doc", Version: 1, Content: []adfNode{}}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		doc.Content = append(doc.Content, adfNode{
			Type:    "paragraph",
			Content: []adfNode{{Type: "text", Text: line}},
		})
	}
	return doc
}

// PlainText flattens an ADF document (or a legacy plain string) to text,
// one line per top-level block.
func PlainText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	var b strings.Builder
	for _, block := range doc.Content {
		writeText(&b, block)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

func writeText(b *strings.Builder, n adfNode) {
	b.WriteString(n.Text)
	if n.Type == "hardBreak" {
		b.WriteByte('\n')
	}
	for _, child := range n.Content {
		writeText(b, child)
	}
}
