package shard

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sumire/aidev/internal/domain"
)

// maxResultScan bounds how much trailing output is searched for the
// agent's structured result.
const maxResultScan = 64 << 10

var resultKeys = []string{"success", "pr_url", "needs_clarification", "questions"}

// ParseResult extracts the last JSON object in output that carries at least
// one result key. Fenced json blocks are preferred over bare objects.
func ParseResult(output string) (domain.RunResult, bool) {
	if len(output) > maxResultScan {
		output = output[len(output)-maxResultScan:]
	}

	if r, ok := parseFenced(output); ok {
		return r, true
	}
	return parseBare(output)
}

func parseFenced(output string) (domain.RunResult, bool) {
	const open = "```json"
	for end := len(output); end > 0; {
		start := strings.LastIndex(output[:end], open)
		if start < 0 {
			break
		}
		body := output[start+len(open):]
		if stop := strings.Index(body, "```"); stop >= 0 {
			body = body[:stop]
		}
		if r, ok := decodeResult([]byte(strings.TrimSpace(body))); ok {
			return r, true
		}
		end = start
	}
	return domain.RunResult{}, false
}

func parseBare(output string) (domain.RunResult, bool) {
	data := []byte(output)
	for i := bytes.LastIndexByte(data, '{'); i >= 0; i = bytes.LastIndexByte(data[:i], '{') {
		dec := json.NewDecoder(bytes.NewReader(data[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		if r, ok := decodeResult(raw); ok {
			return r, true
		}
	}
	return domain.RunResult{}, false
}

func decodeResult(data []byte) (domain.RunResult, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.RunResult{}, false
	}

	found := false
	for _, k := range resultKeys {
		if _, ok := fields[k]; ok {
			found = true
			break
		}
	}
	if !found {
		return domain.RunResult{}, false
	}

	var r domain.RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.RunResult{}, false
	}
	return r, true
}
