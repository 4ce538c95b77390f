package shard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResultFencedBlock(t *testing.T) {
	out := "Working...\nDone.\n```json\n{\"success\": true, \"pr_url\": \"https://github.com/acme/app/pull/4\", \"pr_number\": 4, \"files_changed\": [\"a.go\"]}\n```\n"

	r, ok := ParseResult(out)
	require.True(t, ok)
	assert.True(t, r.Success)
	assert.Equal(t, "https://github.com/acme/app/pull/4", r.PRURL)
	assert.Equal(t, 4, r.PRNumber)
	assert.Equal(t, []string{"a.go"}, r.FilesChanged)
}

func TestParseResultLastObjectWins(t *testing.T) {
	out := `{"success": false, "reason": "first"}
some logs {"unrelated": 1}
{"needs_clarification": true, "questions": ["Which API?", "Which page?"]}`

	r, ok := ParseResult(out)
	require.True(t, ok)
	assert.True(t, r.NeedsClarification)
	assert.Equal(t, []string{"Which API?", "Which page?"}, r.Questions)
}

func TestParseResultIgnoresUnrelatedJSON(t *testing.T) {
	_, ok := ParseResult(`log line {"level":"info"} and {"count": 3}`)
	assert.False(t, ok)

	_, ok = ParseResult("no json here")
	assert.False(t, ok)
}

func TestParseResultScansOnlyTail(t *testing.T) {
	out := `{"success": true}` + strings.Repeat("x", maxResultScan+10)
	_, ok := ParseResult(out)
	assert.False(t, ok)
}
