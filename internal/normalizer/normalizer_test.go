package normalizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// §8 property 5 / Scenario D: cumulative text deltas under one part id are
// accumulated and emitted once, not fragmented per character.
func TestAccumulateSamePartIDDoesNotFlushUntilDifferentPart(t *testing.T) {
	n := New()

	flushed, did := n.Accumulate("part-1", "Hel")
	assert.False(t, did)
	assert.Empty(t, flushed)

	flushed, did = n.Accumulate("part-1", "Hello")
	assert.False(t, did)
	assert.Empty(t, flushed)

	flushed, did = n.Accumulate("part-2", "World")
	assert.True(t, did)
	assert.Equal(t, "Hello", flushed)

	flushed, did = n.Flush()
	assert.True(t, did)
	assert.Equal(t, "World", flushed)
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	n := New()
	flushed, did := n.Flush()
	assert.False(t, did)
	assert.Empty(t, flushed)
}

func TestStripFinalMarker(t *testing.T) {
	stripped, had := StripFinalMarker("___LAST_MESSAGE_MARKER___done")
	assert.True(t, had)
	assert.Equal(t, "done", stripped)

	stripped, had = StripFinalMarker("no marker here")
	assert.False(t, had)
	assert.Equal(t, "no marker here", stripped)
}

func TestRenderMCPToolName(t *testing.T) {
	assert.Equal(t, "Github: Create Issue", RenderToolName("mcp_github_create_issue"))
	assert.Equal(t, "Bash", RenderToolName("Bash"))
}

func TestFormatParamsRead(t *testing.T) {
	out := FormatParams("Read", map[string]any{"file_path": "main.go", "offset": float64(10), "limit": float64(20)})
	assert.Equal(t, "main.go (lines 10-30)", out)
}

func TestFormatParamsBashWithDescription(t *testing.T) {
	out := FormatParams("Bash", map[string]any{"command": "go test ./...", "description": "run tests"})
	assert.Equal(t, "go test ./... (run tests)", out)
}

func TestFormatParamsGrepWithPath(t *testing.T) {
	out := FormatParams("Grep", map[string]any{"pattern": "TODO", "path": "internal/"})
	assert.Equal(t, "`TODO` in internal/", out)
}

func TestFormatParamsTodoWriteGlyphs(t *testing.T) {
	out := FormatParams("TodoWrite", map[string]any{
		"todos": []any{
			map[string]any{"content": "write tests", "status": "completed"},
			map[string]any{"content": "ship it", "status": "in_progress"},
			map[string]any{"content": "celebrate", "status": "pending"},
		},
	})
	assert.Equal(t, "✅ write tests\n🔄 ship it\n⏳ celebrate", out)
}

func TestFormatParamsUnknownToolFallsBackToJSON(t *testing.T) {
	out := FormatParams("CustomTool", map[string]any{"foo": "bar"})
	assert.Equal(t, `{"foo":"bar"}`, out)
}

func TestFormatResultInfersLanguageAndFences(t *testing.T) {
	out := FormatResult("main.go", "package main")
	assert.True(t, strings.HasPrefix(out, "```go\n"))
	assert.Contains(t, out, "package main")
}

func TestFormatResultTruncatesLongOutput(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 2000; i++ {
		b.WriteString("the quick brown fox jumps\n")
	}
	out := FormatResult("out.txt", b.String())
	assert.Contains(t, out, "… (truncated)")
	assert.Less(t, len(out), b.Len())
}

func TestFormatDiffRendersUnifiedShape(t *testing.T) {
	out := FormatDiff("file.go", "old line", "new line")
	assert.True(t, strings.HasPrefix(out, "--- file.go\n+++ file.go\n"))
	assert.Contains(t, out, "-old line")
	assert.Contains(t, out, "+new line")
}
