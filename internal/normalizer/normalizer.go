// Package normalizer implements the RunnerEventNormalizer (§4.6): text-delta
// accumulation, per-tool parameter formatting, result rendering with
// truncation, MCP tool-name rendering, and final-marker stripping.
package normalizer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cyrus-run/cyrus/internal/common/constants"
)

// finalMarker is the sentinel token stripped from the start of a final
// message before posting (§4.6).
const finalMarker = "___LAST_MESSAGE_MARKER___"

// Normalizer accumulates streamed text per part id and flushes exactly once
// per part id, per §4.6's text-accumulation rule. Runners emit cumulative
// snapshots (each delta is the full text so far for that part id), so the
// latest delta simply replaces the buffered value rather than appending.
type Normalizer struct {
	partID  string
	latest  string
	hasText bool
}

// New creates an empty Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Accumulate records the latest cumulative snapshot for partID. It returns a
// flushed string and true if flushing is triggered by this call (a different
// part id arriving), or ("", false) if the snapshot was merely buffered.
func (n *Normalizer) Accumulate(partID, delta string) (string, bool) {
	if n.hasText && partID != n.partID {
		flushed := n.latest
		n.latest = delta
		n.partID = partID
		n.hasText = true
		return flushed, true
	}
	n.partID = partID
	n.hasText = true
	n.latest = delta
	return "", false
}

// Flush forces emission of any buffered text, e.g. on a non-text event or
// session completion (§4.6).
func (n *Normalizer) Flush() (string, bool) {
	if !n.hasText || n.latest == "" {
		n.hasText = false
		n.latest = ""
		return "", false
	}
	out := n.latest
	n.latest = ""
	n.hasText = false
	return out, true
}

// StripFinalMarker removes a leading ___LAST_MESSAGE_MARKER___ sentinel,
// reporting whether it was present (§4.6).
func StripFinalMarker(text string) (string, bool) {
	if strings.HasPrefix(text, finalMarker) {
		return strings.TrimPrefix(text, finalMarker), true
	}
	return text, false
}

// RenderToolName renders an MCP tool name (mcp_{server}_{tool}) as
// "Server: Tool Words" (§4.6); non-MCP names pass through unchanged.
func RenderToolName(name string) string {
	const prefix = "mcp_"
	if !strings.HasPrefix(name, prefix) {
		return name
	}
	rest := strings.TrimPrefix(name, prefix)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return name
	}
	server := titleCase(parts[0])
	tool := titleCase(strings.ReplaceAll(parts[1], "_", " "))
	return fmt.Sprintf("%s: %s", server, tool)
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "-", " "))
	for i, w := range words {
		if len(w) == 0 {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatParams renders a tool's input into a single-line parameter string
// (§4.6). Unknown tools fall back to compact JSON.
func FormatParams(toolName string, input map[string]any) string {
	switch toolName {
	case "Read":
		path, _ := input["file_path"].(string)
		if path == "" {
			path, _ = input["path"].(string)
		}
		if offset, ok := numberField(input, "offset"); ok {
			if limit, ok2 := numberField(input, "limit"); ok2 {
				return fmt.Sprintf("%s (lines %d-%d)", path, offset, offset+limit)
			}
		}
		return path
	case "Bash":
		cmd, _ := input["command"].(string)
		if desc, ok := input["description"].(string); ok && desc != "" {
			return fmt.Sprintf("%s (%s)", cmd, desc)
		}
		return cmd
	case "Grep", "Glob":
		pattern, _ := input["pattern"].(string)
		path, _ := input["path"].(string)
		if path != "" {
			return fmt.Sprintf("`%s` in %s", pattern, path)
		}
		return fmt.Sprintf("`%s`", pattern)
	case "TodoWrite":
		return formatTodos(input)
	default:
		return compactJSON(input)
	}
}

func numberField(input map[string]any, key string) (int, bool) {
	v, ok := input[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func formatTodos(input map[string]any) string {
	raw, ok := input["todos"].([]any)
	if !ok {
		return compactJSON(input)
	}
	var lines []string
	for _, item := range raw {
		todo, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, _ := todo["content"].(string)
		status, _ := todo["status"].(string)
		glyph := "⏳"
		switch status {
		case "completed":
			glyph = "✅"
		case "in_progress":
			glyph = "🔄"
		}
		lines = append(lines, fmt.Sprintf("%s %s", glyph, content))
	}
	return strings.Join(lines, "\n")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// languageForPath infers a fenced-code-block language tag from a file extension.
func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".sh":
		return "bash"
	case ".sql":
		return "sql"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}

// FormatResult renders a tool result as a fenced code block, truncating per
// §4.6's 10,000-char cap with an 80%-of-cap floor for the cut point.
func FormatResult(path string, output string) string {
	truncated, wasTruncated := truncate(output, constants.MaxActivityBodyChars, constants.TruncationFloorRatio)
	lang := languageForPath(path)
	body := fmt.Sprintf("```%s\n%s\n```", lang, truncated)
	if wasTruncated {
		body += "\n… (truncated)"
	}
	return body
}

func truncate(s string, max int, floorRatio float64) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	floor := int(float64(max) * floorRatio)
	cut := strings.LastIndex(s[:max], "\n")
	if cut < floor {
		cut = max
	}
	return s[:cut], true
}

// FormatDiff reconstructs a unified diff from an edit's old/new strings
// (§4.6). It is a minimal line-based diff sufficient for narrative rendering,
// not a general-purpose diff algorithm.
func FormatDiff(path, oldString, newString string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)
	for _, line := range strings.Split(oldString, "\n") {
		fmt.Fprintf(&b, "-%s\n", line)
	}
	for _, line := range strings.Split(newString, "\n") {
		fmt.Fprintf(&b, "+%s\n", line)
	}
	return b.String()
}
