package agentloop

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/tau/unifiedllm"
)

func TestTruncateCharsMiddle(t *testing.T) {
	out := truncateChars(strings.Repeat("a", 10)+strings.Repeat("b", 10), 10, false)
	assert.True(t, strings.HasPrefix(out, "aaaaa\n"))
	assert.True(t, strings.HasSuffix(out, "\nbbbbb"))
	assert.Contains(t, out, "10 characters were removed from the middle")
}

func TestTruncateCharsKeepEndIsRuneSafe(t *testing.T) {
	out := truncateChars("héllo wörld", 5, true)
	assert.True(t, strings.HasSuffix(out, "\n\nwörld"))
	assert.Contains(t, out, "First 6 characters were removed")
}

func TestTruncateUnderLimit(t *testing.T) {
	assert.Equal(t, "short", truncateChars("short", 100, false))
	assert.Equal(t, "short", truncateChars("short", 0, false))
	assert.Equal(t, "a\nb", truncateLines("a\nb", 2))
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	out := truncateLines(strings.Join(lines, "\n"), 4)
	assert.Equal(t, "a\nb\n[... 6 lines omitted ...]\ni\nj", out)
}

func TestOutputLimitFor(t *testing.T) {
	assert.Equal(t, OutputLimit{Chars: 20000, Lines: 200, KeepEnd: true}, OutputLimitFor("grep", nil, nil))
	assert.Equal(t, OutputLimit{Chars: 10, Lines: 0, KeepEnd: true}, OutputLimitFor("grep", map[string]int{"grep": 10}, map[string]int{"grep": 0}))
	assert.Equal(t, fallbackOutputLimit, OutputLimitFor("unknown_tool", nil, nil))
}

func TestTruncateToolOutputOverrides(t *testing.T) {
	long := strings.Repeat("x", 100)
	out := TruncateToolOutput(long, "grep", map[string]int{"grep": 10}, nil)
	assert.True(t, strings.HasSuffix(out, strings.Repeat("x", 10)))
	assert.Equal(t, long, TruncateToolOutput(long, "unknown_tool", nil, nil))
}

func TestDetectLoop(t *testing.T) {
	call := func(name, args string) Message {
		return AssistantMessage("", unifiedllm.ToolCall{Name: name, Arguments: json.RawMessage(args)})
	}

	repeating := []Message{call("a", `{}`), call("b", `{}`), call("a", `{}`), call("b", `{}`)}
	assert.True(t, DetectLoop(repeating, 4))

	varied := []Message{call("a", `{"x":1}`), call("a", `{"x":2}`), call("a", `{"x":3}`), call("a", `{"x":4}`)}
	assert.False(t, DetectLoop(varied, 4))

	assert.False(t, DetectLoop(repeating, 3), "period 2 does not divide a window of 3")
	assert.False(t, DetectLoop(repeating, 10), "not enough calls for the window")
	assert.False(t, DetectLoop(repeating, 0), "window 0 disables detection")
}
