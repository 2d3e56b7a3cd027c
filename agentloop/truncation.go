package agentloop

import (
	"fmt"
	"strings"
)

// OutputLimit bounds the tool output a model gets to see. The event stream
// always carries the full output.
type OutputLimit struct {
	// Chars is a rune budget; 0 disables it.
	Chars int
	// Lines applies after Chars; 0 disables it.
	Lines int
	// KeepEnd drops the start of oversized output instead of its middle.
	KeepEnd bool
}

var defaultOutputLimits = map[string]OutputLimit{
	"read_file":  {Chars: 50000},
	"shell":      {Chars: 30000, Lines: 256},
	"grep":       {Chars: 20000, Lines: 200, KeepEnd: true},
	"glob":       {Chars: 20000, Lines: 500, KeepEnd: true},
	"edit_file":  {Chars: 10000, KeepEnd: true},
	"write_file": {Chars: 1000, KeepEnd: true},
}

var fallbackOutputLimit = OutputLimit{Chars: 30000}

// OutputLimitFor returns tool's limit with per-tool overrides applied.
func OutputLimitFor(tool string, chars, lines map[string]int) OutputLimit {
	l, ok := defaultOutputLimits[tool]
	if !ok {
		l = fallbackOutputLimit
	}
	if n, ok := chars[tool]; ok {
		l.Chars = n
	}
	if n, ok := lines[tool]; ok {
		l.Lines = n
	}
	return l
}

// Apply cuts output down to the limit, leaving a marker where text was removed.
func (l OutputLimit) Apply(output string) string {
	return truncateLines(truncateChars(output, l.Chars, l.KeepEnd), l.Lines)
}

// TruncateToolOutput applies OutputLimitFor(tool, chars, lines) to output.
func TruncateToolOutput(output, tool string, chars, lines map[string]int) string {
	return OutputLimitFor(tool, chars, lines).Apply(output)
}

func truncateChars(s string, limit int, keepEnd bool) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	cut := len(r) - limit
	if cut <= 0 {
		return s
	}
	if keepEnd {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output is available in the event stream.]\n\n", cut) + string(r[cut:])
	}
	head := limit / 2
	return string(r[:head]) + fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
		"The full output is available in the event stream. "+
		"If you need specific parts, re-run the tool with narrower parameters.]\n\n", cut) + string(r[head+cut:])
}

func truncateLines(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	cut := len(lines) - limit
	if cut <= 0 {
		return s
	}
	head := limit / 2
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", cut) +
		strings.Join(lines[head+cut:], "\n")
}
