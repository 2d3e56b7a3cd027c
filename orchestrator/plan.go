package orchestrator

import (
	"fmt"
	"strings"
)

// Step is one approved plan step.
type Step struct {
	Index int    `json:"index"` // 1-based
	Text  string `json:"text"`
}

// ParsePlan extracts steps from planner output. Lines of the form "<n>. text"
// or "<n>) text" become steps in line order; the numerals themselves are
// ignored. Other lines are dropped. Input consisting of exactly one
// unnumbered line is taken as a single step.
func ParsePlan(raw string) []Step {
	var steps []Step
	var loose []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		text, numbered := numberedStepText(trimmed)
		if !numbered {
			loose = append(loose, trimmed)
			continue
		}
		if text == "" {
			continue
		}
		steps = append(steps, Step{Index: len(steps) + 1, Text: text})
	}
	if len(steps) == 0 && len(loose) == 1 {
		steps = []Step{{Index: 1, Text: loose[0]}}
	}
	return steps
}

// numberedStepText strips a "<digits>." or "<digits>)" prefix.
func numberedStepText(line string) (string, bool) {
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return "", false
	}
	rest := strings.TrimLeft(line[digits:], " \t")
	if !strings.HasPrefix(rest, ".") && !strings.HasPrefix(rest, ")") {
		return "", false
	}
	return strings.TrimSpace(rest[1:]), true
}

// RenderSteps formats steps as "n. text" lines numbered by position.
func RenderSteps(steps []Step) string {
	lines := make([]string, len(steps))
	for i, s := range steps {
		lines[i] = fmt.Sprintf("%d. %s", i+1, s.Text)
	}
	return strings.Join(lines, "\n")
}

