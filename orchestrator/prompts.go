package orchestrator

import (
	"fmt"
	"strings"
)

// LegacyPolicyContext stands in for delegated policy context when none was
// configured.
const LegacyPolicyContext = "legacy_policy_context=implicit"

func plannerPrompt(userPrompt string, maxSteps int) string {
	return fmt.Sprintf("ORCHESTRATOR_PLANNER_PHASE\n"+
		"You are operating in plan-first orchestration mode.\n"+
		"Create a numbered implementation plan with at most %d steps.\n"+
		"Use exactly one line per step in the format '1. <step>'.\n"+
		"Do not execute anything.\n\n"+
		"User request:\n%s", maxSteps, userPrompt)
}

func executionPrompt(userPrompt string, steps []Step) string {
	return fmt.Sprintf("ORCHESTRATOR_EXECUTION_PHASE\n"+
		"Execute the user request using the approved plan.\n\n"+
		"Approved plan:\n%s\n\n"+
		"User request:\n%s\n\n"+
		"Provide the final response.", RenderSteps(steps), userPrompt)
}

func delegatedStepPrompt(userPrompt string, steps []Step, step Step, policyContext string) string {
	return fmt.Sprintf("ORCHESTRATOR_DELEGATED_STEP_PHASE\n"+
		"You are executing one delegated plan step in plan-first mode.\n"+
		"Focus only on the assigned step and produce useful progress for that step.\n\n"+
		"Approved plan:\n%s\n\n"+
		"Assigned step (%d of %d):\n%d. %s\n\n"+
		"User request:\n%s\n\n"+
		"Inherited execution policy (must be preserved):\n%s\n\n"+
		"Return concise output for this delegated step.",
		RenderSteps(steps), step.Index, len(steps), step.Index, step.Text, userPrompt, policyContext)
}

func consolidationPrompt(userPrompt string, steps []Step, outputs []string) string {
	sections := make([]string, len(outputs))
	for i, out := range outputs {
		sections[i] = fmt.Sprintf("Step %d output:\n%s", i+1, strings.TrimSpace(out))
	}
	return fmt.Sprintf("ORCHESTRATOR_CONSOLIDATION_PHASE\n"+
		"Synthesize a final response from delegated step outputs.\n\n"+
		"Approved plan:\n%s\n\n"+
		"Delegated outputs:\n%s\n\n"+
		"User request:\n%s\n\n"+
		"Provide the final response.", RenderSteps(steps), strings.Join(sections, "\n\n"), userPrompt)
}

// CountReviewedSteps counts steps the final text appears to address: a step
// is covered when any of its alphanumeric tokens of four or more characters
// occurs in the text, case-insensitively. Steps without such tokens must
// appear whole.
func CountReviewedSteps(steps []Step, text string) int {
	haystack := strings.ToLower(text)
	covered := 0
	for _, s := range steps {
		tokens := reviewTokens(s.Text)
		if len(tokens) == 0 {
			if strings.Contains(haystack, strings.ToLower(strings.TrimSpace(s.Text))) {
				covered++
			}
			continue
		}
		for _, tok := range tokens {
			if strings.Contains(haystack, tok) {
				covered++
				break
			}
		}
	}
	return covered
}

func reviewTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	var tokens []string
	for _, f := range fields {
		if len(f) >= 4 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
