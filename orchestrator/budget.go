package orchestrator

import (
	"fmt"
	"unicode/utf8"
)

// Budget holds the per-invocation limits of the plan-first pipeline. Every
// field must be positive.
type Budget struct {
	MaxPlanSteps                   int `json:"max_plan_steps" mapstructure:"max_plan_steps"`
	MaxDelegatedSteps              int `json:"max_delegated_steps" mapstructure:"max_delegated_steps"`
	MaxExecutorResponseChars       int `json:"max_executor_response_chars" mapstructure:"max_executor_response_chars"`
	MaxDelegatedStepResponseChars  int `json:"max_delegated_step_response_chars" mapstructure:"max_delegated_step_response_chars"`
	MaxDelegatedTotalResponseChars int `json:"max_delegated_total_response_chars" mapstructure:"max_delegated_total_response_chars"`
}

// DefaultBudget returns the CLI defaults.
func DefaultBudget() Budget {
	return Budget{
		MaxPlanSteps:                   8,
		MaxDelegatedSteps:              8,
		MaxExecutorResponseChars:       20000,
		MaxDelegatedStepResponseChars:  20000,
		MaxDelegatedTotalResponseChars: 160000,
	}
}

// Validate rejects zero and negative limits.
func (b Budget) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"max_plan_steps", b.MaxPlanSteps},
		{"max_delegated_steps", b.MaxDelegatedSteps},
		{"max_executor_response_chars", b.MaxExecutorResponseChars},
		{"max_delegated_step_response_chars", b.MaxDelegatedStepResponseChars},
		{"max_delegated_total_response_chars", b.MaxDelegatedTotalResponseChars},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("%w: %s must be greater than 0 (got %d)", ErrInvalidBudget, c.name, c.value)
		}
	}
	return nil
}

// responseChars counts characters, not bytes.
func responseChars(text string) int {
	return utf8.RuneCountInString(text)
}
