package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBudget marks a budget with a zero or negative limit.
	ErrInvalidBudget = errors.New("invalid orchestrator budget")

	// ErrNoPlanSteps is returned when the planner answered without any
	// numbered step.
	ErrNoPlanSteps = errors.New("planner response did not include numbered steps")

	// ErrUnknownRole marks a route reference to a role the table does not
	// define.
	ErrUnknownRole = errors.New("unknown role")
)

// Budget violation reasons, also used as trace reasons.
const (
	ReasonPlanStepCount       = "plan_step_count_budget_exceeded"
	ReasonDelegatedStepCount  = "delegated_step_count_budget_exceeded"
	ReasonEmptyOutput         = "empty_output"
	ReasonStepResponseBudget  = "delegated_step_response_budget_exceeded"
	ReasonTotalResponseBudget = "delegated_total_response_budget_exceeded"
	ReasonFinalResponseBudget = "executor_response_budget_exceeded"
)

// BudgetError is a deterministic, locally detected limit violation. It is
// never retried.
type BudgetError struct {
	Phase    Phase
	Step     int // 1-based; 0 when the violation is not tied to a step
	Measured int
	Limit    int
	Reason   string
}

func (e *BudgetError) Error() string {
	switch e.Reason {
	case ReasonPlanStepCount:
		return fmt.Sprintf("planner produced %d steps (max allowed %d)", e.Measured, e.Limit)
	case ReasonDelegatedStepCount:
		return fmt.Sprintf("delegated step budget exceeded (steps %d > max %d)", e.Measured, e.Limit)
	case ReasonEmptyOutput:
		if e.Phase == PhaseDelegatedStep {
			return fmt.Sprintf("delegated step %d produced no text output", e.Step)
		}
		return fmt.Sprintf("%s produced no text output", e.Phase)
	case ReasonStepResponseBudget:
		return fmt.Sprintf("delegated step %d response exceeded budget (chars %d > max %d)", e.Step, e.Measured, e.Limit)
	case ReasonTotalResponseBudget:
		return fmt.Sprintf("delegated responses exceeded cumulative budget (chars %d > max %d)", e.Measured, e.Limit)
	case ReasonFinalResponseBudget:
		return fmt.Sprintf("%s response exceeded budget (chars %d > max %d)", e.Phase, e.Measured, e.Limit)
	}
	return fmt.Sprintf("%s budget violation: %s (%d > %d)", e.Phase, e.Reason, e.Measured, e.Limit)
}

// RouteExhaustedError is returned when no role in a phase's candidate chain
// produced a completed turn.
type RouteExhaustedError struct {
	Phase    Phase
	Role     string // last role attempted
	Attempts int
	Err      error
}

func (e *RouteExhaustedError) Error() string {
	return fmt.Sprintf("%s route exhausted after role '%s': %v", e.Phase, e.Role, e.Err)
}

func (e *RouteExhaustedError) Unwrap() error { return e.Err }

// RouteConfigError reports an invalid route table.
type RouteConfigError struct {
	Source string
	Field  string
	Role   string
	Err    error
}

func (e *RouteConfigError) Error() string {
	switch {
	case e.Field != "" && e.Role != "":
		return fmt.Sprintf("route table %s: %s: %v '%s'", e.Source, e.Field, e.Err, e.Role)
	case e.Field != "":
		return fmt.Sprintf("route table %s: %s: %v", e.Source, e.Field, e.Err)
	}
	return fmt.Sprintf("route table %s: %v", e.Source, e.Err)
}

func (e *RouteConfigError) Unwrap() error { return e.Err }
