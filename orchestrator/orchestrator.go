package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/martinemde/tau/agentloop"
)

// Config is fixed for the lifetime of an Orchestrator.
type Config struct {
	Budget        Budget
	DelegateSteps bool
	// PolicyContext is handed to every delegated step. Empty means
	// LegacyPolicyContext.
	PolicyContext string
	// TurnTimeout applies to each executor call separately.
	TurnTimeout time.Duration
	// Render is used for the final phase only; planner and delegated turns
	// are never rendered.
	Render RenderOptions
}

// Result describes a pipeline run that did not fail.
type Result struct {
	RunID  string
	Status PromptRunStatus
	// Phase is the phase that was running when the run stopped.
	Phase        Phase
	FinalText    string
	Steps        []Step
	StepOutputs  []string
	CoveredSteps int
}

// Orchestrator runs the plan-first pipeline: a planner turn, then either a
// direct execution turn or one turn per plan step followed by a
// consolidation turn.
type Orchestrator struct {
	cfg       Config
	phases    *PhaseRunner
	phaseOpts []PhaseOption
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPhaseOptions configures the PhaseRunner built by New.
func WithPhaseOptions(opts ...PhaseOption) Option {
	return func(o *Orchestrator) { o.phaseOpts = append(o.phaseOpts, opts...) }
}

// New returns an orchestrator running phases through exec under table.
func New(exec PromptExecutor, table *RouteTable, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationScope),
	}
	for _, opt := range opts {
		opt(o)
	}
	phaseOpts := append([]PhaseOption{WithPhaseLogger(o.logger)}, o.phaseOpts...)
	o.phases = NewPhaseRunner(exec, table, phaseOpts...)
	return o
}

// Run drives one prompt through the pipeline. Closing cancel, or cancelling
// ctx, interrupts the running phase; the result then carries
// StatusCancelled (or StatusTimedOut) and a nil error, and no later phase
// runs. Every failure is returned as an error prefixed with
// "plan-first orchestrator failed:".
func (o *Orchestrator) Run(ctx context.Context, conv *agentloop.Conversation, prompt string, cancel <-chan struct{}) (*Result, error) {
	if err := o.cfg.Budget.Validate(); err != nil {
		return nil, fail(err)
	}

	res := &Result{RunID: uuid.NewString()}
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("tau.run_id", res.RunID),
		attribute.Bool("tau.delegate_steps", o.cfg.DelegateSteps),
	))
	defer span.End()

	log := o.logger.With(zap.String("run_id", res.RunID))
	phases := o.phases.withRunID(res.RunID)
	base := RunOptions{Timeout: o.cfg.TurnTimeout, Cancel: cancel}

	err := o.run(ctx, conv, prompt, phases, base, res, log)
	span.SetAttributes(
		attribute.String("tau.status", res.Status.String()),
		attribute.String("tau.phase", string(res.Phase)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("orchestrator aborted", zap.String("phase", string(res.Phase)), zap.Error(err))
		return nil, fail(err)
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, conv *agentloop.Conversation, prompt string, phases *PhaseRunner, base RunOptions, res *Result, log *zap.Logger) error {
	budget := o.cfg.Budget

	res.Phase = PhasePlanner
	planned, err := phases.Run(ctx, conv, PhaseRequest{
		Phase:  PhasePlanner,
		Prompt: plannerPrompt(prompt, budget.MaxPlanSteps),
	}, base)
	if err != nil {
		return err
	}
	if planned.Status != StatusCompleted {
		res.Status = planned.Status
		return nil
	}

	steps := ParsePlan(planned.Text)
	if len(steps) == 0 {
		return ErrNoPlanSteps
	}
	if len(steps) > budget.MaxPlanSteps {
		return &BudgetError{Phase: PhasePlanner, Measured: len(steps), Limit: budget.MaxPlanSteps, Reason: ReasonPlanStepCount}
	}
	res.Steps = steps
	log.Info("orchestrator trace", zap.String("phase", "planner"), zap.Int("approved_steps", len(steps)), zap.Int("max_steps", budget.MaxPlanSteps))

	var final PhaseRequest
	if o.cfg.DelegateSteps {
		outputs, status, err := o.runDelegated(ctx, conv, prompt, steps, phases, base, log)
		res.StepOutputs = outputs
		if err != nil {
			res.Phase = PhaseDelegatedStep
			return err
		}
		if status != StatusCompleted {
			res.Phase = PhaseDelegatedStep
			res.Status = status
			return nil
		}
		final = PhaseRequest{Phase: PhaseConsolidation, Prompt: consolidationPrompt(prompt, steps, outputs)}
	} else {
		final = PhaseRequest{Phase: PhaseExecutor, Prompt: executionPrompt(prompt, steps)}
	}
	final.Render = o.cfg.Render

	res.Phase = final.Phase
	done, err := phases.Run(ctx, conv, final, base)
	if err != nil {
		return err
	}
	if done.Status != StatusCompleted {
		res.Status = done.Status
		return nil
	}
	chars := responseChars(done.Text)
	res.CoveredSteps = CountReviewedSteps(steps, done.Text)
	log.Info("orchestrator trace",
		zap.String("phase", "review"),
		zap.Int("covered_steps", res.CoveredSteps),
		zap.Int("total_steps", len(steps)),
		zap.Int("response_chars", chars),
		zap.Int("max_response_chars", budget.MaxExecutorResponseChars),
	)
	if chars > budget.MaxExecutorResponseChars {
		return &BudgetError{Phase: final.Phase, Measured: chars, Limit: budget.MaxExecutorResponseChars, Reason: ReasonFinalResponseBudget}
	}

	res.Status = StatusCompleted
	res.FinalText = done.Text
	return nil
}

// runDelegated runs each step in order and stops at the first failure.
func (o *Orchestrator) runDelegated(ctx context.Context, conv *agentloop.Conversation, prompt string, steps []Step, phases *PhaseRunner, base RunOptions, log *zap.Logger) ([]string, PromptRunStatus, error) {
	budget := o.cfg.Budget
	policy := strings.TrimSpace(o.cfg.PolicyContext)
	if policy == "" {
		policy = LegacyPolicyContext
	}
	if len(steps) > budget.MaxDelegatedSteps {
		return nil, StatusCompleted, &BudgetError{Phase: PhaseDelegatedStep, Measured: len(steps), Limit: budget.MaxDelegatedSteps, Reason: ReasonDelegatedStepCount}
	}
	log.Info("orchestrator trace", zap.String("phase", "executor"), zap.String("strategy", "delegated-steps"),
		zap.Int("total_steps", len(steps)), zap.Int("policy_context_chars", responseChars(policy)))

	outputs := make([]string, 0, len(steps))
	total := 0
	for _, step := range steps {
		log.Info("orchestrator trace", zap.String("phase", "delegated-step"), zap.Int("step", step.Index),
			zap.String("action", "start"), zap.String("text", flatten(step.Text)))

		r, err := phases.Run(ctx, conv, PhaseRequest{
			Phase:     PhaseDelegatedStep,
			StepText:  step.Text,
			StepIndex: step.Index,
			Prompt:    delegatedStepPrompt(prompt, steps, step, policy),
		}, base)
		if err != nil {
			return outputs, StatusCompleted, err
		}
		if r.Status != StatusCompleted {
			return outputs, r.Status, nil
		}
		chars := responseChars(r.Text)
		if chars > budget.MaxDelegatedStepResponseChars {
			return outputs, StatusCompleted, &BudgetError{Phase: PhaseDelegatedStep, Step: step.Index, Measured: chars, Limit: budget.MaxDelegatedStepResponseChars, Reason: ReasonStepResponseBudget}
		}
		total += chars
		if total > budget.MaxDelegatedTotalResponseChars {
			return outputs, StatusCompleted, &BudgetError{Phase: PhaseDelegatedStep, Step: step.Index, Measured: total, Limit: budget.MaxDelegatedTotalResponseChars, Reason: ReasonTotalResponseBudget}
		}
		outputs = append(outputs, r.Text)
		log.Info("orchestrator trace", zap.String("phase", "delegated-step"), zap.Int("step", step.Index),
			zap.String("action", "complete"), zap.String("role", r.Role),
			zap.Int("response_chars", chars), zap.Int("total_response_chars", total))
	}
	return outputs, StatusCompleted, nil
}

func fail(err error) error {
	return fmt.Errorf("plan-first orchestrator failed: %w", err)
}
