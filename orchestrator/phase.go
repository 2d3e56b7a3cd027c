package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/martinemde/tau/agentloop"
	"github.com/martinemde/tau/unifiedllm"
)

const instrumentationScope = "github.com/martinemde/tau/orchestrator"

// Phase names one stage of the plan-first pipeline.
type Phase string

const (
	PhasePlanner       Phase = "planner"
	PhaseDelegatedStep Phase = "delegated-step"
	PhaseExecutor      Phase = "executor"
	PhaseConsolidation Phase = "consolidation"
)

// Route returns the route table target serving the phase. Direct execution
// runs under the delegated target, consolidation under review.
func (p Phase) Route() RoutePhase {
	switch p {
	case PhasePlanner:
		return RoutePlanner
	case PhaseConsolidation:
		return RouteReview
	}
	return RouteDelegated
}

// RetryClassifier reports whether a failed attempt may move on to the next
// role in the chain.
type RetryClassifier func(error) bool

// DefaultRetryClassifier defers to unifiedllm.IsRetryable, except that
// conversation ownership errors never retry: another role would hit the
// same open turn.
func DefaultRetryClassifier(err error) bool {
	if errors.Is(err, agentloop.ErrTurnInProgress) || errors.Is(err, agentloop.ErrTranscriptSealed) {
		return false
	}
	return unifiedllm.IsRetryable(err)
}

// PhaseRequest describes one phase run.
type PhaseRequest struct {
	Phase Phase
	// StepText selects a delegated category; StepIndex is 1-based and only
	// recorded in traces.
	StepText  string
	StepIndex int
	Prompt    string
	Render    RenderOptions
}

// PhaseResult is the outcome of a phase that did not error.
type PhaseResult struct {
	Status PromptRunStatus
	// Text is the latest assistant text of the completed turn.
	Text     string
	Role     string
	Category string
	Attempts int
}

// PhaseRunner runs one phase across its role chain.
type PhaseRunner struct {
	exec     PromptExecutor
	table    *RouteTable
	sink     TraceSink
	classify RetryClassifier
	logger   *zap.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	now      func() time.Time
	runID    string
}

// PhaseOption configures a PhaseRunner.
type PhaseOption func(*PhaseRunner)

// WithTraceSink adds a destination for route trace records. Repeated use
// fans records out to every sink given.
func WithTraceSink(s TraceSink) PhaseOption {
	return func(p *PhaseRunner) {
		if s == nil {
			return
		}
		switch cur := p.sink.(type) {
		case nopTraceSink:
			p.sink = s
		case MultiTraceSink:
			p.sink = append(cur, s)
		default:
			p.sink = MultiTraceSink{cur, s}
		}
	}
}

// WithRetryClassifier replaces DefaultRetryClassifier.
func WithRetryClassifier(fn RetryClassifier) PhaseOption {
	return func(p *PhaseRunner) {
		if fn != nil {
			p.classify = fn
		}
	}
}

func WithPhaseLogger(l *zap.Logger) PhaseOption {
	return func(p *PhaseRunner) { p.logger = l }
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) PhaseOption {
	return func(p *PhaseRunner) { p.tracer = t }
}

// WithMeter sets the meter that owns the tau.orchestrator.attempts counter.
func WithMeter(m metric.Meter) PhaseOption {
	return func(p *PhaseRunner) { p.attempts = newAttemptCounter(m) }
}

func NewPhaseRunner(exec PromptExecutor, table *RouteTable, opts ...PhaseOption) *PhaseRunner {
	if table == nil {
		table = DefaultRouteTable()
	}
	p := &PhaseRunner{
		exec:     exec,
		table:    table,
		sink:     nopTraceSink{},
		classify: DefaultRetryClassifier,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationScope),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.attempts == nil {
		p.attempts = newAttemptCounter(otel.Meter(instrumentationScope))
	}
	return p
}

func newAttemptCounter(m metric.Meter) metric.Int64Counter {
	c, err := m.Int64Counter("tau.orchestrator.attempts",
		metric.WithDescription("Phase attempts by decision"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		c, _ = otel.Meter(instrumentationScope).Int64Counter("tau.orchestrator.attempts")
	}
	return c
}

// Run executes req under each role of its candidate chain until one
// completes. A retriable error moves to the next role; a non-retriable error
// or the last role's error ends the phase with *RouteExhaustedError.
// Cancellation and timeout end the phase at once with that status and no
// error; they are never retried under another role. A completed turn with
// no assistant text is rejected with an empty_output *BudgetError.
func (p *PhaseRunner) Run(ctx context.Context, conv *agentloop.Conversation, req PhaseRequest, base RunOptions) (PhaseResult, error) {
	route := req.Phase.Route()
	chain, category, err := p.table.CandidateChain(route, req.StepText)
	if err != nil {
		return PhaseResult{}, err
	}

	p.emit(req, category, RouteTraceRecord{
		Event:    EventRouteSelected,
		Role:     chain[0],
		Decision: DecisionAccept,
		Detail:   strings.Join(chain[1:], ","),
	})

	var lastErr error
	for i, role := range chain {
		profile := p.table.Profile(role)
		attempt := intPtr(i + 1)
		total := intPtr(len(chain))
		p.emit(req, category, RouteTraceRecord{
			Event:        EventAttemptStart,
			Role:         role,
			AttemptIndex: attempt,
			AttemptTotal: total,
			Detail:       fmt.Sprintf("model_hint=%s;tool_policy_preset=%s", orInherit(profile.Model), orInherit(profile.ToolPolicyPreset)),
		})

		opts := base
		opts.Render = req.Render
		if profile.Model != "" {
			opts.Model = profile.Model
		}
		if profile.ToolPolicyPreset != "" {
			opts.ToolPreset = profile.ToolPolicyPreset
		}

		attemptCtx, span := p.tracer.Start(ctx, "orchestrator.attempt", trace.WithAttributes(
			attribute.String("tau.phase", string(req.Phase)),
			attribute.String("tau.role", role),
			attribute.Int("tau.attempt", i+1),
			attribute.Int("tau.step", req.StepIndex),
		))
		before := conv.Len()
		status, runErr := p.exec.Run(attemptCtx, conv, BuildRolePrompt(req.Prompt, req.Phase, role, profile), opts)

		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
			span.End()
			lastErr = runErr

			if i+1 < len(chain) && p.classify(runErr) {
				p.count(ctx, req.Phase, DecisionRetry)
				p.emit(req, category, RouteTraceRecord{
					Event:        EventFallback,
					Role:         role,
					AttemptIndex: attempt,
					AttemptTotal: total,
					Decision:     DecisionRetry,
					Reason:       "prompt_execution_error",
					Detail:       fmt.Sprintf("next_role=%s error=%s", chain[i+1], flatten(runErr.Error())),
				})
				continue
			}

			p.count(ctx, req.Phase, DecisionExhausted)
			p.emit(req, category, RouteTraceRecord{
				Event:        EventFallback,
				Role:         role,
				AttemptIndex: attempt,
				AttemptTotal: total,
				Decision:     DecisionExhausted,
				Reason:       "prompt_execution_error_exhausted",
				Detail:       "error=" + flatten(runErr.Error()),
			})
			return PhaseResult{}, &RouteExhaustedError{Phase: req.Phase, Role: role, Attempts: i + 1, Err: lastErr}
		}

		span.SetAttributes(attribute.String("tau.status", status.String()))
		span.End()
		if status != StatusCompleted {
			p.count(ctx, req.Phase, status.String())
			return PhaseResult{Status: status, Role: role, Category: category, Attempts: i + 1}, nil
		}

		msgs := conv.Messages()
		text := agentloop.LatestAssistantText(msgs[min(before, len(msgs)):])
		if strings.TrimSpace(text) == "" {
			p.count(ctx, req.Phase, DecisionReject)
			p.emit(req, category, RouteTraceRecord{
				Event:         EventAttemptComplete,
				Role:          role,
				AttemptIndex:  attempt,
				AttemptTotal:  total,
				Decision:      DecisionReject,
				Reason:        ReasonEmptyOutput,
				ResponseChars: intPtr(0),
			})
			be := &BudgetError{Phase: req.Phase, Reason: ReasonEmptyOutput}
			if req.Phase == PhaseDelegatedStep {
				be.Step = req.StepIndex
			}
			return PhaseResult{}, be
		}
		p.count(ctx, req.Phase, DecisionSuccess)
		p.emit(req, category, RouteTraceRecord{
			Event:         EventSuccess,
			Role:          role,
			AttemptIndex:  attempt,
			AttemptTotal:  total,
			Decision:      DecisionSuccess,
			ResponseChars: intPtr(responseChars(text)),
		})
		return PhaseResult{Status: StatusCompleted, Text: text, Role: role, Category: category, Attempts: i + 1}, nil
	}

	// Unreachable: a chain always holds its primary role.
	return PhaseResult{}, &RouteExhaustedError{Phase: req.Phase, Role: chain[len(chain)-1], Attempts: len(chain), Err: lastErr}
}

func (p *PhaseRunner) count(ctx context.Context, phase Phase, decision string) {
	p.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("decision", decision),
	))
}

func (p *PhaseRunner) emit(req PhaseRequest, category string, rec RouteTraceRecord) {
	rec.RecordType = RouteTraceRecordType
	rec.SchemaVersion = RouteTraceSchemaVersion
	rec.TimestampUnixMs = p.now().UnixMilli()
	rec.Mode = traceMode
	rec.RunID = p.runID
	rec.Phase = req.Phase
	rec.Category = category
	if req.StepIndex > 0 {
		rec.StepIndex = intPtr(req.StepIndex)
	}

	fields := []zap.Field{
		zap.String("phase", string(rec.Phase)),
		zap.String("event", rec.Event),
		zap.String("role", rec.Role),
	}
	if rec.Category != "" {
		fields = append(fields, zap.String("category", rec.Category))
	}
	if rec.StepIndex != nil {
		fields = append(fields, zap.Int("step", *rec.StepIndex))
	}
	if rec.AttemptIndex != nil {
		fields = append(fields, zap.String("attempt", fmt.Sprintf("%d/%d", *rec.AttemptIndex, *rec.AttemptTotal)))
	}
	if rec.Decision != "" {
		fields = append(fields, zap.String("decision", rec.Decision))
	}
	if rec.Reason != "" {
		fields = append(fields, zap.String("reason", rec.Reason))
	}
	if rec.Detail != "" {
		fields = append(fields, zap.String("detail", rec.Detail))
	}
	p.logger.Info("orchestrator trace", fields...)
	p.sink.Record(rec)
}

// withRunID returns a shallow copy stamping traces with id.
func (p *PhaseRunner) withRunID(id string) *PhaseRunner {
	cp := *p
	cp.runID = id
	return &cp
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
