package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/tau/unifiedllm"
)

// LLM is the model client a Session talks to. *unifiedllm.Client satisfies it.
type LLM interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	Prompt string
	// Model overrides the session model for this turn when non-empty.
	Model string
	// ToolPreset restricts which tools are offered; empty offers all.
	ToolPreset string
	// OnDelta receives streamed assistant text. Nil disables streaming.
	OnDelta func(delta string)
}

// TurnRunner runs one agent turn, appending every message it produces to tr.
// It must stop promptly once ctx is done.
type TurnRunner interface {
	RunTurn(ctx context.Context, tr *Transcript, req TurnRequest) error
}

// SessionConfig holds the limits of the tool loop.
type SessionConfig struct {
	Model               string         `json:"model"`
	Provider            string         `json:"provider,omitempty"`
	MaxToolRounds       int            `json:"max_tool_rounds"`
	MaxParallelTools    int            `json:"max_parallel_tools"`
	LoopDetectionWindow int            `json:"loop_detection_window"` // 0 disables
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
}

// DefaultSessionConfig returns the default tool loop limits.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxToolRounds:       200,
		MaxParallelTools:    4,
		LoopDetectionWindow: 10,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionConfig replaces the default configuration.
func WithSessionConfig(cfg SessionConfig) SessionOption {
	return func(s *Session) { s.config = cfg }
}

// WithTools sets the tool registry. Without it the session offers no tools.
func WithTools(reg *ToolRegistry) SessionOption {
	return func(s *Session) { s.tools = reg }
}

// WithWorkspace sets where tools act.
func WithWorkspace(ws Workspace) SessionOption {
	return func(s *Session) { s.workspace = ws }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// Session runs agent turns: it sends the conversation to the model, executes
// requested tools, and repeats until the model answers without tool calls.
type Session struct {
	id        string
	llm       LLM
	config    SessionConfig
	tools     *ToolRegistry
	workspace Workspace
	emitter   *EventEmitter
	logger    *zap.Logger
}

// NewSession creates a session backed by llm.
func NewSession(llm LLM, opts ...SessionOption) *Session {
	s := &Session{
		id:     uuid.New().String(),
		llm:    llm,
		config: DefaultSessionConfig(),
		tools:  NewToolRegistry(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workspace == nil {
		s.workspace = NewLocalWorkspace("")
	}
	s.emitter = NewEventEmitter(s.id, 256)
	s.logger = s.logger.With(zap.String("session_id", s.id))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent { return s.emitter.Events() }

// Close ends the event stream.
func (s *Session) Close() {
	s.emitter.Emit(SessionEvent{Kind: EventSessionEnd})
	if n := s.emitter.Dropped(); n > 0 {
		s.logger.Debug("session events dropped", zap.Int("count", n))
	}
	s.emitter.Close()
}

// RunTurn appends the prompt as a user message and runs the tool loop.
func (s *Session) RunTurn(ctx context.Context, tr *Transcript, req TurnRequest) error {
	if err := tr.Append(UserMessage(req.Prompt)); err != nil {
		return err
	}
	model := req.Model
	if model == "" {
		model = s.config.Model
	}
	s.emitter.Emit(SessionEvent{Kind: EventTurnStart, Model: model, ToolPreset: req.ToolPreset})
	s.emitter.Emit(SessionEvent{Kind: EventUserInput, Text: req.Prompt})

	defs := s.tools.Definitions(req.ToolPreset)
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.config.MaxToolRounds > 0 && round >= s.config.MaxToolRounds {
			s.emitter.Emit(SessionEvent{Kind: EventToolRoundLimit, Round: round})
			s.logger.Warn("tool round limit reached", zap.Int("rounds", round))
			return nil
		}

		request := unifiedllm.Request{
			Model:    model,
			Provider: s.config.Provider,
			Messages: ToLLMMessages(tr.History()),
		}
		if len(defs) > 0 {
			request.ToolDefs = defs
			request.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
		}

		start := time.Now()
		resp, err := s.generate(ctx, request, req.OnDelta)
		if err != nil {
			s.emitter.Emit(SessionEvent{Kind: EventError, Err: err.Error()})
			return fmt.Errorf("model request: %w", err)
		}
		calls := resp.ToolCalls()
		s.logger.Debug("model response",
			zap.String("model", resp.Model),
			zap.Int("tool_calls", len(calls)),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
			zap.Duration("elapsed", time.Since(start)))

		if err := tr.Append(AssistantMessage(resp.Text(), calls...)); err != nil {
			return err
		}
		s.emitter.Emit(SessionEvent{Kind: EventAssistantMessage, Text: resp.Text(), ToolCalls: len(calls), Round: round})

		if len(calls) == 0 {
			s.emitter.Emit(SessionEvent{Kind: EventTurnEnd, Round: round})
			return nil
		}

		results, err := s.executeToolCalls(ctx, calls, req.ToolPreset)
		if err != nil {
			return err
		}
		if err := tr.Append(results...); err != nil {
			return err
		}

		if DetectLoop(tr.Messages(), s.config.LoopDetectionWindow) {
			warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.",
				s.config.LoopDetectionWindow)
			if err := tr.Append(UserMessage(warning)); err != nil {
				return err
			}
			s.emitter.Emit(SessionEvent{Kind: EventLoopDetection, Text: warning})
			s.logger.Warn("tool call loop detected", zap.Int("window", s.config.LoopDetectionWindow))
		}
	}
}

// generate performs one model call, streaming when onDelta is set.
func (s *Session) generate(ctx context.Context, req unifiedllm.Request, onDelta func(string)) (*unifiedllm.Response, error) {
	if onDelta == nil {
		return s.llm.Complete(ctx, req)
	}

	events, err := s.llm.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.CollectStream(ctx, events, func(delta string) {
		onDelta(delta)
		s.emitter.Emit(SessionEvent{Kind: EventAssistantTextDelta, Text: delta})
	})
}

// executeToolCalls runs calls concurrently and returns their results in call
// order. Tool failures become error results; only cancellation is an error.
func (s *Session) executeToolCalls(ctx context.Context, calls []unifiedllm.ToolCall, preset string) ([]Message, error) {
	results := make([]Message, len(calls))
	var g errgroup.Group
	limit := s.config.MaxParallelTools
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = s.executeTool(ctx, call, preset)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Session) executeTool(ctx context.Context, call unifiedllm.ToolCall, preset string) Message {
	s.emitter.Emit(SessionEvent{Kind: EventToolCallStart, ToolName: call.Name, ToolCallID: call.ID})

	fail := func(msg string) Message {
		s.emitter.Emit(SessionEvent{Kind: EventToolCallEnd, ToolName: call.Name, ToolCallID: call.ID, Err: msg})
		s.logger.Debug("tool call failed", zap.String("tool", call.Name), zap.String("error", msg))
		return ToolMessage(call.ID, msg, true)
	}

	tool := s.tools.Get(call.Name)
	if tool == nil {
		return fail(fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	if !s.tools.Allowed(call.Name, preset) {
		return fail(fmt.Sprintf("Tool %s is not allowed under the %s preset", call.Name, preset))
	}

	output, err := tool.Run(ctx, call.Arguments, s.workspace)
	if err != nil {
		return fail(fmt.Sprintf("Tool error (%s): %v", call.Name, err))
	}

	// The event stream carries the full output; the model sees the truncated form.
	s.emitter.Emit(SessionEvent{Kind: EventToolCallEnd, ToolName: call.Name, ToolCallID: call.ID, Text: output})
	return ToolMessage(call.ID, TruncateToolOutput(output, call.Name, s.config.ToolOutputLimits, s.config.ToolLineLimits), false)
}
