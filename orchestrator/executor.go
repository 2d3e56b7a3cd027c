package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/tau/agentloop"
	"github.com/martinemde/tau/unifiedllm"
)

// PromptRunStatus is the terminal classification of one executor run.
type PromptRunStatus int

const (
	StatusCompleted PromptRunStatus = iota
	StatusCancelled
	StatusTimedOut
)

func (s PromptRunStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("PromptRunStatus(%d)", int(s))
}

// RenderOptions controls where assistant text is written while a turn runs.
// A nil Out renders nothing.
type RenderOptions struct {
	Out         io.Writer
	Stream      bool
	StreamDelay time.Duration
}

// RunOptions are the per-call inputs of Executor.Run.
type RunOptions struct {
	// Timeout bounds the turn; zero disables it.
	Timeout time.Duration
	// Cancel, when closed, cancels the turn. ctx cancellation has the same
	// effect.
	Cancel <-chan struct{}
	Render RenderOptions
	// Model and ToolPreset are forwarded to the turn runner.
	Model      string
	ToolPreset string
}

// PromptExecutor runs one prompt as a single agent turn.
type PromptExecutor interface {
	Run(ctx context.Context, conv *agentloop.Conversation, prompt string, opts RunOptions) (PromptRunStatus, error)
}

// Executor runs one agent turn against a conversation, racing it against
// cancellation and an optional timeout. Anything other than a completed turn
// leaves the conversation exactly as it was before Run.
type Executor struct {
	runner agentloop.TurnRunner
	store  agentloop.Store
	logger *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStore persists the messages of every completed turn.
func WithStore(s agentloop.Store) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(runner agentloop.TurnRunner, opts ...ExecutorOption) *Executor {
	e := &Executor{runner: runner, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run appends prompt as a user message and runs one turn. It returns
// StatusCancelled or StatusTimedOut with a nil error when the turn lost the
// race; the turn's goroutine has stopped by the time Run returns. A turn
// error, or a failure to persist a completed turn, is returned as an error
// and also restores the conversation.
func (e *Executor) Run(ctx context.Context, conv *agentloop.Conversation, prompt string, opts RunOptions) (PromptRunStatus, error) {
	tr, err := conv.BeginTurn()
	if err != nil {
		return StatusCompleted, err
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	sink := newRenderSink(opts.Render)
	req := agentloop.TurnRequest{Prompt: prompt, Model: opts.Model, ToolPreset: opts.ToolPreset}
	if sink != nil {
		req.OnDelta = sink.write
	}

	done := make(chan error, 1)
	go func() {
		done <- e.runner.RunTurn(turnCtx, tr, req)
	}()

	var runErr error
	finished := false
	status := StatusCompleted
	select {
	case runErr = <-done:
		finished = true
		if runErr != nil && ctx.Err() != nil {
			status = StatusCancelled
		}
	case <-ctx.Done():
		status = StatusCancelled
	case <-opts.Cancel:
		status = StatusCancelled
	case <-timeout:
		status = StatusTimedOut
	}

	if status != StatusCompleted {
		// Seal before cancelling so nothing the turn still appends lands.
		tr.Rollback()
		cancelTurn()
		if !finished {
			<-done
		}
		sink.close("")
		e.logger.Info("turn interrupted", zap.Stringer("status", status), zap.Int("messages", conv.Len()))
		return status, nil
	}

	if runErr != nil {
		tr.Rollback()
		sink.close("")
		return StatusCompleted, runErr
	}

	if e.store != nil {
		if err := e.store.Append(tr.Messages()); err != nil {
			tr.Rollback()
			sink.close("")
			return StatusCompleted, fmt.Errorf("persist turn: %w", err)
		}
	}
	committed := tr.Commit()
	if !sink.close("\n") {
		renderBatch(opts.Render.Out, committed)
	}
	e.logger.Debug("turn completed", zap.Int("appended", len(committed)))
	return StatusCompleted, nil
}

// renderBatch prints the assistant text of a turn that streamed nothing.
func renderBatch(out io.Writer, msgs []agentloop.Message) {
	if out == nil {
		return
	}
	for _, m := range msgs {
		if m.Role == unifiedllm.RoleAssistant && strings.TrimSpace(m.Content) != "" {
			fmt.Fprintln(out, m.Content)
		}
	}
}

const renderBuffer = 256

// renderCloseGrace bounds how long close waits for the writer goroutine.
var renderCloseGrace = time.Second

// renderSink decouples streamed output from the turn. Deltas go through a
// buffered channel to a writer goroutine; once the channel is full or a
// write fails, the rest is collected and written by that goroutine in one
// batch after the channel closes. Nothing on the caller's side ever waits
// on the writer for longer than renderCloseGrace.
type renderSink struct {
	out   io.Writer
	delay time.Duration
	grace time.Duration
	ch    chan string
	hurry chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	degraded bool
	accepted bool
	pending  strings.Builder

	failed    bool // writer goroutine only
	unwritten strings.Builder
}

func newRenderSink(opts RenderOptions) *renderSink {
	if !opts.Stream || opts.Out == nil {
		return nil
	}
	s := &renderSink{
		out:   opts.Out,
		delay: opts.StreamDelay,
		grace: renderCloseGrace,
		ch:    make(chan string, renderBuffer),
		hurry: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *renderSink) write(delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.accepted = true
	if s.degraded {
		s.pending.WriteString(delta)
		return
	}
	select {
	case s.ch <- delta:
	default:
		s.degraded = true
		s.pending.WriteString(delta)
	}
}

func (s *renderSink) drain() {
	defer close(s.done)
	for delta := range s.ch {
		if s.failed {
			s.unwritten.WriteString(delta)
			continue
		}
		if _, err := io.WriteString(s.out, delta); err != nil {
			s.failed = true
			s.unwritten.WriteString(delta)
			continue
		}
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-s.hurry:
			}
		}
	}

	// The channel is closed, so write can no longer touch pending.
	s.mu.Lock()
	rest := s.unwritten.String() + s.pending.String()
	s.mu.Unlock()
	if rest != "" {
		_, _ = io.WriteString(s.out, rest)
	}
}

// close stops accepting deltas, appends tail when anything was accepted, and
// waits up to the grace period for the writer to flush. It reports whether
// any text was accepted. A writer still blocked after the grace period is
// left to finish on its own. It is safe on a nil sink.
func (s *renderSink) close(tail string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.accepted
	}
	s.closed = true
	if s.accepted && tail != "" {
		s.pending.WriteString(tail)
	}
	close(s.hurry)
	close(s.ch)
	accepted := s.accepted
	s.mu.Unlock()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	}
	return accepted
}
