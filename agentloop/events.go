package agentloop

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies a session event.
type EventKind string

const (
	EventTurnStart          EventKind = "turn_start"
	EventUserInput          EventKind = "user_input"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantMessage   EventKind = "assistant_message"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventToolRoundLimit     EventKind = "tool_round_limit"
	EventLoopDetection      EventKind = "loop_detection"
	EventError              EventKind = "error"
	EventTurnEnd            EventKind = "turn_end"
	EventSessionEnd         EventKind = "session_end"
)

// SessionEvent reports progress of a session. Events are observational:
// dropping them never changes a turn's result. Fields not relevant to Kind
// are zero.
type SessionEvent struct {
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id"`

	Model      string `json:"model,omitempty"`
	ToolPreset string `json:"tool_preset,omitempty"`
	// Text is the user input, assistant text, streamed delta, loop warning
	// or full tool output, depending on Kind.
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  int    `json:"tool_calls,omitempty"`
	Round      int    `json:"round,omitempty"`
	Err        string `json:"error,omitempty"`
}

// EventEmitter fans session events out on a buffered channel without ever
// blocking the session.
type EventEmitter struct {
	sessionID string
	ch        chan SessionEvent

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{sessionID: sessionID, ch: make(chan SessionEvent, bufferSize)}
}

// Emit stamps ev and queues it. It is dropped once the emitter is closed or
// the buffer is full.
func (e *EventEmitter) Emit(ev SessionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ev.Time = time.Now()
	ev.SessionID = e.sessionID
	select {
	case e.ch <- ev:
	default:
		e.dropped++
	}
}

// Dropped counts events lost to a full buffer.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close ends the stream. Idempotent.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// LogEvents writes events to logger until the channel closes. Tool activity
// is logged at info, the rest at debug; text deltas are skipped.
func LogEvents(events <-chan SessionEvent, logger *zap.Logger) {
	for ev := range events {
		switch ev.Kind {
		case EventAssistantTextDelta:
		case EventToolCallStart:
			logger.Info("tool call", zap.String("tool", ev.ToolName), zap.String("call_id", ev.ToolCallID))
		case EventToolCallEnd:
			if ev.Err != "" {
				logger.Info("tool call failed", zap.String("tool", ev.ToolName), zap.String("call_id", ev.ToolCallID), zap.String("error", ev.Err))
			} else {
				logger.Info("tool call done", zap.String("tool", ev.ToolName), zap.String("call_id", ev.ToolCallID), zap.Int("output_chars", len(ev.Text)))
			}
		case EventError:
			logger.Debug("session error", zap.String("error", ev.Err))
		default:
			logger.Debug("session event", zap.String("kind", string(ev.Kind)), zap.String("session_id", ev.SessionID),
				zap.Int("round", ev.Round), zap.Int("tool_calls", ev.ToolCalls))
		}
	}
}
