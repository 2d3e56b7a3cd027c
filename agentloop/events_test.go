package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventEmitterStampsAndDrops(t *testing.T) {
	e := NewEventEmitter("sess-1", 2)
	e.Emit(SessionEvent{Kind: EventTurnStart, Model: "m"})
	e.Emit(SessionEvent{Kind: EventUserInput, Text: "hi"})
	e.Emit(SessionEvent{Kind: EventTurnEnd})
	assert.Equal(t, 1, e.Dropped())

	first := <-e.Events()
	assert.Equal(t, EventTurnStart, first.Kind)
	assert.Equal(t, "sess-1", first.SessionID)
	assert.False(t, first.Time.IsZero())

	e.Close()
	e.Close()
	e.Emit(SessionEvent{Kind: EventError})

	var rest []EventKind
	for ev := range e.Events() {
		rest = append(rest, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventUserInput}, rest)
}

func TestLogEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := make(chan SessionEvent, 8)
	ch <- SessionEvent{Kind: EventTurnStart}
	ch <- SessionEvent{Kind: EventAssistantTextDelta, Text: "partial"}
	ch <- SessionEvent{Kind: EventToolCallStart, ToolName: "read_file", ToolCallID: "c1"}
	ch <- SessionEvent{Kind: EventToolCallEnd, ToolName: "read_file", ToolCallID: "c1", Text: "abc"}
	ch <- SessionEvent{Kind: EventToolCallEnd, ToolName: "shell", ToolCallID: "c2", Err: "exit 1"}
	close(ch)

	LogEvents(ch, zap.New(core))

	var msgs []string
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	require.Equal(t, []string{"session event", "tool call", "tool call done", "tool call failed"}, msgs)
	assert.Equal(t, int64(3), logs.FilterMessage("tool call done").All()[0].ContextMap()["output_chars"])
	assert.Equal(t, zapcore.InfoLevel, logs.FilterMessage("tool call").All()[0].Level)
}
