package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func feed(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestCollectStreamAssemblesParts(t *testing.T) {
	var deltas []string
	resp, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: StreamStart},
		StreamEvent{Type: TextStart, TextID: "t0"},
		StreamEvent{Type: TextDelta, Delta: "Hello ", TextID: "t0"},
		StreamEvent{Type: TextDelta, Delta: ""},
		StreamEvent{Type: TextDelta, Delta: "world", TextID: "t0"},
		StreamEvent{Type: TextEnd, TextID: "t0"},
		StreamEvent{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c1", Name: "grep", Arguments: json.RawMessage(`{}`)}},
		StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: "tool_calls"}, Usage: &Usage{TotalTokens: 15}},
	), func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 2 {
		t.Errorf("expected empty deltas to be skipped, got %q", deltas)
	}
	if resp.Text() != "Hello world" || resp.Message.Role != RoleAssistant {
		t.Errorf("unexpected message %+v", resp.Message)
	}
	if calls := resp.ToolCalls(); len(calls) != 1 || calls[0].Name != "grep" {
		t.Errorf("expected one grep call, got %+v", calls)
	}
	if resp.FinishReason.Reason != "tool_calls" || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected finish %+v usage %+v", resp.FinishReason, resp.Usage)
	}
}

func TestCollectStreamPrefersFinishResponse(t *testing.T) {
	full := &Response{ID: "r1", Message: AssistantMessage("complete")}
	resp, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: TextDelta, Delta: "partial"},
		StreamEvent{Type: StreamFinish, Response: full},
	), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != full {
		t.Errorf("expected the finish event's response, got %+v", resp)
	}
}

func TestCollectStreamDefaultsToStop(t *testing.T) {
	resp, err := CollectStream(context.Background(), feed(StreamEvent{Type: TextDelta, Delta: "x"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason.Reason != "stop" {
		t.Errorf("finish = %q, want stop", resp.FinishReason.Reason)
	}
}

func TestCollectStreamErrors(t *testing.T) {
	boom := errors.New("stream broke")
	_, err := CollectStream(context.Background(), feed(
		StreamEvent{Type: TextDelta, Delta: "a"},
		StreamEvent{Type: StreamError, Error: boom},
	), nil)
	if !errors.Is(err, boom) {
		t.Errorf("expected the stream error, got %v", err)
	}

	_, err = CollectStream(context.Background(), feed(StreamEvent{Type: StreamError}), nil)
	if KindOf(err) != KindStream {
		t.Errorf("expected a KindStream error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = CollectStream(ctx, make(chan StreamEvent), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
