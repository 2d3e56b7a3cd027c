package unifiedllm

import (
	"context"
	"strings"
)

// CollectStream drains events into a Response, passing each non-empty text
// delta to onDelta as it arrives. It returns the stream's error event, a
// KindStream error when the stream fails without one, or ctx's error if ctx
// ends first. A finish event carrying a full Response is returned as is.
func CollectStream(ctx context.Context, events <-chan StreamEvent, onDelta func(string)) (*Response, error) {
	var (
		text   strings.Builder
		calls  []ToolCall
		finish = FinishReason{Reason: "stop"}
		usage  Usage
	)
	for {
		var ev StreamEvent
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok = <-events:
		}
		if !ok {
			break
		}

		switch ev.Type {
		case TextDelta:
			if ev.Delta == "" {
				continue
			}
			text.WriteString(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		case ToolCallEnd:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case StreamError:
			if ev.Error != nil {
				return nil, ev.Error
			}
			return nil, &Error{Kind: KindStream, Message: "stream failed"}
		case StreamFinish:
			if ev.Response != nil {
				return ev.Response, nil
			}
			if ev.FinishReason != nil {
				finish = *ev.FinishReason
			}
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		}
	}

	var parts []ContentPart
	if text.Len() > 0 {
		parts = append(parts, TextPart(text.String()))
	}
	for _, c := range calls {
		parts = append(parts, ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return &Response{Message: Message{Role: RoleAssistant, Content: parts}, FinishReason: finish, Usage: usage}, nil
}
