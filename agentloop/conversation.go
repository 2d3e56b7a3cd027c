package agentloop

import (
	"errors"
	"sync"

	"github.com/martinemde/tau/unifiedllm"
)

var (
	// ErrTranscriptSealed is returned when a transcript is written after it
	// was committed or rolled back.
	ErrTranscriptSealed = errors.New("transcript is sealed")

	// ErrTurnInProgress is returned when a second writer tries to open a
	// transcript, or append directly, while a turn is running.
	ErrTurnInProgress = errors.New("conversation has a turn in progress")
)

// Message is one role-tagged entry in a conversation.
type Message struct {
	Role       unifiedllm.Role       `json:"role"`
	Content    string                `json:"content"`
	IsError    bool                  `json:"is_error,omitempty"`
	ToolCalls  []unifiedllm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
}

// SystemMessage returns a system message.
func SystemMessage(text string) Message {
	return Message{Role: unifiedllm.RoleSystem, Content: text}
}

// UserMessage returns a user message.
func UserMessage(text string) Message {
	return Message{Role: unifiedllm.RoleUser, Content: text}
}

// AssistantMessage returns an assistant message with optional tool calls.
func AssistantMessage(text string, calls ...unifiedllm.ToolCall) Message {
	return Message{Role: unifiedllm.RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolMessage returns a tool result message.
func ToolMessage(callID, content string, isError bool) Message {
	return Message{Role: unifiedllm.RoleTool, Content: content, IsError: isError, ToolCallID: callID}
}

// ToLLM converts m to the provider message shape.
func (m Message) ToLLM() unifiedllm.Message {
	switch m.Role {
	case unifiedllm.RoleTool:
		return unifiedllm.ToolResultMessage(m.ToolCallID, m.Content, m.IsError)
	case unifiedllm.RoleAssistant:
		msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, unifiedllm.TextPart(m.Content))
		}
		for _, tc := range m.ToolCalls {
			msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
		}
		return msg
	default:
		return unifiedllm.Message{Role: m.Role, Content: []unifiedllm.ContentPart{unifiedllm.TextPart(m.Content)}}
	}
}

// ToLLMMessages converts a message slice for a provider request.
func ToLLMMessages(msgs []Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ToLLM()
	}
	return out
}

// LatestAssistantText returns the text of the last assistant message with
// non-empty content, or "".
func LatestAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == unifiedllm.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

// Conversation is an ordered, append-only message sequence. All writes
// during a turn go through a Transcript; only one Transcript may be open at
// a time.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
	open     *Transcript
}

// NewConversation returns a conversation seeded with msgs.
func NewConversation(msgs ...Message) *Conversation {
	c := &Conversation{}
	c.messages = append(c.messages, msgs...)
	return c
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Messages returns a copy of the message sequence.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Append adds messages outside of a turn.
func (c *Conversation) Append(msgs ...Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		return ErrTurnInProgress
	}
	c.messages = append(c.messages, msgs...)
	return nil
}

// BeginTurn opens a transcript positioned at the current end of the
// conversation.
func (c *Conversation) BeginTurn() (*Transcript, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		return nil, ErrTurnInProgress
	}
	t := &Transcript{conv: c, base: len(c.messages)}
	c.open = t
	return t, nil
}

// Transcript is the single writer for one turn. Appends land in the
// conversation immediately; Rollback truncates back to where the turn
// started. Once sealed, further appends fail with ErrTranscriptSealed, so a
// turn goroutine that outlives its caller cannot touch restored state.
type Transcript struct {
	conv   *Conversation
	base   int
	sealed bool
}

// Append adds messages to the conversation.
func (t *Transcript) Append(msgs ...Message) error {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	if t.sealed {
		return ErrTranscriptSealed
	}
	t.conv.messages = append(t.conv.messages, msgs...)
	return nil
}

// History returns the full conversation as seen by this turn.
func (t *Transcript) History() []Message {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	out := make([]Message, len(t.conv.messages))
	copy(out, t.conv.messages)
	return out
}

// Messages returns only the messages appended by this turn.
func (t *Transcript) Messages() []Message {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	if len(t.conv.messages) < t.base {
		return nil
	}
	out := make([]Message, len(t.conv.messages)-t.base)
	copy(out, t.conv.messages[t.base:])
	return out
}

// Commit seals the transcript, keeping its messages, and returns them.
// Committing a sealed transcript returns nil.
func (t *Transcript) Commit() []Message {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	if t.sealed {
		return nil
	}
	t.seal()
	out := make([]Message, len(t.conv.messages)-t.base)
	copy(out, t.conv.messages[t.base:])
	return out
}

// Rollback seals the transcript and removes everything it appended.
func (t *Transcript) Rollback() {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	if t.sealed {
		return
	}
	t.seal()
	// Clear the tail so dropped messages are not retained by the backing array.
	for i := t.base; i < len(t.conv.messages); i++ {
		t.conv.messages[i] = Message{}
	}
	t.conv.messages = t.conv.messages[:t.base]
}

// Sealed reports whether the transcript has been committed or rolled back.
func (t *Transcript) Sealed() bool {
	t.conv.mu.Lock()
	defer t.conv.mu.Unlock()
	return t.sealed
}

func (t *Transcript) seal() {
	t.sealed = true
	if t.conv.open == t {
		t.conv.open = nil
	}
}
