package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves one provider through gollm. gollm has a single-prompt
// API, so every request is flattened into one prompt and tool calls are read
// back out of the response text.
type GollmAdapter struct {
	provider string
	model    string
	llm      gollm.LLM
}

// GollmOption configures NewGollmAdapter.
type GollmOption func(*gollmSettings)

type gollmSettings struct {
	model       string
	maxTokens   int
	temperature float64
	extra       []gollm.ConfigOption
}

// WithModel sets the model used when a request names none.
func WithModel(model string) GollmOption {
	return func(s *gollmSettings) { s.model = model }
}

func WithMaxTokens(n int) GollmOption {
	return func(s *gollmSettings) { s.maxTokens = n }
}

func WithTemperature(t float64) GollmOption {
	return func(s *gollmSettings) { s.temperature = t }
}

// WithGollmOptions passes raw gollm options through, after the adapter's own.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(s *gollmSettings) { s.extra = append(s.extra, opts...) }
}

// NewGollmAdapter builds an adapter for provider. An empty apiKey leaves
// gollm to read the provider's environment variable. Without WithModel the
// catalog's newest model for the provider is used.
func NewGollmAdapter(provider, apiKey string, opts ...GollmOption) (*GollmAdapter, error) {
	s := gollmSettings{maxTokens: 4096, temperature: 0.2}
	for _, opt := range opts {
		opt(&s)
	}
	if s.model == "" {
		latest := GetLatestModel(provider, "")
		if latest == nil {
			return nil, &Error{Kind: KindConfiguration, Provider: provider, Message: "no model given and none in the catalog"}
		}
		s.model = latest.ID
	}

	cfg := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(s.model),
		gollm.SetMaxTokens(s.maxTokens),
		gollm.SetTemperature(s.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		cfg = append(cfg, gollm.SetAPIKey(apiKey))
	}
	llm, err := gollm.NewLLM(append(cfg, s.extra...)...)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Provider: provider, Message: "create gollm client", Cause: err}
	}
	return &GollmAdapter{provider: provider, model: s.model, llm: llm}, nil
}

// NewGollmAdapterFromLLM wraps an already configured gollm.LLM.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, model: model, llm: llm}
}

func (a *GollmAdapter) Name() string { return a.provider }

func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.prepare(req)
	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.classify(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream delivers the response as events. Providers gollm cannot stream are
// served by one Generate call replayed as a single delta. The channel closes
// after the finish or error event, or once ctx is done.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.prepare(req)

	// next yields streamed text; nil means the provider cannot stream.
	var next func(context.Context) (string, error)
	var stop func()
	if a.llm.SupportsStreaming() {
		s, err := a.llm.Stream(ctx, prompt)
		if err != nil {
			return nil, a.classify(err)
		}
		next = func(ctx context.Context) (string, error) {
			tok, err := s.Next(ctx)
			if err != nil || tok == nil {
				return "", err
			}
			return tok.Text, nil
		}
		stop = func() { s.Close() }
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		out := eventWriter{ctx: ctx, ch: ch}
		if !out.send(StreamEvent{Type: StreamStart}) {
			return
		}

		var text string
		var err error
		if next != nil {
			defer stop()
			text, err = relayTokens(ctx, next, &out)
		} else if text, err = a.llm.Generate(ctx, prompt); err == nil {
			out.text(text)
		}
		if err != nil {
			out.send(StreamEvent{Type: StreamError, Error: a.classify(err)})
			return
		}
		if !out.endText() {
			return
		}

		resp := a.buildResponse(req, text)
		for _, call := range resp.ToolCalls() {
			call := call
			if !out.send(StreamEvent{Type: ToolCallEnd, ToolCall: &call}) {
				return
			}
		}
		out.send(StreamEvent{Type: StreamFinish, FinishReason: &resp.FinishReason, Usage: &resp.Usage, Response: resp})
	}()
	return ch, nil
}

func relayTokens(ctx context.Context, next func(context.Context) (string, error), out *eventWriter) (string, error) {
	var full strings.Builder
	for {
		tok, err := next(ctx)
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return "", err
		}
		if tok == "" {
			continue
		}
		if !out.text(tok) {
			return "", ctx.Err()
		}
		full.WriteString(tok)
	}
}

const streamTextID = "text_0"

// eventWriter sends stream events until ctx is done, opening the text block
// on the first delta.
type eventWriter struct {
	ctx    context.Context
	ch     chan<- StreamEvent
	opened bool
}

func (w *eventWriter) send(ev StreamEvent) bool {
	select {
	case w.ch <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *eventWriter) text(delta string) bool {
	if !w.opened {
		if !w.send(StreamEvent{Type: TextStart, TextID: streamTextID}) {
			return false
		}
		w.opened = true
	}
	return w.send(StreamEvent{Type: TextDelta, Delta: delta, TextID: streamTextID})
}

func (w *eventWriter) endText() bool {
	if !w.opened {
		return true
	}
	return w.send(StreamEvent{Type: TextEnd, TextID: streamTextID})
}

// prepare applies the per-request overrides and builds the prompt.
func (a *GollmAdapter) prepare(req Request) *gollm.Prompt {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}

	system, body := flattenMessages(req.Messages)
	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, len(req.ToolDefs))
		for i, def := range req.ToolDefs {
			tools[i] = gollm.Tool{
				Type:     "function",
				Function: gollm.Function{Name: def.Name, Description: def.Description, Parameters: def.Parameters},
			}
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}
	return gollm.NewPrompt(body, opts...)
}

// flattenMessages joins system text into one block and renders the rest of
// the conversation as labelled lines.
func flattenMessages(msgs []Message) (system, body string) {
	var sys, lines []string
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			sys = append(sys, m.TextContent())
		case RoleUser:
			lines = append(lines, m.TextContent())
		case RoleAssistant:
			if t := m.TextContent(); t != "" {
				lines = append(lines, "[Assistant]: "+t)
			}
			for _, c := range m.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", c.ID, c.Name, c.Arguments))
			}
		case RoleTool:
			for _, p := range m.Content {
				if p.Kind != ContentToolResult || p.ToolResult == nil {
					continue
				}
				label := "[Tool Result]: "
				if p.ToolResult.IsError {
					label = "[Tool Error]: "
				}
				lines = append(lines, label+p.ToolResult.Content)
			}
		}
	}
	body = strings.Join(lines, "\n")
	if body == "" {
		body = "Hello"
	}
	return strings.TrimSpace(strings.Join(sys, "\n")), body
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	calls, rest := extractToolCalls(text)
	var parts []ContentPart
	if rest != "" {
		parts = append(parts, TextPart(rest))
	}
	for _, c := range calls {
		parts = append(parts, ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	// gollm reports no usage; estimate at four bytes per token.
	in := 0
	for _, m := range req.Messages {
		in += len(m.TextContent()) / 4
	}
	out := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// extractToolCalls finds the JSON tool call list gollm leaves in the text,
// either a bare array or wrapped in {"tool_calls": [...]}, and returns the
// calls with the text before it. Text without a parseable list is returned
// whole.
func extractToolCalls(text string) ([]ToolCall, string) {
	start := -1
	for _, m := range toolCallMarkers {
		if i := strings.Index(text, m); i >= 0 && (start < 0 || i < start) {
			start = i
		}
	}
	if start < 0 {
		return nil, text
	}

	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	raw := []byte(text[start:])
	var list []rawCall
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, text
		}
		list = wrapped.ToolCalls
	}

	var calls []ToolCall
	for _, rc := range list {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{ID: "call_" + uuid.NewString()[:8], Name: rc.Name, Arguments: args})
	}
	if len(calls) == 0 {
		return nil, text
	}
	return calls, strings.TrimSpace(text[:start])
}

// gollm flattens provider failures into strings; these phrases recover the
// kind. The first matching rule wins.
var gollmErrorRules = []struct {
	kind    ErrorKind
	status  int
	phrases []string
}{
	{KindAuthentication, 401, []string{"401", "unauthorized", "invalid api key", "invalid key"}},
	{KindAccessDenied, 403, []string{"403", "forbidden"}},
	{KindNotFound, 404, []string{"404", "not found"}},
	{KindRateLimit, 429, []string{"429", "rate limit"}},
	{KindContextLength, 413, []string{"context length", "too many tokens", "maximum context"}},
	{KindTimeout, 408, []string{"timeout", "timed out"}},
	{KindServer, 500, []string{"500", "502", "503", "529", "internal server", "overloaded"}},
	{KindContentFilter, 0, []string{"content filter", "safety"}},
	{KindNetwork, 0, []string{"connection refused", "connection reset", "no such host"}},
}

func (a *GollmAdapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindAbort, Provider: a.provider, Message: "request aborted", Cause: err}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, rule := range gollmErrorRules {
		for _, p := range rule.phrases {
			if strings.Contains(lower, p) {
				return &Error{Kind: rule.kind, Provider: a.provider, Status: rule.status, Message: msg, Cause: err}
			}
		}
	}
	return &Error{Kind: KindUnknown, Provider: a.provider, Message: msg, Cause: err}
}
