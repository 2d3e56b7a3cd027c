package unifiedllm

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// mockAdapter answers Complete with a fixed text and Stream with fixed events.
type mockAdapter struct {
	name    string
	text    string
	err     error
	events  []StreamEvent
	closeFn func() error
	seen    []Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	m.seen = append(m.seen, req)
	if m.err != nil {
		return nil, m.err
	}
	return &Response{
		ID:           "resp_" + m.name,
		Model:        req.Model,
		Provider:     m.name,
		Message:      AssistantMessage(m.text),
		FinishReason: FinishReason{Reason: "stop"},
		Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.seen = append(m.seen, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{name: name, text: text}
}

// funcAdapter delegates Complete to a function.
type funcAdapter struct {
	name     string
	complete func(ctx context.Context, req Request) (*Response, error)
}

func (f *funcAdapter) Name() string { return f.name }

func (f *funcAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	return f.complete(ctx, req)
}

func (f *funcAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func TestClientRouting(t *testing.T) {
	tests := []struct {
		name     string
		opts     func(openai, anthropic *mockAdapter) []ClientOption
		req      Request
		want     string
		wantConf bool
	}{
		{
			name: "explicit provider wins over catalog and default",
			opts: func(o, a *mockAdapter) []ClientOption {
				return []ClientOption{WithProvider("openai", o), WithProvider("anthropic", a), WithDefaultProvider("openai")}
			},
			req:  Request{Provider: "anthropic", Model: "gpt-5.2"},
			want: "anthropic",
		},
		{
			name: "catalog provider of the model wins over default",
			opts: func(o, a *mockAdapter) []ClientOption {
				return []ClientOption{WithProvider("openai", o), WithProvider("anthropic", a), WithDefaultProvider("openai")}
			},
			req:  Request{Model: "opus"},
			want: "anthropic",
		},
		{
			name: "unknown model falls back to default",
			opts: func(o, a *mockAdapter) []ClientOption {
				return []ClientOption{WithProvider("openai", o), WithProvider("anthropic", a), WithDefaultProvider("anthropic")}
			},
			req:  Request{Model: "local-llama"},
			want: "anthropic",
		},
		{
			name: "catalog provider not registered falls back to default",
			opts: func(o, a *mockAdapter) []ClientOption {
				return []ClientOption{WithProvider("openai", o), WithDefaultProvider("openai")}
			},
			req:  Request{Model: "gemini-pro"},
			want: "openai",
		},
		{
			name: "single adapter needs no default",
			opts: func(o, a *mockAdapter) []ClientOption { return []ClientOption{WithProvider("openai", o)} },
			req:  Request{Model: "anything"},
			want: "openai",
		},
		{
			name:     "explicit provider must be registered",
			opts:     func(o, a *mockAdapter) []ClientOption { return []ClientOption{WithProvider("openai", o)} },
			req:      Request{Provider: "gemini"},
			wantConf: true,
		},
		{
			name: "ambiguous without default",
			opts: func(o, a *mockAdapter) []ClientOption {
				return []ClientOption{WithProvider("openai", o), WithProvider("anthropic", a)}
			},
			req:      Request{Model: "local-llama"},
			wantConf: true,
		},
		{
			name:     "no adapters",
			opts:     func(o, a *mockAdapter) []ClientOption { return nil },
			wantConf: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			openai, anthropic := newMockAdapter("openai", "openai"), newMockAdapter("anthropic", "anthropic")
			client := NewClient(tt.opts(openai, anthropic)...)
			tt.req.Messages = []Message{UserMessage("Hi")}

			resp, err := client.Complete(context.Background(), tt.req)
			if tt.wantConf {
				if KindOf(err) != KindConfiguration {
					t.Fatalf("expected a configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Provider != tt.want || resp.Text() != tt.want {
				t.Errorf("expected %s to answer, got %s (%q)", tt.want, resp.Provider, resp.Text())
			}
		})
	}
}

func TestClientStampsProviderOnRequest(t *testing.T) {
	mock := newMockAdapter("only", "x")
	client := NewClient(WithProvider("only", mock))
	if _, err := client.Complete(context.Background(), Request{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Stream(context.Background(), Request{Model: "m"}); err != nil {
		t.Fatal(err)
	}
	for i, req := range mock.seen {
		if req.Provider != "only" {
			t.Errorf("request %d: expected provider stamped, got %q", i, req.Provider)
		}
	}
}

func TestClientMiddlewareOnionOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, name+">")
			resp, err := next(ctx, req)
			order = append(order, "<"+name)
			return resp, err
		}
	}
	rewrite := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		req.Model = "rewritten"
		return next(ctx, req)
	}

	mock := newMockAdapter("test", "response")
	client := NewClient(WithProvider("test", mock), WithMiddleware(trace("a"), trace("b")), WithMiddleware(rewrite))
	resp, err := client.Complete(context.Background(), Request{Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []string{"a>", "b>", "<b", "<a"}; !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
	if resp.Model != "rewritten" {
		t.Errorf("expected inner middleware to rewrite the request, got model %q", resp.Model)
	}
}

func TestClientStreamBypassesMiddleware(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}
	called := false
	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		called = true
		return next(ctx, req)
	}

	client := NewClient(WithProvider("test", mock), WithMiddleware(mw))
	ch, err := client.Stream(context.Background(), Request{Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var seen []StreamEvent
	for ev := range ch {
		seen = append(seen, ev)
	}
	resp, err := CollectStream(context.Background(), feed(seen...), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 4 || resp.Text() != "Hello world" {
		t.Errorf("expected 4 events spelling %q, got %d and %q", "Hello world", len(seen), resp.Text())
	}
	if called {
		t.Error("middleware must not run for Stream")
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("zeta", newMockAdapter("zeta", "z"))
	client.RegisterProvider("alpha", newMockAdapter("alpha", "a"))

	if got := client.Providers(); !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Errorf("expected sorted providers, got %v", got)
	}
	resp, err := client.Complete(context.Background(), Request{Provider: "zeta"})
	if err != nil || resp.Text() != "z" {
		t.Fatalf("expected zeta to answer, got %v, %v", resp, err)
	}
}

func TestClientCloseJoinsErrors(t *testing.T) {
	ok := newMockAdapter("ok", "")
	bad := newMockAdapter("bad", "")
	bad.closeFn = func() error { return errors.New("socket stuck") }

	err := NewClient(WithProvider("ok", ok), WithProvider("bad", bad)).Close()
	if err == nil || !strings.Contains(err.Error(), "close bad: socket stuck") {
		t.Fatalf("expected close error naming the provider, got %v", err)
	}
	if err := NewClient(WithProvider("ok", ok)).Close(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
