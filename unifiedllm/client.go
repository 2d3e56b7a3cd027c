package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ProviderAdapter is one provider backend.
type ProviderAdapter interface {
	// Name is the provider identifier ("openai", "anthropic", ...).
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// CompleteFunc is one step of the Complete pipeline.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a Complete call. The first middleware registered is the
// outermost.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client routes requests to registered adapters. Complete runs through the
// middleware chain; Stream goes straight to the adapter.
type Client struct {
	mu          sync.RWMutex
	adapters    map[string]ProviderAdapter
	defaultName string
	middleware  []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.adapters[name] = adapter }
}

// WithDefaultProvider names the adapter used when neither the request nor
// the model catalog picks one.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultName = name }
}

func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterProvider adds or replaces an adapter.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[name] = adapter
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve picks the adapter for req: an explicit req.Provider, then the
// catalog provider of req.Model when registered, then the default, then the
// only registered adapter. A per-turn model override naming another
// provider's model is therefore routed to that provider.
func (c *Client) resolve(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := []string{req.Provider}
	if req.Provider == "" {
		if info := GetModelInfo(req.Model); info != nil {
			candidates = append(candidates, info.Provider)
		}
		candidates = append(candidates, c.defaultName)
	}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if a, ok := c.adapters[name]; ok {
			return a, nil
		}
		if name == req.Provider || name == c.defaultName {
			return nil, &Error{Kind: KindConfiguration, Provider: name, Message: "provider is not registered"}
		}
	}
	if len(c.adapters) == 1 {
		for _, a := range c.adapters {
			return a, nil
		}
	}
	return nil, &Error{Kind: KindConfiguration, Message: "no provider specified and no default provider configured"}
}

// Complete sends req through the middleware chain to the resolved adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	req.Provider = adapter.Name()

	next := CompleteFunc(adapter.Complete)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw, inner := c.middleware[i], next
		next = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, inner)
		}
	}
	return next(ctx, req)
}

// Stream opens a stream on the resolved adapter.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	req.Provider = adapter.Name()
	return adapter.Stream(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for name, adapter := range c.adapters {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
