package unifiedllm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures exponential backoff for provider calls.
type RetryPolicy struct {
	MaxRetries      int // retries after the first call
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RandomizationFactor spreads each wait over [1-f, 1+f] of its nominal
	// value. Zero disables jitter.
	RandomizationFactor float64
	OnRetry             func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at 1s and doubling up to 60s,
// with +/-50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          2,
		InitialInterval:     time.Second,
		MaxInterval:         60 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff returns a fresh backoff; implementations are stateful.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(max(p.MaxRetries, 0)))
}

// retryAfter replaces the next computed wait with a provider's Retry-After
// hint. The retry budget is still consumed.
type retryAfter struct {
	backoff.BackOff
	hint time.Duration
}

func (r *retryAfter) NextBackOff() time.Duration {
	next := r.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if r.hint > 0 {
		next, r.hint = r.hint, 0
	}
	return next
}

func (r *retryAfter) Reset() {
	r.hint = 0
	r.BackOff.Reset()
}

// Retry calls fn until it succeeds, returns an error IsRetryable rejects, or
// the policy runs out of retries. A Retry-After hint longer than MaxInterval
// ends retrying at once. Cancellation while waiting yields a KindAbort error.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	bo := &retryAfter{BackOff: policy.newBackOff()}
	var last error
	op := func() (T, error) {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		last = err
		if !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > 0 {
			wait := e.RetryAfter
			if wait > policy.MaxInterval {
				return res, backoff.Permanent(err)
			}
			bo.hint = wait
		}
		return res, err
	}

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, wait)
		}
	}

	res, err := backoff.RetryNotifyWithData(op, backoff.WithContext(bo, ctx), notify)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(last, ctx.Err()) {
		var zero T
		return zero, &Error{Kind: KindAbort, Message: "request cancelled during retry", Cause: err}
	}
	return res, err
}

// RetryMiddleware wraps Complete calls with policy. Streaming calls are not
// retried because partial output may already have been delivered.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}
