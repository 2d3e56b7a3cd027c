package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a failed model call.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthentication
	KindAccessDenied
	KindNotFound
	KindInvalidRequest
	KindContextLength
	KindContentFilter
	KindConfiguration
	KindAbort
	KindRateLimit
	KindServer
	KindTimeout
	KindNetwork
	KindStream
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindAuthentication: "authentication",
	KindAccessDenied:   "access_denied",
	KindNotFound:       "not_found",
	KindInvalidRequest: "invalid_request",
	KindContextLength:  "context_length",
	KindContentFilter:  "content_filter",
	KindConfiguration:  "configuration",
	KindAbort:          "abort",
	KindRateLimit:      "rate_limit",
	KindServer:         "server",
	KindTimeout:        "timeout",
	KindNetwork:        "network",
	KindStream:         "stream",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Retryable reports whether a call that failed this way may succeed when
// repeated. Unknown failures count as transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork, KindStream, KindUnknown:
		return true
	}
	return false
}

// Error is the error type of every adapter, the client and the retry loop.
type Error struct {
	Kind     ErrorKind
	Provider string
	// Status is the HTTP status when one is known.
	Status  int
	Message string
	// RetryAfter is the provider's backoff hint; zero when absent.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// statusKinds maps HTTP statuses with a fixed meaning. Any other 5xx is a
// server error.
var statusKinds = map[int]ErrorKind{
	400: KindInvalidRequest,
	401: KindAuthentication,
	403: KindAccessDenied,
	404: KindNotFound,
	408: KindTimeout,
	413: KindContextLength,
	422: KindInvalidRequest,
	429: KindRateLimit,
}

// ErrorFromStatusCode builds the *Error for an HTTP failure.
func ErrorFromStatusCode(status int, message, provider string, retryAfter time.Duration) *Error {
	kind, ok := statusKinds[status]
	if !ok && status >= 500 && status < 600 {
		kind = KindServer
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Message: message, RetryAfter: retryAfter}
}

// IsRetryable reports whether err is worth another attempt. Context
// cancellation and expiry never are; errors outside this package are treated
// as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Retryable()
	}
	return true
}
