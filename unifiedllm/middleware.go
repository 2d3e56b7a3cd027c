package unifiedllm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationScope = "github.com/martinemde/tau/unifiedllm"

// TracingMiddleware opens an "llm.complete" client span around each call it
// wraps. Placed inside RetryMiddleware it yields one span per attempt. A nil
// tracer uses the global provider.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationScope)
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		ctx, span := tracer.Start(ctx, "llm.complete",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("llm.provider", req.Provider),
				attribute.String("llm.model", req.Model),
				attribute.Int("llm.messages", len(req.Messages)),
				attribute.Int("llm.tools", len(req.ToolDefs)),
			))
		defer span.End()

		resp, err := next(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool("llm.retryable", IsRetryable(err)))
			return nil, err
		}
		span.SetAttributes(
			attribute.String("llm.response_model", resp.Model),
			attribute.String("llm.finish_reason", resp.FinishReason.Reason),
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
		return resp, nil
	}
}

// LoggingMiddleware logs each call at debug level and failures at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		fields := []zap.Field{
			zap.String("provider", req.Provider),
			zap.String("model", req.Model),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			logger.Warn("llm request failed", append(fields, zap.Bool("retryable", IsRetryable(err)), zap.Error(err))...)
			return nil, err
		}
		logger.Debug("llm request", append(fields,
			zap.String("finish_reason", resp.FinishReason.Reason),
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
		)...)
		return resp, nil
	}
}
