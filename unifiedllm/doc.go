// Package unifiedllm is the provider-agnostic model client used by the agent
// loop. It wraps the gollm library (github.com/teilomillet/gollm) behind a
// small ProviderAdapter interface and adds the pieces the orchestrator relies
// on: classified errors, retry with backoff, streaming events, and a model
// catalog for validating role model hints.
//
// # Layers
//
//   - ProviderAdapter and the shared message types
//   - Error kinds (IsRetryable) and RetryPolicy
//   - Client with provider routing and Complete middleware (retry, tracing,
//     logging)
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy())),
//	)
//
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-5.2",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// # Retry classification
//
// Every failure is an *Error whose Kind decides whether it is final.
// Authentication, access, invalid request, context length, content filter,
// configuration and abort errors are final; rate limits, server, network,
// stream and timeout errors are transient. Errors from outside the package
// count as transient, which lets a role fallback chain move on after an
// unexpected provider failure.
package unifiedllm
