// Package gateway routes completion requests to interchangeable LLM backends.
//
// A [Gateway] owns a set of named [llm.Provider] instances and selects one
// per request from the model identifier's provider prefix ("openai/gpt-4o"
// selects the "openai" backend and passes "gpt-4o" through). Model names
// without a prefix go to the configured default backend.
//
// Streaming calls are never retried here — once tokens may have reached the
// client a replay would duplicate output. The non-streaming structured-JSON
// path retries transient transport failures a small fixed number of times.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// structuredMaxAttempts bounds the retry loop of [Gateway.CompleteJSON].
const structuredMaxAttempts = 3

// structuredRetryDelay is the pause between structured-call attempts.
const structuredRetryDelay = 500 * time.Millisecond

// ErrUnknownBackend is returned when a model identifier names a backend that
// has not been registered.
var ErrUnknownBackend = errors.New("gateway: unknown backend")

// RateLimitError is a structured condition surfaced when a backend reports
// quota exhaustion. It is always recoverable by the caller after waiting.
type RateLimitError struct {
	// Backend is the name of the backend that rejected the request.
	Backend string

	// RetryAfter is how long the caller should wait before retrying.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway: backend %q rate limited, retry after %s", e.Backend, e.RetryAfter)
}

// Caller is the narrow interface the gates and the orchestrator consume.
// *Gateway implements it; tests substitute fakes.
type Caller interface {
	// Stream opens a streaming completion against the backend selected by
	// model. The returned channel follows the [llm.Provider] contract.
	Stream(ctx context.Context, model string, req llm.CompletionRequest) (<-chan llm.Chunk, error)

	// CompleteJSON performs a non-streaming completion with JSON output mode
	// and returns the raw content string plus usage. Transient failures are
	// retried up to a small fixed count.
	CompleteJSON(ctx context.Context, model string, req llm.CompletionRequest) (string, llm.Usage, error)
}

// Gateway is the uniform entry point to every configured LLM backend.
// It is safe for concurrent use; the backend set is fixed at construction.
type Gateway struct {
	backends       map[string]llm.Provider
	defaultBackend string
	metrics        *observe.Metrics
}

// Compile-time check.
var _ Caller = (*Gateway)(nil)

// New creates a Gateway over the given named backends. defaultBackend is
// used for model identifiers without a provider prefix and must be a key of
// backends.
func New(backends map[string]llm.Provider, defaultBackend string, metrics *observe.Metrics) (*Gateway, error) {
	if len(backends) == 0 {
		return nil, errors.New("gateway: at least one backend is required")
	}
	if _, ok := backends[defaultBackend]; !ok {
		return nil, fmt.Errorf("gateway: default backend %q is not registered", defaultBackend)
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Gateway{
		backends:       backends,
		defaultBackend: defaultBackend,
		metrics:        metrics,
	}, nil
}

// Resolve splits a model identifier into (backend, bare model name).
// "anthropic/claude-sonnet" → the "anthropic" backend and "claude-sonnet";
// "gpt-4o" → the default backend and "gpt-4o".
func (g *Gateway) Resolve(model string) (llm.Provider, string, string, error) {
	backendName := g.defaultBackend
	bare := model
	if name, rest, ok := strings.Cut(model, "/"); ok && rest != "" {
		backendName = name
		bare = rest
	}
	p, ok := g.backends[backendName]
	if !ok {
		return nil, "", "", fmt.Errorf("%w: %q", ErrUnknownBackend, backendName)
	}
	return p, backendName, bare, nil
}

// Stream implements Caller.
func (g *Gateway) Stream(ctx context.Context, model string, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p, backendName, bare, err := g.Resolve(model)
	if err != nil {
		return nil, err
	}
	req.Model = bare

	caps := p.Capabilities()
	if len(req.Tools) > 0 && !caps.SupportsToolCalling {
		slog.Warn("backend does not support tool calling; dropping tool definitions",
			"backend", backendName, "model", model, "tools", len(req.Tools))
		req.Tools = nil
	}

	ch, err := p.StreamCompletion(ctx, req)
	g.metrics.RecordGatewayRequest(ctx, backendName, "stream", err)
	if err != nil {
		return nil, fmt.Errorf("gateway: stream via %q: %w", backendName, classifyErr(backendName, err))
	}
	return ch, nil
}

// CompleteJSON implements Caller. It sets JSON mode on the request and
// retries transport failures up to structuredMaxAttempts, waiting
// structuredRetryDelay between attempts. Rate-limit conditions are returned
// immediately as *RateLimitError rather than burned through the retry budget.
func (g *Gateway) CompleteJSON(ctx context.Context, model string, req llm.CompletionRequest) (string, llm.Usage, error) {
	p, backendName, bare, err := g.Resolve(model)
	if err != nil {
		return "", llm.Usage{}, err
	}

	req.Model = bare
	req.JSONMode = true

	var lastErr error
	for attempt := 1; attempt <= structuredMaxAttempts; attempt++ {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		g.metrics.RecordGatewayCall(ctx, backendName, "structured", time.Since(start), err)
		if err == nil {
			return resp.Content, resp.Usage, nil
		}

		lastErr = classifyErr(backendName, err)
		var rle *RateLimitError
		if errors.As(lastErr, &rle) {
			return "", llm.Usage{}, lastErr
		}
		if ctx.Err() != nil {
			return "", llm.Usage{}, ctx.Err()
		}

		slog.Warn("structured completion failed, retrying",
			"backend", backendName, "attempt", attempt, "err", err)
		if attempt < structuredMaxAttempts {
			select {
			case <-time.After(structuredRetryDelay):
			case <-ctx.Done():
				return "", llm.Usage{}, ctx.Err()
			}
		}
	}
	return "", llm.Usage{}, fmt.Errorf("gateway: structured completion via %q after %d attempts: %w",
		backendName, structuredMaxAttempts, lastErr)
}

// classifyErr maps backend errors onto the gateway error taxonomy.
// Rate/quota conditions become *RateLimitError; everything else passes
// through unchanged.
func classifyErr(backend string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "quota") {
		return &RateLimitError{Backend: backend, RetryAfter: 30 * time.Second}
	}
	return err
}
