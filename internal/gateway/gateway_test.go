package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/provider/llm/mock"
)

func newGateway(t *testing.T, backends map[string]llm.Provider, def string) *Gateway {
	t.Helper()
	g, err := New(backends, def, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// TestResolve verifies provider-prefix routing and the default backend.
func TestResolve(t *testing.T) {
	t.Parallel()

	openai := &mock.Provider{}
	anthropic := &mock.Provider{}
	g := newGateway(t, map[string]llm.Provider{
		"openai":    openai,
		"anthropic": anthropic,
	}, "openai")

	tests := []struct {
		name        string
		model       string
		wantBackend string
		wantBare    string
		wantErr     bool
	}{
		{name: "prefixed", model: "anthropic/claude-sonnet-4", wantBackend: "anthropic", wantBare: "claude-sonnet-4"},
		{name: "bare name uses default", model: "gpt-4o", wantBackend: "openai", wantBare: "gpt-4o"},
		{name: "unknown backend", model: "mistral/large", wantErr: true},
		{name: "trailing slash falls back to default", model: "gpt-4o/", wantBackend: "openai", wantBare: "gpt-4o/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, backend, bare, err := g.Resolve(tt.model)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownBackend) {
					t.Fatalf("Resolve(%q) error = %v, want ErrUnknownBackend", tt.model, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.model, err)
			}
			if backend != tt.wantBackend || bare != tt.wantBare {
				t.Errorf("Resolve(%q) = (%q, %q), want (%q, %q)",
					tt.model, backend, bare, tt.wantBackend, tt.wantBare)
			}
		})
	}
}

// TestStreamDropsToolsWithoutSupport verifies the tool definitions are
// stripped for backends that cannot call tools.
func TestStreamDropsToolsWithoutSupport(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
		StreamScript:      [][]llm.Chunk{{{Text: "hi", FinishReason: "stop"}}},
	}
	g := newGateway(t, map[string]llm.Provider{"ollama": p}, "ollama")

	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
		Tools:    []llm.ToolDefinition{{Name: "query_library"}},
	}
	ch, err := g.Stream(context.Background(), "ollama/llama3", req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for range ch {
	}

	if len(p.StreamCalls) != 1 {
		t.Fatalf("StreamCalls = %d, want 1", len(p.StreamCalls))
	}
	if len(p.StreamCalls[0].Req.Tools) != 0 {
		t.Errorf("tools reached a non-tool-calling backend: %d definitions", len(p.StreamCalls[0].Req.Tools))
	}
}

// TestStreamPassesBareModelThrough verifies the model name after the backend
// prefix reaches the provider, so one backend entry can serve several models.
func TestStreamPassesBareModelThrough(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true},
		StreamScript:      [][]llm.Chunk{{{Text: "hi", FinishReason: "stop"}}},
		CompleteScript:    []*llm.CompletionResponse{{Content: "{}"}},
	}
	g := newGateway(t, map[string]llm.Provider{"openai": p}, "openai")

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hello"}}}
	ch, err := g.Stream(context.Background(), "openai/gpt-3.5-turbo", req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for range ch {
	}
	if got := p.StreamCalls[0].Req.Model; got != "gpt-3.5-turbo" {
		t.Errorf("streamed model = %q, want gpt-3.5-turbo", got)
	}

	if _, _, err := g.CompleteJSON(context.Background(), "openai/gpt-4o", req); err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if got := p.CompleteCalls[0].Req.Model; got != "gpt-4o" {
		t.Errorf("completed model = %q, want gpt-4o", got)
	}
}

// TestCompleteJSONSetsJSONMode verifies JSON mode is forced on the request.
func TestCompleteJSONSetsJSONMode(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteScript: []*llm.CompletionResponse{{Content: `["a"]`, Usage: llm.Usage{TotalTokens: 7}}},
	}
	g := newGateway(t, map[string]llm.Provider{"openai": p}, "openai")

	content, usage, err := g.CompleteJSON(context.Background(), "gpt-4o", llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("CompleteJSON: %v", err)
	}
	if content != `["a"]` {
		t.Errorf("content = %q, want the scripted answer", content)
	}
	if usage.TotalTokens != 7 {
		t.Errorf("usage.TotalTokens = %d, want 7", usage.TotalTokens)
	}
	if len(p.CompleteCalls) != 1 || !p.CompleteCalls[0].Req.JSONMode {
		t.Error("JSONMode not set on the backend request")
	}
}

// TestCompleteJSONRetries verifies the bounded retry on transport failures.
func TestCompleteJSONRetries(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("connection reset")}
	g := newGateway(t, map[string]llm.Provider{"openai": p}, "openai")

	_, _, err := g.CompleteJSON(context.Background(), "gpt-4o", llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error after exhausted retries, got nil")
	}
	if got := len(p.CompleteCalls); got != structuredMaxAttempts {
		t.Errorf("backend called %d times, want %d", got, structuredMaxAttempts)
	}
}

// TestCompleteJSONRateLimitNotRetried verifies rate-limit conditions are
// surfaced immediately as *RateLimitError.
func TestCompleteJSONRateLimitNotRetried(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("429 too many requests")}
	g := newGateway(t, map[string]llm.Provider{"openai": p}, "openai")

	_, _, err := g.CompleteJSON(context.Background(), "gpt-4o", llm.CompletionRequest{})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want *RateLimitError", err)
	}
	if rle.RetryAfter <= 0 {
		t.Error("RetryAfter not set on rate-limit condition")
	}
	if got := len(p.CompleteCalls); got != 1 {
		t.Errorf("backend called %d times, want 1 (no retry on rate limit)", got)
	}
}

// TestNewValidation verifies constructor checks.
func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, "openai", nil); err == nil {
		t.Error("expected error for empty backend set, got nil")
	}
	if _, err := New(map[string]llm.Provider{"openai": &mock.Provider{}}, "missing", nil); err == nil {
		t.Error("expected error for unregistered default backend, got nil")
	}
}
