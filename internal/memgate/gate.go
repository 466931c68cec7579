// Package memgate negotiates memory keys before a turn is generated.
//
// When a request declares a memory index, the gate asks the model (via a
// structured-JSON call) which keys it needs to answer well. A valid, non-empty
// key list short-circuits the turn: the orchestrator emits a memory_request
// event and waits for the client to re-invoke with the memories resolved.
// Persistently invalid answers are discarded up to a hard ceiling, then the
// gate fails open so a malformed model can never stall a conversation.
package memgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// DefaultMaxAttempts bounds the key-negotiation retry loop. It matches the
// tool-loop ceiling so a misbehaving model costs the same in both places.
const DefaultMaxAttempts = 10

const selectionPrompt = `You decide which long-term memories are needed to answer the user's latest message.

Available memory keys:
%s

Respond with a JSON array of the keys whose contents you need, for example ["projects","preferences"]. Respond with [] if none are needed. Use only keys from the list above. Do not request keys whose contents are already provided.`

// Gate owns the negotiation policy for one deployment.
type Gate struct {
	caller      gateway.Caller
	maxAttempts int
	metrics     *observe.Metrics
	log         *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithMaxAttempts overrides the negotiation retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithMetrics records issued memory requests on the given metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger used for discarded-answer warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// New builds a Gate over the given gateway.
func New(caller gateway.Caller, opts ...Option) (*Gate, error) {
	if caller == nil {
		return nil, fmt.Errorf("memgate: caller must not be nil")
	}
	g := &Gate{
		caller:      caller,
		maxAttempts: DefaultMaxAttempts,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RelevantKeys asks the model which memory keys it needs for req. model is
// the identifier the turn will actually run on, which may differ from
// req.Model after a budget downgrade. A nil result means the turn proceeds to
// generation; a non-empty result means the orchestrator must emit a
// memory_request and terminate.
//
// The gate skips negotiation entirely when the request declares no index, the
// caller is unauthenticated, or the request is flagged as limit-reached.
func (g *Gate) RelevantKeys(ctx context.Context, req *chat.Request, model string) ([]string, error) {
	if len(req.MemoryIndex) == 0 || !req.Authenticated || req.LimitReached {
		return nil, nil
	}
	if model == "" {
		model = req.Model
	}

	creq := g.buildRequest(req)

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		content, _, err := g.caller.CompleteJSON(ctx, model, creq)
		if err != nil {
			return nil, fmt.Errorf("memgate: key negotiation: %w", err)
		}

		keys, ok := g.parseKeys(req, content)
		if !ok {
			g.log.Warn("discarding invalid memory-key answer",
				"attempt", attempt, "answer", truncate(content, 200))
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if len(keys) == 0 {
			return nil, nil
		}
		if g.metrics != nil {
			g.metrics.RecordMemoryRequest(ctx)
		}
		return keys, nil
	}

	// Ceiling reached without a valid answer. Proceed with whatever memory
	// the request already carries.
	g.log.Warn("memory-key negotiation exhausted, proceeding without",
		"attempts", g.maxAttempts)
	return nil, nil
}

func (g *Gate) buildRequest(req *chat.Request) llm.CompletionRequest {
	var index strings.Builder
	for _, key := range req.MemoryIndex {
		if _, resolved := req.Memories[key]; resolved {
			fmt.Fprintf(&index, "- %s (contents already provided)\n", key)
			continue
		}
		fmt.Fprintf(&index, "- %s\n", key)
	}

	messages := make([]llm.Message, 0, len(req.Turns))
	for _, t := range req.Turns {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}

	return llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(selectionPrompt, index.String()),
		Messages:     messages,
	}
}

// parseKeys validates one model answer. Every key must be in the declared
// index and must not already be resolved in req.Memories.
func (g *Gate) parseKeys(req *chat.Request, content string) ([]string, bool) {
	var keys []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &keys); err != nil {
		return nil, false
	}

	index := make(map[string]bool, len(req.MemoryIndex))
	for _, key := range req.MemoryIndex {
		index[key] = true
	}

	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if !index[key] {
			return nil, false
		}
		if _, resolved := req.Memories[key]; resolved {
			return nil, false
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
