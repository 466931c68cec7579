// Package toolreg catalogues the server-executed tools a model may invoke.
//
// A [Registry] is an explicitly constructed, dependency-injected instance
// passed into the orchestrator — there is no package-level singleton. Tools
// are registered once at process start (builtin Go handlers or tools imported
// from external MCP servers) and looked up read-only per request afterwards.
//
// The registry decides nothing about execution policy: handler failures are
// the orchestrator's concern, and the registry performs no retries.
package toolreg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Handler executes a tool call. args is the JSON-encoded argument object the
// model produced; req is the originating request, available for tools that
// vary behaviour per caller. The returned string is fed back to the model as
// the tool result.
type Handler func(ctx context.Context, args string, req *chat.Request) (string, error)

// Predicate decides whether a tool is advertised for a given request.
// A nil predicate means always enabled.
type Predicate func(req *chat.Request) bool

// Tool is one registry entry.
type Tool struct {
	// Definition is the JSON-schema declaration offered to the model.
	// Definition.Name is the registry key and must not be empty.
	Definition llm.ToolDefinition

	// Handler executes the tool. Must not be nil.
	Handler Handler

	// Enabled gates per-request advertisement. Nil means always enabled.
	// A disabled tool is still executable when the model names it — the
	// predicate controls advertisement, not execution.
	Enabled Predicate
}

// Registry is a concurrent-safe catalogue of server-executed tools.
// The zero value is not usable; create instances with [New].
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	// closers shuts down MCP server connections on Close, keyed by server name.
	closers map[string]func() error
}

// New returns an empty, ready-to-use Registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		closers: make(map[string]func() error),
	}
}

// Register adds t to the registry. Registering a name that already exists
// overwrites the previous entry (idempotent overwrite by name).
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return errors.New("toolreg: tool must have a non-empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("toolreg: tool %q must have a handler", t.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
	return nil
}

// Has reports whether a tool with the given name is registered. The
// orchestrator uses this to classify a model-issued call as backend
// (registered here) versus client (forwarded verbatim).
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// DefinitionsFor returns the definitions of every tool whose predicate
// accepts req, sorted by name for a stable prompt layout.
func (r *Registry) DefinitionsFor(req *chat.Request) []llm.ToolDefinition {
	r.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if t.Enabled == nil || t.Enabled(req) {
			defs = append(defs, t.Definition)
		}
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Close shuts down all imported MCP server connections. Builtin tools are
// unaffected. After Close the registry should not be used for MCP tools.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, closeFn := range r.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolreg: close server %q: %w", name, err)
		}
		delete(r.closers, name)
	}
	return firstErr
}
