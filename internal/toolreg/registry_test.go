package toolreg

import (
	"context"
	"testing"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// echoTool returns a Tool that echoes its args back as the result.
func echoTool(name string) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        name,
			Description: "echoes args",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(_ context.Context, args string, _ *chat.Request) (string, error) {
			return args, nil
		},
	}
}

// toolNamed returns the first ToolDefinition with the given name, or nil.
func toolNamed(tools []llm.ToolDefinition, name string) *llm.ToolDefinition {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// TestRegister verifies that a registered tool is visible via Has and Get.
func TestRegister(t *testing.T) {
	t.Parallel()
	r := New()

	if err := r.Register(echoTool("greet")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Has("greet") {
		t.Error("Has(greet) = false after Register")
	}
	if _, ok := r.Get("greet"); !ok {
		t.Error("Get(greet) not found after Register")
	}
	if r.Has("unknown") {
		t.Error("Has(unknown) = true for unregistered tool")
	}
}

// TestRegisterValidation verifies that empty names and nil handlers are rejected.
func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := New()

	if err := r.Register(Tool{Handler: func(context.Context, string, *chat.Request) (string, error) { return "", nil }}); err == nil {
		t.Error("expected error for empty name, got nil")
	}
	if err := r.Register(Tool{Definition: llm.ToolDefinition{Name: "no-handler"}}); err == nil {
		t.Error("expected error for nil handler, got nil")
	}
}

// TestRegisterOverwrite verifies idempotent overwrite by name.
func TestRegisterOverwrite(t *testing.T) {
	t.Parallel()
	r := New()

	first := echoTool("dup")
	first.Definition.Description = "first"
	second := echoTool("dup")
	second.Definition.Description = "second"

	if err := r.Register(first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	got, ok := r.Get("dup")
	if !ok {
		t.Fatal("Get(dup) not found")
	}
	if got.Definition.Description != "second" {
		t.Errorf("Description = %q, want %q", got.Definition.Description, "second")
	}

	defs := r.DefinitionsFor(&chat.Request{})
	if len(defs) != 1 {
		t.Errorf("DefinitionsFor returned %d entries, want 1", len(defs))
	}
}

// TestDefinitionsForPredicate verifies that a tool with a predicate is only
// advertised when the predicate accepts the request.
func TestDefinitionsForPredicate(t *testing.T) {
	t.Parallel()
	r := New()

	gated := echoTool("library_search")
	gated.Enabled = func(req *chat.Request) bool {
		return req.HasMemory("library")
	}
	if err := r.Register(gated); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("always_on")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	without := r.DefinitionsFor(&chat.Request{})
	if toolNamed(without, "library_search") != nil {
		t.Error("gated tool advertised for request that fails the predicate")
	}
	if toolNamed(without, "always_on") == nil {
		t.Error("unconditional tool missing from definitions")
	}

	with := r.DefinitionsFor(&chat.Request{Memories: map[string]string{"library": "catalogue"}})
	if toolNamed(with, "library_search") == nil {
		t.Error("gated tool missing for request that passes the predicate")
	}

	// Gating controls advertisement only — the tool stays executable.
	if !r.Has("library_search") {
		t.Error("gated tool not executable via Has")
	}
}

// TestDefinitionsForSorted verifies the stable name ordering.
func TestDefinitionsForSorted(t *testing.T) {
	t.Parallel()
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	defs := r.DefinitionsFor(&chat.Request{})
	want := []string{"alpha", "mid", "zeta"}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d].Name = %q, want %q", i, defs[i].Name, name)
		}
	}
}
