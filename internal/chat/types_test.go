package chat

import (
	"encoding/json"
	"testing"
)

func TestCloneIsolatesTurns(t *testing.T) {
	t.Parallel()

	orig := &Request{
		Turns: []Turn{
			{Role: RoleUser, Content: "hello"},
		},
		Model:    "openai/gpt-4o",
		Memories: map[string]string{"projects": "parley"},
	}

	dup := orig.Clone()
	dup.Turns[0].Content = "mutated"
	dup.Turns = append(dup.Turns, Turn{Role: RoleAssistant, Content: "reply"})

	if orig.Turns[0].Content != "hello" {
		t.Errorf("original turn mutated through clone: %q", orig.Turns[0].Content)
	}
	if len(orig.Turns) != 1 {
		t.Errorf("original grew to %d turns", len(orig.Turns))
	}
	if dup.Model != orig.Model {
		t.Errorf("clone model = %q, want %q", dup.Model, orig.Model)
	}
}

func TestHasMemory(t *testing.T) {
	t.Parallel()

	req := &Request{Memories: map[string]string{"projects": "parley"}}
	if !req.HasMemory("projects") {
		t.Error("resolved key not reported")
	}
	if req.HasMemory("hobbies") {
		t.Error("unresolved key reported as resolved")
	}
	if (&Request{}).HasMemory("projects") {
		t.Error("nil memories reported a key")
	}
}

// TestEventEncoding verifies each constructor tags its event and only the
// matching payload fields survive serialisation.
func TestEventEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		event    Event
		wantJSON string
	}{
		{
			name:     "memory request",
			event:    MemoryRequestEvent([]string{"projects", "hobbies"}),
			wantJSON: `{"type":"memory_request","keys":["projects","hobbies"]}`,
		},
		{
			name:     "chunk",
			event:    ChunkEvent("hel"),
			wantJSON: `{"type":"chunk","delta":"hel"}`,
		},
		{
			name:     "signature",
			event:    SignatureEvent("abc123"),
			wantJSON: `{"type":"signature","signature":"abc123"}`,
		},
		{
			name:     "error",
			event:    ErrorEvent("backend unavailable"),
			wantJSON: `{"type":"error","message":"backend unavailable"}`,
		},
		{
			name:     "done",
			event:    DoneEvent(),
			wantJSON: `{"type":"done"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(raw) != tt.wantJSON {
				t.Errorf("encoded = %s, want %s", raw, tt.wantJSON)
			}
		})
	}
}
