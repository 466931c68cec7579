// Package chat defines the conversation data model shared by the gates, the
// orchestrator, and the transport adapters: role-tagged turns, the per-request
// envelope, and the tagged stream-event union emitted during a turn.
package chat

import "github.com/parley-ai/parley/pkg/provider/llm"

// Role values for [Turn.Role].
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Turn is one role-tagged message in a conversation.
type Turn struct {
	// Role is one of "user", "assistant", "system", or "tool".
	Role string `json:"role"`

	// Content is the text content of the turn.
	Content string `json:"content"`

	// Name optionally names the participant, e.g. the tool that produced a
	// "tool" turn.
	Name string `json:"name,omitempty"`

	// ToolCalls carries tool invocations on assistant turns that requested
	// backend tool execution.
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a "tool" turn back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Request is the immutable input to one conversation turn.
//
// The orchestrator never mutates a Request; during the tool loop it works on
// a private extended copy of Turns that grows with tool results.
type Request struct {
	// Turns is the ordered conversation history, oldest first. The last turn
	// is typically from the user and drives the response.
	Turns []Turn `json:"turns"`

	// Model is the requested model identifier, optionally prefixed with a
	// provider name ("openai/gpt-4o"). Empty means the configured default.
	Model string `json:"model,omitempty"`

	// Tone holds free-form behavioural modifiers appended to the system
	// prompt (verbosity, persona adjustments). May be empty.
	Tone string `json:"tone,omitempty"`

	// AccountID identifies the billing account. Empty for anonymous callers.
	AccountID string `json:"account_id,omitempty"`

	// Authenticated reports whether the caller presented a valid identity.
	Authenticated bool `json:"authenticated,omitempty"`

	// MemoryIndex lists the long-term memory keys the client could resolve
	// on request. The broker never fetches memory itself.
	MemoryIndex []string `json:"memory_index,omitempty"`

	// Memories maps already-resolved memory keys to their content.
	Memories map[string]string `json:"memories,omitempty"`

	// LoopCount is the number of memory-negotiation round trips this
	// conversation has already performed.
	LoopCount int `json:"loop_count,omitempty"`

	// LimitReached is set by the client once LoopCount hit the ceiling; it
	// suppresses further memory negotiation.
	LimitReached bool `json:"limit_reached,omitempty"`

	// ClientTools declares tool schemas only the calling client can execute.
	// Calls to these are forwarded as tool_call events, never run here.
	ClientTools []llm.ToolDefinition `json:"client_tools,omitempty"`
}

// HasMemory reports whether key is already resolved in the request.
func (r *Request) HasMemory(key string) bool {
	_, ok := r.Memories[key]
	return ok
}

// Clone returns a deep-enough copy of r for the orchestrator to extend:
// the Turns slice is copied, everything else is shared read-only.
func (r *Request) Clone() *Request {
	dup := *r
	dup.Turns = make([]Turn, len(r.Turns))
	copy(dup.Turns, r.Turns)
	return &dup
}
