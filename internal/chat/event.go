package chat

import "github.com/parley-ai/parley/pkg/provider/llm"

// EventType discriminates the [Event] tagged union.
type EventType string

const (
	// EventMemoryRequest asks the client to resolve additional memory keys
	// and re-invoke the turn. Terminal for this turn.
	EventMemoryRequest EventType = "memory_request"

	// EventChunk carries an incremental text delta of the answer.
	EventChunk EventType = "chunk"

	// EventToolCall forwards a client-executed tool invocation. The broker
	// never runs these itself.
	EventToolCall EventType = "tool_call"

	// EventSignature carries the keyed digest over the prompt sequence plus
	// the full answer. At most one per turn, on the success path.
	EventSignature EventType = "signature"

	// EventError reports a terminal failure. Partial output already
	// streamed is never retracted.
	EventError EventType = "error"

	// EventDone terminates the turn. Exactly one per turn on every path.
	EventDone EventType = "done"
)

// Event is one element of the transport-neutral stream a turn produces.
// Exactly one field beyond Type is populated, matching the type tag.
type Event struct {
	Type EventType `json:"type"`

	// MemoryKeys is set for memory_request events.
	MemoryKeys []string `json:"keys,omitempty"`

	// Delta is set for chunk events.
	Delta string `json:"delta,omitempty"`

	// ToolCallID, ToolName and ToolArguments are set for tool_call events.
	ToolCallID    string `json:"id,omitempty"`
	ToolName      string `json:"name,omitempty"`
	ToolArguments string `json:"arguments,omitempty"`

	// Signature is set for signature events.
	Signature string `json:"signature,omitempty"`

	// Message is set for error events.
	Message string `json:"message,omitempty"`
}

// MemoryRequestEvent builds a memory_request event for the given keys.
func MemoryRequestEvent(keys []string) Event {
	return Event{Type: EventMemoryRequest, MemoryKeys: keys}
}

// ChunkEvent builds a chunk event carrying delta.
func ChunkEvent(delta string) Event {
	return Event{Type: EventChunk, Delta: delta}
}

// ToolCallEvent builds a tool_call event forwarding a client tool invocation.
func ToolCallEvent(call llm.ToolCall) Event {
	return Event{
		Type:          EventToolCall,
		ToolCallID:    call.ID,
		ToolName:      call.Name,
		ToolArguments: call.Arguments,
	}
}

// SignatureEvent builds a signature event.
func SignatureEvent(sig string) Event {
	return Event{Type: EventSignature, Signature: sig}
}

// ErrorEvent builds an error event with the given message.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

// DoneEvent builds the terminal done event.
func DoneEvent() Event {
	return Event{Type: EventDone}
}
