package orchestrator

import (
	"errors"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// iterationResult is everything one streaming iteration produced: the text it
// contributed to the answer, the tool calls the model requested, token usage,
// and how the iteration ended.
type iterationResult struct {
	// text is the concatenated text deltas of this iteration.
	text string

	// toolCalls holds the completed tool invocations, if any.
	toolCalls []llm.ToolCall

	// usage is the token accounting the backend reported, if any.
	usage llm.Usage

	// err is set when the backend stream failed mid-iteration.
	err error

	// delivered is false when the consumer went away while an event was
	// being emitted; the turn must end silently in that case.
	delivered bool
}

// runIteration consumes one streaming completion. Text deltas are handed to
// emit as they arrive; how they reach the client is the caller's concern, so
// the function stays a pure fold from chunks to an iterationResult and tests
// can drive it from a plain channel.
//
// Tool-call fragments are accumulated by the provider layer; here they only
// surface on the finishing chunk, already assembled.
func runIteration(chunks <-chan llm.Chunk, emit func(chat.Event) bool) iterationResult {
	res := iterationResult{delivered: true}
	var text []byte

	for c := range chunks {
		if c.Usage != nil {
			res.usage = res.usage.Add(*c.Usage)
		}
		if c.FinishReason == "error" {
			msg := c.Text
			if msg == "" {
				msg = "completion backend stream failed"
			}
			res.err = errors.New(msg)
			res.text = string(text)
			return res
		}
		if c.Text != "" {
			text = append(text, c.Text...)
			if !emit(chat.ChunkEvent(c.Text)) {
				res.delivered = false
				res.text = string(text)
				return res
			}
		}
		if len(c.ToolCalls) > 0 {
			res.toolCalls = append(res.toolCalls, c.ToolCalls...)
		}
	}

	res.text = string(text)
	return res
}
