// Package orchestrator drives one conversation turn end to end: budget and
// memory gating, the streaming tool-execution loop against the Model Gateway,
// and the closing signature over the finished answer.
//
// A turn moves through four states. Gating runs the Budget Gate and the
// Memory Gate; either may terminate the turn with a fixed answer or a
// memory_request. Iterating streams model output, executing backend tools and
// feeding their results back into the prompt, up to a hard loop ceiling.
// Draining signs the prompt sequence plus the accumulated answer. Terminated
// closes the event channel after exactly one done event, on every path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parley-ai/parley/internal/budget"
	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/memgate"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/signature"
	"github.com/parley-ai/parley/internal/toolreg"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// DefaultMaxToolLoops bounds the tool-execution loop of one turn.
const DefaultMaxToolLoops = 10

// CostFunc prices the token usage of a completed turn for billing.
type CostFunc func(model string, usage llm.Usage) decimal.Decimal

// defaultCost applies a flat blended rate of 2 USD per million tokens.
func defaultCost(_ string, usage llm.Usage) decimal.Decimal {
	return decimal.NewFromInt(int64(usage.TotalTokens)).
		Mul(decimal.New(2, -6))
}

// Orchestrator executes conversation turns. Construct one per process and
// share it; all methods are safe for concurrent use.
type Orchestrator struct {
	gateway      gateway.Caller
	registry     *toolreg.Registry
	budget       *budget.Gate
	memory       *memgate.Gate
	signer       *signature.Signer
	maxToolLoops int
	cost         CostFunc
	metrics      *observe.Metrics
	log          *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxToolLoops overrides the tool-loop ceiling.
func WithMaxToolLoops(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxToolLoops = n
		}
	}
}

// WithCost overrides the usage pricing function.
func WithCost(f CostFunc) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.cost = f
		}
	}
}

// WithMetrics records turn, tool, and stream metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// New wires an Orchestrator from its collaborators. All of them are required.
func New(gw gateway.Caller, reg *toolreg.Registry, bud *budget.Gate, mem *memgate.Gate, signer *signature.Signer, opts ...Option) (*Orchestrator, error) {
	switch {
	case gw == nil:
		return nil, fmt.Errorf("orchestrator: gateway must not be nil")
	case reg == nil:
		return nil, fmt.Errorf("orchestrator: registry must not be nil")
	case bud == nil:
		return nil, fmt.Errorf("orchestrator: budget gate must not be nil")
	case mem == nil:
		return nil, fmt.Errorf("orchestrator: memory gate must not be nil")
	case signer == nil:
		return nil, fmt.Errorf("orchestrator: signer must not be nil")
	}
	o := &Orchestrator{
		gateway:      gw,
		registry:     reg,
		budget:       bud,
		memory:       mem,
		signer:       signer,
		maxToolLoops: DefaultMaxToolLoops,
		cost:         defaultCost,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Stream executes one turn and returns its event stream. The channel is
// unbuffered: a slow consumer suspends the producing goroutine, which in turn
// stops reading from the backend. The channel is closed after the final done
// event; cancelling ctx stops the turn at the next suspension point.
func (o *Orchestrator) Stream(ctx context.Context, req *chat.Request) <-chan chat.Event {
	out := make(chan chat.Event)
	go o.run(ctx, req, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, req *chat.Request, out chan<- chat.Event) {
	defer close(out)

	ctx, span := observe.StartSpan(ctx, "orchestrator.turn")
	defer span.End()

	start := time.Now()
	if o.metrics != nil {
		o.metrics.ActiveStreams.Add(ctx, 1)
		defer o.metrics.ActiveStreams.Add(ctx, -1)
		defer func() {
			o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	emit := func(ev chat.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// ── Gating ──

	dec, err := o.budget.Check(ctx, req)
	if err != nil {
		o.log.Error("budget check failed", "account", req.AccountID, "err", err)
		o.fail(emit, "budget check failed")
		return
	}
	if dec.Answer != "" {
		// Fixed answer: stream it like a normal completion, signed, with no
		// gateway call.
		if !emit(chat.ChunkEvent(dec.Answer)) {
			return
		}
		if !emit(chat.SignatureEvent(o.signer.Sign(withAnswer(req.Turns, dec.Answer)))) {
			return
		}
		emit(chat.DoneEvent())
		return
	}

	// The decided model also drives memory negotiation, so a downgraded
	// account never reaches the paid backend.
	model := dec.Model
	if model == "" {
		model = req.Model
	}

	keys, err := o.memory.RelevantKeys(ctx, req, model)
	if err != nil {
		o.log.Error("memory negotiation failed", "err", err)
		o.fail(emit, "memory negotiation failed")
		return
	}
	if len(keys) > 0 {
		if !emit(chat.MemoryRequestEvent(keys)) {
			return
		}
		emit(chat.DoneEvent())
		return
	}

	// ── Iterating ──

	work := req.Clone()
	tools := mergeTools(o.registry.DefinitionsFor(req), req.ClientTools)
	systemPrompt := buildSystemPrompt(req)

	var answer strings.Builder
	var usage llm.Usage

	for k := 0; k < o.maxToolLoops; k++ {
		creq := llm.CompletionRequest{
			Messages:     toMessages(work.Turns),
			Tools:        tools,
			SystemPrompt: systemPrompt,
		}
		chunks, err := o.gateway.Stream(ctx, model, creq)
		if err != nil {
			o.log.Error("opening completion stream failed", "model", model, "err", err)
			o.fail(emit, streamErrorMessage(err))
			return
		}

		res := runIteration(chunks, emit)
		answer.WriteString(res.text)
		usage = usage.Add(res.usage)
		if !res.delivered {
			return
		}
		if res.err != nil {
			o.log.Error("completion stream failed mid-turn", "model", model, "err", res.err)
			o.fail(emit, res.err.Error())
			return
		}
		if len(res.toolCalls) == 0 {
			break
		}

		backendCalls, clientCalls := o.partition(res.toolCalls)
		for _, call := range clientCalls {
			if !emit(chat.ToolCallEvent(call)) {
				return
			}
		}
		if len(backendCalls) == 0 {
			// Everything left is client-handled; nothing to feed back.
			break
		}
		if k+1 == o.maxToolLoops {
			// Ceiling reached. Fail open to whatever text has accumulated
			// rather than hanging the client on an unterminated tool chain.
			o.log.Warn("tool loop ceiling reached", "ceiling", o.maxToolLoops)
			break
		}

		work.Turns = append(work.Turns, chat.Turn{
			Role:      chat.RoleAssistant,
			Content:   res.text,
			ToolCalls: backendCalls,
		})
		for _, call := range backendCalls {
			work.Turns = append(work.Turns, chat.Turn{
				Role:       chat.RoleTool,
				Content:    o.executeTool(ctx, call, req),
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}

	// ── Draining ──

	if !emit(chat.SignatureEvent(o.signer.Sign(withAnswer(req.Turns, answer.String())))) {
		return
	}
	if !emit(chat.DoneEvent()) {
		return
	}
	o.budget.Settle(ctx, req, dec, o.cost(model, usage))
}

// fail emits an error event followed by the terminal done event.
func (o *Orchestrator) fail(emit func(chat.Event) bool, msg string) {
	if !emit(chat.ErrorEvent(msg)) {
		return
	}
	emit(chat.DoneEvent())
}

// partition splits completed tool calls into backend calls (name known to
// the registry) and client calls (everything else).
func (o *Orchestrator) partition(calls []llm.ToolCall) (backend, client []llm.ToolCall) {
	for _, call := range calls {
		if o.registry.Has(call.Name) {
			backend = append(backend, call)
		} else {
			client = append(client, call)
		}
	}
	return backend, client
}

// executeTool runs one backend tool handler. Failures are stringified into
// the tool result so the model can react; they never abort the turn.
func (o *Orchestrator) executeTool(ctx context.Context, call llm.ToolCall, req *chat.Request) string {
	tool, ok := o.registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("tool %q is not available", call.Name)
	}

	ctx, span := observe.StartSpan(ctx, "orchestrator.tool."+call.Name)
	defer span.End()

	start := time.Now()
	result, err := tool.Handler(ctx, call.Arguments, req)
	if o.metrics != nil {
		o.metrics.RecordToolCall(ctx, call.Name, time.Since(start), err)
	}
	if err != nil {
		o.log.Warn("tool handler failed", "tool", call.Name, "err", err)
		return fmt.Sprintf("tool %q failed: %v", call.Name, err)
	}
	return result
}

// mergeTools combines registry definitions with client-declared schemas.
// The backend definition wins on a name collision; the conflicting client
// schema is dropped.
func mergeTools(backend, client []llm.ToolDefinition) []llm.ToolDefinition {
	if len(backend) == 0 && len(client) == 0 {
		return nil
	}
	out := make([]llm.ToolDefinition, 0, len(backend)+len(client))
	seen := make(map[string]bool, len(backend))
	for _, def := range backend {
		out = append(out, def)
		seen[def.Name] = true
	}
	for _, def := range client {
		if seen[def.Name] {
			continue
		}
		out = append(out, def)
	}
	return out
}

// withAnswer returns turns extended with the not-yet-persisted assistant
// answer, the sequence the signature covers.
func withAnswer(turns []chat.Turn, answer string) []chat.Turn {
	out := make([]chat.Turn, 0, len(turns)+1)
	out = append(out, turns...)
	out = append(out, chat.Turn{Role: chat.RoleAssistant, Content: answer})
	return out
}

// toMessages converts conversation turns into backend messages.
func toMessages(turns []chat.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{
			Role:       t.Role,
			Content:    t.Content,
			Name:       t.Name,
			ToolCalls:  t.ToolCalls,
			ToolCallID: t.ToolCallID,
		})
	}
	return out
}

// buildSystemPrompt folds the tone modifiers and the resolved memories into
// one system prompt. Memory keys are sorted for deterministic prompts.
func buildSystemPrompt(req *chat.Request) string {
	var b strings.Builder
	if req.Tone != "" {
		b.WriteString(req.Tone)
	}
	if len(req.Memories) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Long-term memory about this user:\n")
		keys := make([]string, 0, len(req.Memories))
		for key := range req.Memories {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s: %s\n", key, req.Memories[key])
		}
	}
	return b.String()
}

// streamErrorMessage keeps rate-limit details visible to the client while
// flattening everything else to a generic message.
func streamErrorMessage(err error) string {
	var rle *gateway.RateLimitError
	if errors.As(err, &rle) {
		return rle.Error()
	}
	return "completion backend unavailable"
}
