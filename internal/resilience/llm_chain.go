package resilience

import (
	"context"

	"github.com/parley-ai/parley/pkg/provider/llm"
)

// ProviderChain is an [llm.Provider] that fails over across ordered
// backends. Each backend sits behind its own breaker; once the preferred
// backend trips, traffic moves to the next healthy one until the cool-down
// lets the preferred backend prove itself again.
//
// Only opening a stream participates in failover. Once a chunk channel is
// handed out, mid-stream failures surface on that channel and are not
// replayed against another backend, because earlier chunks may already have
// reached the client.
type ProviderChain struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*ProviderChain)(nil)

// NewProviderChain builds an empty chain; register backends with Add in
// preference order before use.
func NewProviderChain(cfg BreakerConfig) *ProviderChain {
	return &ProviderChain{chain: NewChain[llm.Provider](cfg)}
}

// Add registers a backend at the end of the preference order.
func (pc *ProviderChain) Add(name string, p llm.Provider) {
	pc.chain.Add(name, p)
}

// Len reports the number of registered backends.
func (pc *ProviderChain) Len() int { return pc.chain.Len() }

// StreamCompletion opens a stream on the first healthy backend.
func (pc *ProviderChain) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Try(pc.chain, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete runs a non-streaming completion on the first healthy backend.
func (pc *ProviderChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Try(pc.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the preferred backend's capabilities. Static metadata
// does not participate in failover.
func (pc *ProviderChain) Capabilities() llm.ModelCapabilities {
	if p, ok := pc.chain.First(); ok {
		return p.Capabilities()
	}
	return llm.ModelCapabilities{}
}
