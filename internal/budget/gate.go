// Package budget decides, before any model call, whether a conversation turn
// may proceed on the requested model, must be downgraded to the free model, or
// must be answered with a fixed message instead of a completion.
//
// The gate only consults the billing ledger once a conversation has grown past
// a turn threshold and the caller asked for a paid model. Balances are read
// fresh on every check; the actual debit happens elsewhere, after a completed
// turn.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/observe"
)

// DefaultTurnThreshold is the conversation length at which billing starts to
// matter. Short conversations are free regardless of model.
const DefaultTurnThreshold = 10

// Fixed answers returned instead of a model completion. They are streamed to
// the client as ordinary chunks and signed like any other assistant turn.
const (
	// SignInAnswer is returned when an anonymous caller exceeds the free
	// conversation length on a paid model.
	SignInAnswer = "You have reached the limit for anonymous conversations. " +
		"Please sign in to continue this conversation on the requested model."

	// PaywallAnswer is returned when both the caller's balance and the shared
	// pool are exhausted.
	PaywallAnswer = "The shared budget for this service is currently exhausted. " +
		"Please add credit to your account or try again later."
)

// Biller exposes the ledger reads and the post-completion debit the gate and
// the orchestrator need. internal/billing provides the Postgres implementation.
type Biller interface {
	// Balance returns the account's current balance, credits minus debits.
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)

	// GlobalBalance returns the balance across all accounts including the
	// donation pool.
	GlobalBalance(ctx context.Context) (decimal.Decimal, error)

	// BillForMonth debits amount against the account for the current calendar
	// month. An empty accountID debits the donation pool.
	BillForMonth(ctx context.Context, amount decimal.Decimal, accountID string) error
}

// Decision is the gate's verdict for one turn.
type Decision struct {
	// Answer, when non-empty, is a fixed response that replaces the model
	// completion entirely. The orchestrator must not call the gateway.
	Answer string

	// Model is the model to use for the turn. It differs from the requested
	// model when the gate downgraded the caller to the free model.
	Model string

	// Downgraded reports that Model was forced to the free model because the
	// caller's own balance was exhausted. Billing for a downgraded turn goes
	// to the donation pool.
	Downgraded bool

	// Billable reports that the turn is subject to settlement. It is set only
	// when the gate got past the turn threshold on a paid model; below the
	// threshold, and on the free model, completed turns cost nothing.
	Billable bool
}

// Gate enforces the budget policy for a single deployment.
type Gate struct {
	biller        Biller
	freeModel     string
	turnThreshold int
	metrics       *observe.Metrics
	log           *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTurnThreshold overrides the conversation length at which the gate
// starts consulting the ledger.
func WithTurnThreshold(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.turnThreshold = n
		}
	}
}

// WithMetrics records gate outcomes on the given metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithLogger sets the logger used for downgrade and ledger-failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// New builds a Gate. freeModel is the model identifier paid-out callers are
// downgraded to; it is never billed.
func New(biller Biller, freeModel string, opts ...Option) (*Gate, error) {
	if biller == nil {
		return nil, fmt.Errorf("budget: biller must not be nil")
	}
	if freeModel == "" {
		return nil, fmt.Errorf("budget: free model must not be empty")
	}
	g := &Gate{
		biller:        biller,
		freeModel:     freeModel,
		turnThreshold: DefaultTurnThreshold,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// FreeModel returns the configured free model identifier.
func (g *Gate) FreeModel() string { return g.freeModel }

// Check applies the budget policy to req and returns the decision for this
// turn. The ledger is consulted only above the turn threshold and only for
// paid models; balances are always read fresh.
func (g *Gate) Check(ctx context.Context, req *chat.Request) (Decision, error) {
	if len(req.Turns) <= g.turnThreshold || req.Model == g.freeModel {
		g.record(ctx, "pass")
		return Decision{Model: req.Model}, nil
	}

	if !req.Authenticated {
		g.record(ctx, "signin")
		return Decision{Answer: SignInAnswer, Model: req.Model}, nil
	}

	userBalance, err := g.biller.Balance(ctx, req.AccountID)
	if err != nil {
		return Decision{}, fmt.Errorf("budget: reading balance for %q: %w", req.AccountID, err)
	}

	model := req.Model
	downgraded := false
	if userBalance.LessThanOrEqual(decimal.Zero) {
		model = g.freeModel
		downgraded = true
		g.log.Info("downgrading to free model, account balance exhausted",
			"account", req.AccountID, "requested", req.Model)

		total, err := g.biller.GlobalBalance(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("budget: reading global balance: %w", err)
		}
		if total.LessThanOrEqual(decimal.Zero) {
			g.record(ctx, "paywall")
			return Decision{Answer: PaywallAnswer, Model: model}, nil
		}
		g.record(ctx, "downgrade")
		return Decision{Model: model, Downgraded: true, Billable: true}, nil
	}

	g.record(ctx, "pass")
	return Decision{Model: model, Downgraded: downgraded, Billable: true}, nil
}

// Settle debits the cost of a completed turn. Only turns the gate marked
// billable are debited; downgraded turns and turns from unknown accounts are
// charged to the donation pool. A ledger failure is logged and swallowed so
// billing problems never surface mid-stream.
func (g *Gate) Settle(ctx context.Context, req *chat.Request, dec Decision, cost decimal.Decimal) {
	if !dec.Billable {
		return
	}
	if cost.LessThanOrEqual(decimal.Zero) {
		return
	}
	accountID := req.AccountID
	if dec.Downgraded || !req.Authenticated {
		accountID = ""
	}
	if err := g.biller.BillForMonth(ctx, cost, accountID); err != nil {
		g.log.Error("billing completed turn failed",
			"account", accountID, "cost", cost.String(), "error", err)
	}
}

func (g *Gate) record(ctx context.Context, outcome string) {
	if g.metrics != nil {
		g.metrics.RecordBudgetOutcome(ctx, outcome)
	}
}
