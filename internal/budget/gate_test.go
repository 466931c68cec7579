package budget

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/parley-ai/parley/internal/chat"
)

// fakeBiller is an in-memory Biller recording every call.
type fakeBiller struct {
	userBalance   decimal.Decimal
	globalBalance decimal.Decimal

	balanceCalls int
	globalCalls  int
	billed       []billRecord
}

type billRecord struct {
	amount    decimal.Decimal
	accountID string
}

func (f *fakeBiller) Balance(_ context.Context, _ string) (decimal.Decimal, error) {
	f.balanceCalls++
	return f.userBalance, nil
}

func (f *fakeBiller) GlobalBalance(_ context.Context) (decimal.Decimal, error) {
	f.globalCalls++
	return f.globalBalance, nil
}

func (f *fakeBiller) BillForMonth(_ context.Context, amount decimal.Decimal, accountID string) error {
	f.billed = append(f.billed, billRecord{amount: amount, accountID: accountID})
	return nil
}

func turns(n int) []chat.Turn {
	out := make([]chat.Turn, n)
	for i := range out {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		out[i] = chat.Turn{Role: role, Content: "turn"}
	}
	return out
}

func newGate(t *testing.T, biller Biller) *Gate {
	t.Helper()
	g, err := New(biller, "openai/gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// TestCheckBelowThresholdSkipsLedger verifies that short conversations never
// touch the biller, authenticated or not.
func TestCheckBelowThresholdSkipsLedger(t *testing.T) {
	t.Parallel()
	biller := &fakeBiller{}
	g := newGate(t, biller)

	req := &chat.Request{Turns: turns(10), Model: "openai/gpt-4o"}
	dec, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Answer != "" {
		t.Errorf("Answer = %q, want pass-through", dec.Answer)
	}
	if dec.Model != "openai/gpt-4o" {
		t.Errorf("Model = %q, want requested model", dec.Model)
	}
	if biller.balanceCalls != 0 || biller.globalCalls != 0 {
		t.Errorf("ledger consulted below threshold: balance=%d global=%d",
			biller.balanceCalls, biller.globalCalls)
	}
	if dec.Billable {
		t.Error("Billable = true below the threshold")
	}

	// Settling the same decision must not debit anything either.
	g.Settle(context.Background(), req, dec, decimal.NewFromFloat(0.002))
	if len(biller.billed) != 0 {
		t.Errorf("below-threshold turn billed: %+v", biller.billed)
	}
}

// TestCheckFreeModelSkipsLedger verifies the free model bypasses the ledger
// even in long conversations.
func TestCheckFreeModelSkipsLedger(t *testing.T) {
	t.Parallel()
	biller := &fakeBiller{}
	g := newGate(t, biller)

	req := &chat.Request{
		Turns:         turns(25),
		Model:         g.FreeModel(),
		Authenticated: true,
		AccountID:     "acct-1",
	}
	dec, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Answer != "" || dec.Model != g.FreeModel() {
		t.Errorf("Decision = %+v, want free-model pass-through", dec)
	}
	if biller.balanceCalls != 0 || biller.globalCalls != 0 {
		t.Error("ledger consulted for free model")
	}
}

// TestCheckUnauthenticated verifies the fixed sign-in answer past the
// threshold and that the ledger is never read for anonymous callers.
func TestCheckUnauthenticated(t *testing.T) {
	t.Parallel()
	biller := &fakeBiller{}
	g := newGate(t, biller)

	req := &chat.Request{Turns: turns(11), Model: "openai/gpt-4o"}
	dec, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Answer != SignInAnswer {
		t.Errorf("Answer = %q, want the sign-in answer", dec.Answer)
	}
	if biller.balanceCalls != 0 {
		t.Error("ledger consulted for unauthenticated request")
	}
}

// TestCheckDowngrade verifies the silent downgrade when the user's own
// balance is gone but the shared pool still has funds.
func TestCheckDowngrade(t *testing.T) {
	t.Parallel()
	biller := &fakeBiller{
		userBalance:   decimal.Zero,
		globalBalance: decimal.NewFromInt(5),
	}
	g := newGate(t, biller)

	req := &chat.Request{
		Turns:         turns(11),
		Model:         "anthropic/claude-sonnet-4",
		Authenticated: true,
		AccountID:     "acct-1",
	}
	dec, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Answer != "" {
		t.Errorf("Answer = %q, downgrade must be silent", dec.Answer)
	}
	if dec.Model != g.FreeModel() {
		t.Errorf("Model = %q, want free model %q", dec.Model, g.FreeModel())
	}
	if !dec.Downgraded {
		t.Error("Downgraded = false, want true")
	}
	if !dec.Billable {
		t.Error("Billable = false, downgraded turns settle against the pool")
	}
}

// TestCheckPaywall verifies the fixed paywall answer when both the account
// and the shared pool are exhausted.
func TestCheckPaywall(t *testing.T) {
	t.Parallel()
	biller := &fakeBiller{
		userBalance:   decimal.NewFromInt(-2),
		globalBalance: decimal.NewFromInt(-1),
	}
	g := newGate(t, biller)

	req := &chat.Request{
		Turns:         turns(11),
		Model:         "openai/gpt-4o",
		Authenticated: true,
		AccountID:     "acct-1",
	}
	dec, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Answer != PaywallAnswer {
		t.Errorf("Answer = %q, want the paywall answer", dec.Answer)
	}
}

// TestCheckSufficientBalance verifies the pass-through on a funded account
// and that the global balance is not read in that case.
func TestCheckSufficientBalance(t *testing.T) {
	t.Parallel()
	biller := &fakeBiller{userBalance: decimal.NewFromFloat(3.50)}
	g := newGate(t, biller)

	req := &chat.Request{
		Turns:         turns(14),
		Model:         "openai/gpt-4o",
		Authenticated: true,
		AccountID:     "acct-1",
	}
	dec, err := g.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if dec.Answer != "" || dec.Model != "openai/gpt-4o" || dec.Downgraded || !dec.Billable {
		t.Errorf("Decision = %+v, want billable plain pass", dec)
	}
	if biller.globalCalls != 0 {
		t.Error("global balance read despite positive user balance")
	}
}

// TestSettle verifies billing attribution: funded accounts pay themselves,
// downgraded turns charge the donation pool, free-model turns are free.
func TestSettle(t *testing.T) {
	t.Parallel()

	cost := decimal.NewFromFloat(0.004)
	tests := []struct {
		name     string
		req      *chat.Request
		dec      Decision
		wantBill bool
		wantAcct string
	}{
		{
			name:     "funded account pays",
			req:      &chat.Request{Authenticated: true, AccountID: "acct-1"},
			dec:      Decision{Model: "openai/gpt-4o", Billable: true},
			wantBill: true,
			wantAcct: "acct-1",
		},
		{
			name:     "downgraded turn charges the pool",
			req:      &chat.Request{Authenticated: true, AccountID: "acct-1"},
			dec:      Decision{Model: "openai/gpt-4o-mini", Downgraded: true, Billable: true},
			wantBill: true,
			wantAcct: "",
		},
		{
			name:     "below-threshold turn is free",
			req:      &chat.Request{Authenticated: true, AccountID: "acct-1"},
			dec:      Decision{Model: "openai/gpt-4o"},
			wantBill: false,
		},
		{
			name:     "free model is free",
			req:      &chat.Request{Authenticated: true, AccountID: "acct-1"},
			dec:      Decision{Model: "openai/gpt-4o-mini"},
			wantBill: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			biller := &fakeBiller{}
			g := newGate(t, biller)

			g.Settle(context.Background(), tt.req, tt.dec, cost)

			if !tt.wantBill {
				if len(biller.billed) != 0 {
					t.Fatalf("billed %d records, want none", len(biller.billed))
				}
				return
			}
			if len(biller.billed) != 1 {
				t.Fatalf("billed %d records, want 1", len(biller.billed))
			}
			got := biller.billed[0]
			if got.accountID != tt.wantAcct {
				t.Errorf("billed account = %q, want %q", got.accountID, tt.wantAcct)
			}
			if !got.amount.Equal(cost) {
				t.Errorf("billed amount = %s, want %s", got.amount, cost)
			}
		})
	}
}

// TestNewValidation verifies constructor argument checks.
func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, "free"); err == nil || !strings.Contains(err.Error(), "biller") {
		t.Errorf("New(nil biller) error = %v, want biller error", err)
	}
	if _, err := New(&fakeBiller{}, ""); err == nil || !strings.Contains(err.Error(), "free model") {
		t.Errorf("New(empty free model) error = %v, want free model error", err)
	}
}
