package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// NullLedger is the biller used when no Postgres DSN is configured. Every
// balance reads as zero, so authenticated requests past the free turn
// threshold downgrade and the paywall answer fires once the (empty) pool is
// consulted. Debits are discarded.
type NullLedger struct{}

// NewNullLedger returns a ledger that holds no money.
func NewNullLedger() *NullLedger { return &NullLedger{} }

func (*NullLedger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (*NullLedger) GlobalBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (*NullLedger) BillForMonth(ctx context.Context, amount decimal.Decimal, accountID string) error {
	return nil
}
