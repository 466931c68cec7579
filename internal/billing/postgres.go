// Package billing holds the money collaborators of the broker: a Postgres
// ledger of usage debits and payment credits, and a Stripe-backed payments
// recorder. Balances are always derived from the ledger rows, never cached.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DonationPoolAccount is the reserved account the shared pool lives under.
// Donations credit it; downgraded and anonymous usage debits it.
const DonationPoolAccount = "donation-pool"

// monthKey formats t as the calendar-month ledger key, e.g. "2026-08".
func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PostgresLedger stores credits and debits in two tables:
//
//	payments(account_id text, amount numeric, created_at timestamptz)
//	usage_ledger(account_id text, month text, amount numeric,
//	             primary key (account_id, month))
//
// Usage rows are month-keyed and upserted additively, so concurrent billings
// for the same account and month merge instead of overwriting each other.
type PostgresLedger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresLedger connects a ledger to the given pool.
func NewPostgresLedger(pool *pgxpool.Pool) (*PostgresLedger, error) {
	if pool == nil {
		return nil, fmt.Errorf("billing: pool must not be nil")
	}
	return &PostgresLedger{pool: pool, now: time.Now}, nil
}

// Open dials Postgres with the given DSN and returns a connected ledger and
// a close func for the underlying pool.
func Open(ctx context.Context, dsn string) (*PostgresLedger, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("billing: pinging postgres: %w", err)
	}
	ledger, err := NewPostgresLedger(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return ledger, pool.Close, nil
}

// Ping verifies connectivity to the ledger database.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

// Balance returns credits minus debits for one account.
func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	const q = `
		SELECT (
			COALESCE((SELECT SUM(amount) FROM payments WHERE account_id = $1), 0)
			-
			COALESCE((SELECT SUM(amount) FROM usage_ledger WHERE account_id = $1), 0)
		)::text`

	var raw string
	if err := l.pool.QueryRow(ctx, q, accountID).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("billing: querying balance for %q: %w", accountID, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: parsing balance %q: %w", raw, err)
	}
	return balance, nil
}

// GlobalBalance returns credits minus debits across every account, the
// donation pool included.
func (l *PostgresLedger) GlobalBalance(ctx context.Context) (decimal.Decimal, error) {
	const q = `
		SELECT (
			COALESCE((SELECT SUM(amount) FROM payments), 0)
			-
			COALESCE((SELECT SUM(amount) FROM usage_ledger), 0)
		)::text`

	var raw string
	if err := l.pool.QueryRow(ctx, q).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("billing: querying global balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: parsing global balance %q: %w", raw, err)
	}
	return balance, nil
}

// BillForMonth adds a debit for the current calendar month. An empty
// accountID charges the donation pool. The upsert is additive: a concurrent
// bill for the same (account, month) pair adds to the row instead of
// replacing it.
func (l *PostgresLedger) BillForMonth(ctx context.Context, amount decimal.Decimal, accountID string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("billing: bill amount must be positive, got %s", amount)
	}
	if accountID == "" {
		accountID = DonationPoolAccount
	}

	const q = `
		INSERT INTO usage_ledger (account_id, month, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (account_id, month)
		DO UPDATE SET amount = usage_ledger.amount + EXCLUDED.amount`

	if _, err := l.pool.Exec(ctx, q, accountID, monthKey(l.now()), amount.String()); err != nil {
		return fmt.Errorf("billing: upserting debit for %q: %w", accountID, err)
	}
	return nil
}

// Credit records a payment for the account. Stripe webhook handling and
// manual donations both land here; donations use DonationPoolAccount.
func (l *PostgresLedger) Credit(ctx context.Context, amount decimal.Decimal, accountID string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("billing: credit amount must be positive, got %s", amount)
	}
	if accountID == "" {
		accountID = DonationPoolAccount
	}

	const q = `INSERT INTO payments (account_id, amount, created_at) VALUES ($1, $2::numeric, now())`
	if _, err := l.pool.Exec(ctx, q, accountID, amount.String()); err != nil {
		return fmt.Errorf("billing: inserting credit for %q: %w", accountID, err)
	}
	return nil
}
