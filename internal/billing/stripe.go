package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// Crediter is the slice of the ledger the payments recorder needs.
type Crediter interface {
	Credit(ctx context.Context, amount decimal.Decimal, accountID string) error
}

// StripePayments turns completed Stripe payment intents into ledger credits.
// The account identifier travels in the payment intent's metadata under
// "account_id"; intents without it credit the donation pool.
type StripePayments struct {
	client *client.API
	ledger Crediter
}

// NewStripePayments builds a payments recorder against the live Stripe API.
func NewStripePayments(apiKey string, ledger Crediter) (*StripePayments, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("billing: stripe API key is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("billing: ledger must not be nil")
	}

	api := &client.API{}
	api.Init(apiKey, nil)

	return &StripePayments{client: api, ledger: ledger}, nil
}

// RecordPayment fetches the payment intent and credits its amount to the
// ledger. Only succeeded intents are credited.
func (s *StripePayments) RecordPayment(ctx context.Context, paymentIntentID string) error {
	intent, err := s.client.PaymentIntents.Get(paymentIntentID, nil)
	if err != nil {
		return fmt.Errorf("billing: fetching payment intent %q: %w", paymentIntentID, err)
	}
	return s.recordIntent(ctx, intent)
}

// HandleIntent credits an already-deserialized payment intent, as delivered
// by a webhook event.
func (s *StripePayments) HandleIntent(ctx context.Context, intent *stripe.PaymentIntent) error {
	if intent == nil {
		return fmt.Errorf("billing: payment intent must not be nil")
	}
	return s.recordIntent(ctx, intent)
}

func (s *StripePayments) recordIntent(ctx context.Context, intent *stripe.PaymentIntent) error {
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("billing: payment intent %q has status %q, not succeeded", intent.ID, intent.Status)
	}

	// AmountReceived is in the currency's smallest unit (cents).
	amount := decimal.NewFromInt(intent.AmountReceived).Div(decimal.NewFromInt(100))
	accountID := intent.Metadata["account_id"]

	if err := s.ledger.Credit(ctx, amount, accountID); err != nil {
		return fmt.Errorf("billing: crediting payment intent %q: %w", intent.ID, err)
	}
	return nil
}
