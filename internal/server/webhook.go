package server

import (
	"context"
	"encoding/json"
	"net/http"
)

// maxWebhookBody caps the Stripe event payload size.
const maxWebhookBody = 64 << 10

// PaymentRecorder is the slice of the billing layer the webhook endpoint
// needs: credit a payment intent by its identifier.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, paymentIntentID string) error
}

// handleStripeWebhook accepts Stripe event notifications. The event payload
// is treated only as a hint: the handler extracts the payment intent ID and
// the recorder re-fetches the intent from the Stripe API before crediting,
// so a forged event body cannot mint balance.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID string `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&event); err != nil {
		http.Error(w, "invalid event payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	if event.Type != "payment_intent.succeeded" {
		// Acknowledge so Stripe does not retry event types we ignore.
		w.WriteHeader(http.StatusOK)
		return
	}
	if event.Data.Object.ID == "" {
		http.Error(w, "event carries no payment intent id", http.StatusBadRequest)
		return
	}

	if err := s.payments.RecordPayment(r.Context(), event.Data.Object.ID); err != nil {
		s.log.Error("recording payment failed", "intent_id", event.Data.Object.ID, "err", err)
		// Non-2xx makes Stripe redeliver the event later.
		http.Error(w, "recording payment failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
