package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
)

const maxWebhookBody = 65536

type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type EventHandler interface {
	HandleEvent(ctx context.Context, event stripe.Event) error
}

type WebhookHandler struct {
	verifier EventVerifier
	events   EventHandler
	logger   *slog.Logger
}

func NewWebhookHandler(verifier EventVerifier, events EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, logger: logger}
}

// HandleStripeWebhook verifies the signature before anything else. A handler
// error answers 500 so Stripe redelivers.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}

	event, err := h.verifier.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		return
	}

	if err := h.events.HandleEvent(r.Context(), event); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event not processed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
