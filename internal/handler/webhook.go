package handler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// maxWebhookBytes bounds webhook payloads; gateway events are a few KB.
const maxWebhookBytes = 64 << 10

// EventHandler applies verified gateway events.
type EventHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signature string, now time.Time) error
}

// WebhookHandler receives payment gateway webhooks.
type WebhookHandler struct {
	events EventHandler
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(events EventHandler) *WebhookHandler {
	return &WebhookHandler{events: events}
}

// Handle handles POST /webhook. The raw body is needed for signature
// verification, so it is read before any decoding.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		JSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}
	if signature == "" {
		JSON(w, http.StatusBadRequest, map[string]string{"error": "missing signature"})
		return
	}

	if err := h.events.HandleEvent(r.Context(), body, signature, time.Now().UTC()); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"received": true})
}
