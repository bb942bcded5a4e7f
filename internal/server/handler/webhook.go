package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/mwinters/roadlog/internal/billing"
	billingstripe "github.com/mwinters/roadlog/internal/billing/stripe"
	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/push"
	"github.com/mwinters/roadlog/internal/websocket"
)

// WebhookHandler ingests Stripe deliveries. Verification, mapping, and
// the idempotent state transition each live in their own layer; this
// handler only sequences them and fans out nudges.
type WebhookHandler struct {
	stripeClient *billingstripe.Client
	applier      *billing.Applier
	hub          *websocket.Hub
	notifier     *push.Notifier
	logger       *slog.Logger
}

func NewWebhookHandler(sc *billingstripe.Client, applier *billing.Applier, hub *websocket.Hub, notifier *push.Notifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		stripeClient: sc,
		applier:      applier,
		hub:          hub,
		notifier:     notifier,
		logger:       logger,
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ev, err := billingstripe.MapEvent(event)
	if err != nil {
		h.logger.Error("map stripe event", "event_type", event.Type, "error", err)
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}
	if ev == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.applier.Apply(*ev)
	if err != nil {
		h.logger.Error("apply billing event", "key", ev.IdempotencyKey, "error", err)
		// Non-2xx makes Stripe redeliver; the idempotency ledger keeps
		// the retry safe.
		http.Error(w, "apply failed", http.StatusInternalServerError)
		return
	}

	if result == billing.Applied {
		h.notify(*ev)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) notify(ev model.BillingEvent) {
	if ev.AccountID != 0 {
		h.hub.BroadcastAccount(ev.AccountID, protocol.HintMessage{Type: "sync", AccountID: ev.AccountID})
	}

	if ev.Type != model.BillingPaymentFailed || h.notifier == nil {
		return
	}
	if ev.AccountID != 0 {
		h.notifier.NotifyAccount(ev.AccountID, push.Payload{
			Title: "Payment failed",
			Body:  "Your last payment did not go through. Update billing to keep access.",
			URL:   "/account",
			Tag:   "payment-failed",
		})
	}
}
