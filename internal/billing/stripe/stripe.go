// Package stripe verifies webhook deliveries and maps Stripe events to
// the engine's billing events. Stripe delivers at-least-once; the mapped
// idempotency key is what makes redelivery safe downstream.
package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/mwinters/roadlog/internal/model"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}

// MapEvent converts a verified Stripe event into a billing event, or
// (nil, nil) for event types the engine does not react to. Account
// routing comes from the metadata stamped at checkout.
func MapEvent(event stripe.Event) (*model.BillingEvent, error) {
	switch event.Type {
	case "invoice.paid":
		inv, err := parseInvoice(event)
		if err != nil {
			return nil, err
		}
		ev := eventFromMetadata(inv.Metadata)
		ev.IdempotencyKey = inv.ID
		ev.Type = model.BillingPaymentSucceeded
		if inv.PeriodEnd > 0 {
			end := time.Unix(inv.PeriodEnd, 0).UTC()
			ev.PeriodEnd = &end
		}
		return ev, nil

	case "invoice.payment_failed":
		inv, err := parseInvoice(event)
		if err != nil {
			return nil, err
		}
		ev := eventFromMetadata(inv.Metadata)
		ev.IdempotencyKey = inv.ID
		ev.Type = model.BillingPaymentFailed
		return ev, nil

	case "customer.subscription.updated":
		sub, err := parseSubscription(event)
		if err != nil {
			return nil, err
		}
		ev := eventFromMetadata(sub.Metadata)
		ev.IdempotencyKey = event.ID
		ev.Type = model.BillingSubscriptionRenewed
		return ev, nil

	case "customer.subscription.deleted":
		sub, err := parseSubscription(event)
		if err != nil {
			return nil, err
		}
		ev := eventFromMetadata(sub.Metadata)
		ev.IdempotencyKey = event.ID
		ev.Type = model.BillingSubscriptionCanceled
		return ev, nil
	}

	return nil, nil
}

func parseInvoice(event stripe.Event) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("unmarshal invoice: %w", err)
	}
	return &inv, nil
}

func parseSubscription(event stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func eventFromMetadata(md map[string]string) *model.BillingEvent {
	var ev model.BillingEvent
	if v, err := strconv.ParseInt(md["account_id"], 10, 64); err == nil {
		ev.AccountID = v
	}
	if v, err := strconv.ParseInt(md["pro_account_id"], 10, 64); err == nil {
		ev.ProAccountID = v
	}
	return &ev
}
