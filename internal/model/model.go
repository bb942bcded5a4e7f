package model

import (
	"encoding/json"
	"time"
)

// PendingMutation is one entry in the device-local mutation queue.
// At most one unresolved mutation exists per (EntityType, EntityID);
// a newer local write collapses into the existing entry.
type PendingMutation struct {
	ID             string          `json:"id"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         MutationAction  `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	NeedsAttention bool            `json:"needs_attention"`
}

// SyncCursor records how far the device has pulled server changes.
// It advances only after a push+pull cycle fully commits.
type SyncCursor struct {
	AccountID    int64
	LastSyncedAt time.Time
}

// SubscriptionType enumerates the access tiers a subscription can be in.
type SubscriptionType string

const (
	SubscriptionTrial    SubscriptionType = "trial"
	SubscriptionPremium  SubscriptionType = "premium"
	SubscriptionLifetime SubscriptionType = "lifetime"
	SubscriptionLicensed SubscriptionType = "licensed"
	SubscriptionExpired  SubscriptionType = "expired"
)

// Subscription is the per-user access record. Lifetime and Licensed never
// carry an ExpiresAt; a Trial with a nil TrialEndsAt counts as expired.
type Subscription struct {
	ID             int64            `json:"id"`
	AccountID      int64            `json:"account_id"`
	Type           SubscriptionType `json:"type"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	TrialStartedAt *time.Time       `json:"trial_started_at,omitempty"`
	TrialEndsAt    *time.Time       `json:"trial_ends_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// LicenseStatus enumerates the lifecycle states of a pool license.
type LicenseStatus string

const (
	LicenseAvailable LicenseStatus = "available"
	LicenseActive    LicenseStatus = "active"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseCanceled  LicenseStatus = "canceled"
	LicenseUnlinked  LicenseStatus = "unlinked"
	LicensePaused    LicenseStatus = "paused"
)

// License is one seat in a pro account's pool. A non-nil LinkedAccountID
// implies status Active or Paused; a pending unlink keeps the license
// Active until UnlinkEffectiveAt passes.
type License struct {
	ID                int64         `json:"id"`
	ProAccountID      int64         `json:"pro_account_id"`
	LinkedAccountID   *int64        `json:"linked_account_id,omitempty"`
	IsLifetime        bool          `json:"is_lifetime"`
	Status            LicenseStatus `json:"status"`
	StartDate         *time.Time    `json:"start_date,omitempty"`
	EndDate           *time.Time    `json:"end_date,omitempty"`
	UnlinkRequestedAt *time.Time    `json:"unlink_requested_at,omitempty"`
	UnlinkEffectiveAt *time.Time    `json:"unlink_effective_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PendingUnlink reports whether an unlink has been requested but has not
// yet taken effect.
func (l *License) PendingUnlink() bool {
	return l.UnlinkRequestedAt != nil && l.UnlinkEffectiveAt != nil
}

// BillingEventType enumerates the billing lifecycle events the engine
// applies idempotently.
type BillingEventType string

const (
	BillingPaymentSucceeded     BillingEventType = "payment_succeeded"
	BillingPaymentFailed        BillingEventType = "payment_failed"
	BillingSubscriptionRenewed  BillingEventType = "subscription_renewed"
	BillingSubscriptionCanceled BillingEventType = "subscription_canceled"
)

// BillingEvent is an externally delivered billing lifecycle event.
// Delivery is at-least-once; the IdempotencyKey guarantees at-most-once
// effective application.
type BillingEvent struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Type           BillingEventType `json:"type"`
	AccountID      int64            `json:"account_id"`
	ProAccountID   int64            `json:"pro_account_id,omitempty"`
	PeriodEnd      *time.Time       `json:"period_end,omitempty"`
}

// AccessDecision is the result of evaluating the access policy.
// DaysRemaining is nil for states that are not time-bounded.
type AccessDecision struct {
	HasAccess     bool `json:"has_access"`
	CanExport     bool `json:"can_export"`
	DaysRemaining *int `json:"days_remaining,omitempty"`
}

// PushSubscription holds a web push registration for one account.
type PushSubscription struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	CreatedAt time.Time `json:"created_at"`
}
