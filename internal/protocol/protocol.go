// Package protocol defines the wire types shared by the device sync
// engine and the server's reconciliation and license endpoints.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// ServerTimeHeader carries the server's authoritative timestamp on every
// authenticated response. It is the only legitimate trusted-clock anchor
// source.
const ServerTimeHeader = "X-Server-Time"

// Mutation is one queued local write pushed to the server.
type Mutation struct {
	ID         string               `json:"id"`
	EntityType model.EntityType     `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Action     model.MutationAction `json:"action"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// SyncRequest is the single transactional reconcile call: all currently
// resolvable pending mutations bundled with the pull cursor.
type SyncRequest struct {
	LastSyncedAt time.Time  `json:"last_synced_at"`
	Mutations    []Mutation `json:"mutations"`
}

// OutcomeStatus tags the server's verdict on one pushed mutation.
type OutcomeStatus string

const (
	OutcomeApplied  OutcomeStatus = "applied"
	OutcomeRejected OutcomeStatus = "rejected"
)

// MutationOutcome is the per-mutation result inside a sync response.
// A rejection isolates to its mutation and never fails the batch.
type MutationOutcome struct {
	MutationID string        `json:"mutation_id"`
	Status     OutcomeStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
}

// Delta is one server-side change pulled since the cursor.
type Delta struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Deleted    bool             `json:"deleted"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// SyncResponse is the server's answer to one reconcile call. SyncedAt is
// the server-reported time the cursor advances to after the cycle commits.
type SyncResponse struct {
	SyncedAt time.Time         `json:"synced_at"`
	Outcomes []MutationOutcome `json:"outcomes"`
	Deltas   []Delta           `json:"deltas"`
}

// LicenseOutcome tags the result of a license pool operation. Callers
// branch on the tag, never on an error message.
type LicenseOutcome string

const (
	LicenseAssigned            LicenseOutcome = "assigned"
	LicenseAlreadyAssigned     LicenseOutcome = "already_assigned"
	LicenseAccountIneligible   LicenseOutcome = "account_ineligible"
	LicenseNeedsCancelExisting LicenseOutcome = "needs_cancel_existing"
	LicenseContention          LicenseOutcome = "contention"
	LicenseUnlinkRequested     LicenseOutcome = "unlink_requested"
	LicenseUnlinkCanceled      LicenseOutcome = "unlink_canceled"
	LicenseInvalidState        LicenseOutcome = "invalid_state"
	LicenseNotFound            LicenseOutcome = "not_found"
)

// LicenseRequest is the body of the pool RPCs.
type LicenseRequest struct {
	LicenseID int64 `json:"license_id"`
	AccountID int64 `json:"account_id,omitempty"`
}

// LicenseResponse is the tagged outcome of a pool RPC.
type LicenseResponse struct {
	Outcome LicenseOutcome `json:"outcome"`
	License *model.License `json:"license,omitempty"`
}

// HintMessage is broadcast over the websocket channel when server-side
// state changed and devices should sync soon.
type HintMessage struct {
	Type      string `json:"type"`
	AccountID int64  `json:"account_id,omitempty"`
}
