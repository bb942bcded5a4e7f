package handler

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/server/auth"
	"github.com/mwinters/roadlog/internal/server/store"
	"github.com/mwinters/roadlog/internal/websocket"
)

// SyncHandler serves the reconciliation call: one request carries the
// device's pending mutations and its pull cursor, and the whole
// push+pull unit commits in a single transaction.
type SyncHandler struct {
	db      *sql.DB
	journal *store.JournalStore
	hub     *websocket.Hub
	logger  *slog.Logger
}

func NewSyncHandler(db *sql.DB, journal *store.JournalStore, hub *websocket.Hub, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{db: db, journal: journal, hub: hub, logger: logger}
}

// serverOwned lists entity types devices may not push; their state
// changes only through the license pool and the billing applier.
func serverOwned(t model.EntityType) bool {
	switch t {
	case model.EntityLicense, model.EntitySubscription, model.EntityProAccount:
		return true
	}
	return false
}

func (h *SyncHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req protocol.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		h.logger.Error("begin sync tx", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	// Stamped after Begin: writers serialize at BEGIN IMMEDIATE, so
	// journal updated_at stays monotonic with commit order and no pull
	// window served by a later writer can hide these rows.
	now := time.Now().UTC()

	outcomes := make([]protocol.MutationOutcome, 0, len(req.Mutations))
	applied := 0
	for _, m := range req.Mutations {
		if reason := h.applyMutation(tx, accountID, m, now); reason != "" {
			outcomes = append(outcomes, protocol.MutationOutcome{
				MutationID: m.ID,
				Status:     protocol.OutcomeRejected,
				Reason:     reason,
			})
			continue
		}
		applied++
		outcomes = append(outcomes, protocol.MutationOutcome{
			MutationID: m.ID,
			Status:     protocol.OutcomeApplied,
		})
	}

	deltas, err := h.journal.ListSinceTx(tx, accountID, req.LastSyncedAt, now)
	if err != nil {
		h.logger.Error("list deltas", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("commit sync tx", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Nudge the account's other devices to pull the new state.
	if applied > 0 {
		h.hub.BroadcastAccount(accountID, protocol.HintMessage{Type: "sync", AccountID: accountID})
	}

	resp := protocol.SyncResponse{SyncedAt: now, Outcomes: outcomes, Deltas: deltas}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode sync response", "error", err)
	}
}

// applyMutation validates one pushed mutation and records it in the
// journal. It returns a rejection reason, or "" when applied. Rejections
// isolate to their mutation and never abort the batch.
func (h *SyncHandler) applyMutation(tx *sql.Tx, accountID int64, m protocol.Mutation, now time.Time) string {
	entityType, err := model.ParseEntityType(string(m.EntityType))
	if err != nil {
		return err.Error()
	}
	if serverOwned(entityType) {
		return "entity type is server-owned"
	}
	if _, err := model.ParseMutationAction(string(m.Action)); err != nil {
		return err.Error()
	}
	if m.EntityID == "" {
		return "missing entity id"
	}

	deleted := m.Action == model.ActionDelete
	if !deleted && !json.Valid(m.Payload) {
		return "payload is not valid JSON"
	}

	var payload json.RawMessage
	if !deleted {
		payload = m.Payload
	}
	if err := h.journal.RecordTx(tx, entityType, m.EntityID, &accountID, payload, deleted, now); err != nil {
		h.logger.Error("record mutation", "mutation_id", m.ID, "error", err)
		return "storage error"
	}
	return ""
}
