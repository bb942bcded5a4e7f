package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// BillingEventStore is the durable idempotency ledger for billing
// webhooks. The insert must share a transaction with the state change it
// guards, so the write method takes a *sql.Tx.
type BillingEventStore struct {
	db *sql.DB
}

func NewBillingEventStore(db *sql.DB) *BillingEventStore {
	return &BillingEventStore{db: db}
}

// InsertTx claims an idempotency key. It returns false when the key was
// already processed; the caller must then skip the state change entirely.
func (s *BillingEventStore) InsertTx(tx *sql.Tx, ev model.BillingEvent, now time.Time) (bool, error) {
	result, err := tx.Exec(
		`INSERT OR IGNORE INTO billing_events (idempotency_key, event_type, account_id, pro_account_id, processed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.IdempotencyKey, ev.Type, ev.AccountID, ev.ProAccountID, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert billing event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Seen reports whether an idempotency key has been processed.
func (s *BillingEventStore) Seen(key string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM billing_events WHERE idempotency_key = ?`, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check billing event: %w", err)
	}
	return n > 0, nil
}
