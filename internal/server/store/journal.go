package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
)

// JournalStore keeps one row per entity carrying its latest authoritative
// state. Every server-side change, whether a sync push, a pool
// transition, a billing event, or a sweep, lands here so device pulls
// see it.
type JournalStore struct {
	db *sql.DB
}

func NewJournalStore(db *sql.DB) *JournalStore {
	return &JournalStore{db: db}
}

// RecordTx upserts an entity's latest state. accountID scopes the row to
// one account's devices; nil means visible to every puller.
func (s *JournalStore) RecordTx(tx *sql.Tx, entityType model.EntityType, entityID string, accountID *int64, payload json.RawMessage, deleted bool, now time.Time) error {
	var pl any
	if payload != nil {
		pl = string(payload)
	}
	var acct any
	if accountID != nil {
		acct = *accountID
	}
	var del int
	if deleted {
		del = 1
	}
	_, err := tx.Exec(
		`INSERT INTO journal (entity_type, entity_id, account_id, payload, deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		     account_id = excluded.account_id,
		     payload = excluded.payload,
		     deleted = excluded.deleted,
		     updated_at = excluded.updated_at`,
		entityType, entityID, acct, pl, del, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// ListSinceTx returns the deltas one account's devices should pull:
// rows scoped to that account or unscoped, changed after since and no
// later than now.
func (s *JournalStore) ListSinceTx(tx *sql.Tx, accountID int64, since, now time.Time) ([]protocol.Delta, error) {
	rows, err := tx.Query(
		`SELECT entity_type, entity_id, payload, deleted, updated_at
		 FROM journal
		 WHERE (account_id = ? OR account_id IS NULL)
		   AND updated_at > ? AND updated_at <= ?
		 ORDER BY updated_at ASC, entity_type ASC, entity_id ASC`,
		accountID, since.UTC(), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list journal since: %w", err)
	}
	defer rows.Close()

	var out []protocol.Delta
	for rows.Next() {
		var d protocol.Delta
		var payload sql.NullString
		var deleted int
		if err := rows.Scan(&d.EntityType, &d.EntityID, &payload, &deleted, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		if payload.Valid {
			d.Payload = json.RawMessage(payload.String)
		}
		d.Deleted = deleted != 0
		out = append(out, d)
	}
	return out, rows.Err()
}
