package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// CursorStore persists the sync cursor. The sync engine is its only
// writer; the cursor advances only after a full cycle commits.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the cursor for the account, or a zero cursor when the
// device has never synced.
func (s *CursorStore) Get(accountID int64) (model.SyncCursor, error) {
	var last time.Time
	err := s.db.QueryRow(
		`SELECT last_synced_at FROM sync_cursor WHERE account_id = ?`, accountID,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return model.SyncCursor{AccountID: accountID}, nil
	}
	if err != nil {
		return model.SyncCursor{}, fmt.Errorf("get cursor: %w", err)
	}
	return model.SyncCursor{AccountID: accountID, LastSyncedAt: last}, nil
}

// Advance moves the cursor forward. A regression is refused: the server
// reported time must never move the cursor backward.
func (s *CursorStore) Advance(accountID int64, to time.Time) error {
	return s.advance(s.db, accountID, to)
}

// AdvanceTx moves the cursor inside the cycle's apply transaction, so
// the cursor and the applied deltas commit together.
func (s *CursorStore) AdvanceTx(tx *sql.Tx, accountID int64, to time.Time) error {
	return s.advance(tx, accountID, to)
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *CursorStore) advance(q execQuerier, accountID int64, to time.Time) error {
	var last time.Time
	err := q.QueryRow(
		`SELECT last_synced_at FROM sync_cursor WHERE account_id = ?`, accountID,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("get cursor: %w", err)
	}
	if to.Before(last) {
		return fmt.Errorf("cursor regression: %v before %v", to, last)
	}
	_, err = q.Exec(
		`INSERT INTO sync_cursor (account_id, last_synced_at) VALUES (?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		accountID, to.UTC(),
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
