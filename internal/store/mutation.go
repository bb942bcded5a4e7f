package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mwinters/roadlog/internal/model"
)

// MutationStore persists the pending-mutation queue. Callers serialize
// access through queue.Queue; the store itself assumes a single writer.
type MutationStore struct {
	db *sql.DB
}

func NewMutationStore(db *sql.DB) *MutationStore {
	return &MutationStore{db: db}
}

func scanMutation(scanner interface{ Scan(...any) error }) (*model.PendingMutation, error) {
	var m model.PendingMutation
	var payload sql.NullString
	var nextRetry sql.NullTime
	var needsAttention int
	err := scanner.Scan(
		&m.ID, &m.EntityType, &m.EntityID, &m.Action, &payload, &m.Priority,
		&m.CreatedAt, &m.AttemptCount, &m.LastError, &nextRetry, &needsAttention,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		m.NextRetryAt = &t
	}
	m.NeedsAttention = needsAttention != 0
	return &m, nil
}

const mutationCols = `id, entity_type, entity_id, action, payload, priority, created_at, attempt_count, last_error, next_retry_at, needs_attention`

// Upsert collapses a new local write into the queue. An existing
// unresolved entry for the same (entity_type, entity_id) keeps its
// earliest created_at but takes the new action, payload, and a fresh id,
// and its retry state is reset: the superseding write starts a fresh
// attempt budget. The id rotation matters when the old entry is in
// flight: the server's acknowledgement carries the old id, which no
// longer matches anything, so resolving the acked push cannot drop the
// superseding write.
func (s *MutationStore) Upsert(entityType model.EntityType, entityID string, action model.MutationAction, payload json.RawMessage, priority int) (*model.PendingMutation, error) {
	existing, err := s.GetByKey(entityType, entityID)
	if err != nil {
		return nil, err
	}

	var pl any
	if payload != nil {
		pl = string(payload)
	}

	id := uuid.NewString()

	if existing != nil {
		_, err := s.db.Exec(
			`UPDATE pending_mutations
			 SET id = ?, action = ?, payload = ?, priority = ?, attempt_count = 0,
			     last_error = '', next_retry_at = NULL, needs_attention = 0
			 WHERE id = ?`,
			id, action, pl, priority, existing.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("collapse mutation: %w", err)
		}
		return s.Get(id)
	}

	_, err = s.db.Exec(
		`INSERT INTO pending_mutations (id, entity_type, entity_id, action, payload, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entityType, entityID, action, pl, priority, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert mutation: %w", err)
	}
	return s.Get(id)
}

func (s *MutationStore) Get(id string) (*model.PendingMutation, error) {
	row := s.db.QueryRow(`SELECT `+mutationCols+` FROM pending_mutations WHERE id = ?`, id)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation: %w", err)
	}
	return m, nil
}

func (s *MutationStore) GetByKey(entityType model.EntityType, entityID string) (*model.PendingMutation, error) {
	row := s.db.QueryRow(
		`SELECT `+mutationCols+` FROM pending_mutations WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation by key: %w", err)
	}
	return m, nil
}

// ListDue returns mutations eligible for the next push, ordered by
// priority then created_at. Entries flagged needs_attention or still in
// backoff are excluded.
func (s *MutationStore) ListDue(now time.Time, max int) ([]model.PendingMutation, error) {
	rows, err := s.db.Query(
		`SELECT `+mutationCols+` FROM pending_mutations
		 WHERE needs_attention = 0 AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY priority ASC, created_at ASC
		 LIMIT ?`,
		now.UTC(), max,
	)
	if err != nil {
		return nil, fmt.Errorf("list due mutations: %w", err)
	}
	defer rows.Close()

	var out []model.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListNeedsAttention returns mutations that exhausted their retry budget
// or were rejected by the server, for user-visible surfacing.
func (s *MutationStore) ListNeedsAttention() ([]model.PendingMutation, error) {
	rows, err := s.db.Query(
		`SELECT ` + mutationCols + ` FROM pending_mutations
		 WHERE needs_attention = 1
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list needs-attention mutations: %w", err)
	}
	defer rows.Close()

	var out []model.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Delete removes a resolved mutation.
func (s *MutationStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM pending_mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. A nil nextRetryAt together with
// needsAttention leaves the entry parked for the user instead of retrying.
func (s *MutationStore) MarkFailed(id, lastError string, nextRetryAt *time.Time, needsAttention bool) error {
	var retry any
	if nextRetryAt != nil {
		retry = nextRetryAt.UTC()
	}
	var flag int
	if needsAttention {
		flag = 1
	}
	_, err := s.db.Exec(
		`UPDATE pending_mutations
		 SET attempt_count = attempt_count + 1, last_error = ?, next_retry_at = ?, needs_attention = ?
		 WHERE id = ?`,
		lastError, retry, flag, id,
	)
	if err != nil {
		return fmt.Errorf("mark mutation failed: %w", err)
	}
	return nil
}

// Count returns the number of unresolved mutations.
func (s *MutationStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}
