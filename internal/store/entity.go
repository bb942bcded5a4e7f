package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// EntityStore is the local mirror of server-authoritative entity
// snapshots, keyed by (entity_type, entity_id).
type EntityStore struct {
	db *sql.DB
}

func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db}
}

// Mirrored is one locally mirrored entity snapshot.
type Mirrored struct {
	EntityType model.EntityType
	EntityID   string
	Payload    json.RawMessage
	Deleted    bool
	UpdatedAt  time.Time
}

// Apply writes one pulled server delta into the mirror.
func (s *EntityStore) Apply(tx *sql.Tx, d Mirrored) error {
	var payload any
	if d.Payload != nil {
		payload = string(d.Payload)
	}
	var deleted int
	if d.Deleted {
		deleted = 1
	}
	_, err := tx.Exec(
		`INSERT INTO entities (entity_type, entity_id, payload, deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		     payload = excluded.payload,
		     deleted = excluded.deleted,
		     updated_at = excluded.updated_at`,
		d.EntityType, d.EntityID, payload, deleted, d.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("apply entity delta: %w", err)
	}
	return nil
}

// Get returns one mirrored entity, or nil when the mirror has no row.
func (s *EntityStore) Get(entityType model.EntityType, entityID string) (*Mirrored, error) {
	row := s.db.QueryRow(
		`SELECT entity_type, entity_id, payload, deleted, updated_at
		 FROM entities WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	)
	var m Mirrored
	var payload sql.NullString
	var deleted int
	err := row.Scan(&m.EntityType, &m.EntityID, &payload, &deleted, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	m.Deleted = deleted != 0
	return &m, nil
}

// List returns all live mirrored entities of one type.
func (s *EntityStore) List(entityType model.EntityType) ([]Mirrored, error) {
	rows, err := s.db.Query(
		`SELECT entity_type, entity_id, payload, deleted, updated_at
		 FROM entities WHERE entity_type = ? AND deleted = 0
		 ORDER BY entity_id ASC`,
		entityType,
	)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []Mirrored
	for rows.Next() {
		var m Mirrored
		var payload sql.NullString
		var deleted int
		if err := rows.Scan(&m.EntityType, &m.EntityID, &payload, &deleted, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		m.Deleted = deleted != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
