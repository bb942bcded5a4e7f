package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ProAccount is an organization account that owns a pool of licenses.
type ProAccount struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ProAccountStore struct {
	db *sql.DB
}

func NewProAccountStore(db *sql.DB) *ProAccountStore {
	return &ProAccountStore{db: db}
}

func (s *ProAccountStore) Create(name string) (*ProAccount, error) {
	result, err := s.db.Exec(`INSERT INTO pro_accounts (name) VALUES (?)`, name)
	if err != nil {
		return nil, fmt.Errorf("insert pro account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.Get(id)
}

func (s *ProAccountStore) Get(id int64) (*ProAccount, error) {
	row := s.db.QueryRow(`SELECT id, name, created_at FROM pro_accounts WHERE id = ?`, id)
	var p ProAccount
	err := row.Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pro account: %w", err)
	}
	return &p, nil
}
