package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// LicenseStore persists the pro-account license pool. Mutations run
// inside the pool's exclusive transactions.
type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

func scanLicense(scanner interface{ Scan(...any) error }) (*model.License, error) {
	var l model.License
	var linked sql.NullInt64
	var lifetime int
	var start, end, unlinkReq, unlinkEff sql.NullTime
	err := scanner.Scan(
		&l.ID, &l.ProAccountID, &linked, &lifetime, &l.Status,
		&start, &end, &unlinkReq, &unlinkEff, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if linked.Valid {
		l.LinkedAccountID = &linked.Int64
	}
	l.IsLifetime = lifetime != 0
	if start.Valid {
		l.StartDate = &start.Time
	}
	if end.Valid {
		l.EndDate = &end.Time
	}
	if unlinkReq.Valid {
		l.UnlinkRequestedAt = &unlinkReq.Time
	}
	if unlinkEff.Valid {
		l.UnlinkEffectiveAt = &unlinkEff.Time
	}
	return &l, nil
}

const licenseCols = `id, pro_account_id, linked_account_id, is_lifetime, status, start_date, end_date, unlink_requested_at, unlink_effective_at, created_at, updated_at`

// Create adds a purchased seat to the pool as available.
func (s *LicenseStore) Create(proAccountID int64, isLifetime bool) (*model.License, error) {
	var lifetime int
	if isLifetime {
		lifetime = 1
	}
	result, err := s.db.Exec(
		`INSERT INTO licenses (pro_account_id, is_lifetime, status) VALUES (?, ?, ?)`,
		proAccountID, lifetime, model.LicenseAvailable,
	)
	if err != nil {
		return nil, fmt.Errorf("insert license: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.Get(id)
}

func (s *LicenseStore) Get(id int64) (*model.License, error) {
	row := s.db.QueryRow(`SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

func (s *LicenseStore) GetTx(tx *sql.Tx, id int64) (*model.License, error) {
	row := tx.QueryRow(`SELECT `+licenseCols+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

func (s *LicenseStore) GetByLinkedAccount(accountID int64) (*model.License, error) {
	row := s.db.QueryRow(
		`SELECT `+licenseCols+` FROM licenses WHERE linked_account_id = ?`, accountID,
	)
	l, err := scanLicense(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license by linked account: %w", err)
	}
	return l, nil
}

func (s *LicenseStore) ListByProAccount(proAccountID int64) ([]model.License, error) {
	rows, err := s.db.Query(
		`SELECT `+licenseCols+` FROM licenses WHERE pro_account_id = ? ORDER BY id ASC`,
		proAccountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// ListByProAccountStatusTx returns a pro account's licenses in one
// status, inside an open transaction.
func (s *LicenseStore) ListByProAccountStatusTx(tx *sql.Tx, proAccountID int64, status model.LicenseStatus) ([]model.License, error) {
	rows, err := tx.Query(
		`SELECT `+licenseCols+` FROM licenses WHERE pro_account_id = ? AND status = ? ORDER BY id ASC`,
		proAccountID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("list licenses by status: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

// ListDueUnlinksTx returns licenses whose notice period has elapsed.
func (s *LicenseStore) ListDueUnlinksTx(tx *sql.Tx, now time.Time) ([]model.License, error) {
	rows, err := tx.Query(
		`SELECT `+licenseCols+` FROM licenses
		 WHERE unlink_effective_at IS NOT NULL AND unlink_effective_at <= ?`,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due unlinks: %w", err)
	}
	defer rows.Close()
	return collectLicenses(rows)
}

func collectLicenses(rows *sql.Rows) ([]model.License, error) {
	var out []model.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// AssignTx links an available license to an account.
func (s *LicenseStore) AssignTx(tx *sql.Tx, id, accountID int64, now time.Time) error {
	_, err := tx.Exec(
		`UPDATE licenses
		 SET linked_account_id = ?, status = ?, start_date = ?, updated_at = ?
		 WHERE id = ?`,
		accountID, model.LicenseActive, now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("assign license: %w", err)
	}
	return nil
}

// SetStatusTx rewrites a license status (suspend, reactivate, cancel).
func (s *LicenseStore) SetStatusTx(tx *sql.Tx, id int64, status model.LicenseStatus, now time.Time) error {
	_, err := tx.Exec(
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`,
		status, now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set license status: %w", err)
	}
	return nil
}

// RequestUnlinkTx stamps the notice period onto an active license.
func (s *LicenseStore) RequestUnlinkTx(tx *sql.Tx, id int64, requestedAt, effectiveAt time.Time) error {
	_, err := tx.Exec(
		`UPDATE licenses
		 SET unlink_requested_at = ?, unlink_effective_at = ?, updated_at = ?
		 WHERE id = ?`,
		requestedAt.UTC(), effectiveAt.UTC(), requestedAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("request unlink: %w", err)
	}
	return nil
}

// ClearUnlinkTx cancels a pending unlink request.
func (s *LicenseStore) ClearUnlinkTx(tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.Exec(
		`UPDATE licenses
		 SET unlink_requested_at = NULL, unlink_effective_at = NULL, updated_at = ?
		 WHERE id = ?`,
		now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("clear unlink: %w", err)
	}
	return nil
}

// ReleaseTx returns a license to the pool: available, no linked account,
// no pending unlink.
func (s *LicenseStore) ReleaseTx(tx *sql.Tx, id int64, now time.Time) error {
	_, err := tx.Exec(
		`UPDATE licenses
		 SET linked_account_id = NULL, status = ?, start_date = NULL,
		     unlink_requested_at = NULL, unlink_effective_at = NULL, updated_at = ?
		 WHERE id = ?`,
		model.LicenseAvailable, now.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("release license: %w", err)
	}
	return nil
}
