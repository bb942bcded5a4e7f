package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// AccountStore holds the device's own subscription and license snapshot,
// refreshed from pulled deltas and read by the access policy.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// SaveSubscription replaces the single-row subscription snapshot.
func (s *AccountStore) SaveSubscription(tx *sql.Tx, sub model.Subscription) error {
	_, err := tx.Exec(
		`INSERT INTO account_subscription (id, account_id, type, expires_at, trial_started_at, trial_ends_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     account_id = excluded.account_id,
		     type = excluded.type,
		     expires_at = excluded.expires_at,
		     trial_started_at = excluded.trial_started_at,
		     trial_ends_at = excluded.trial_ends_at,
		     updated_at = excluded.updated_at`,
		sub.AccountID, sub.Type, nullTime(sub.ExpiresAt),
		nullTime(sub.TrialStartedAt), nullTime(sub.TrialEndsAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save subscription snapshot: %w", err)
	}
	return nil
}

// GetSubscription returns the snapshot, or nil when the device has never
// pulled one.
func (s *AccountStore) GetSubscription() (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT account_id, type, expires_at, trial_started_at, trial_ends_at
		 FROM account_subscription WHERE id = 1`,
	)
	var sub model.Subscription
	var expires, trialStart, trialEnd sql.NullTime
	err := row.Scan(&sub.AccountID, &sub.Type, &expires, &trialStart, &trialEnd)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription snapshot: %w", err)
	}
	if expires.Valid {
		sub.ExpiresAt = &expires.Time
	}
	if trialStart.Valid {
		sub.TrialStartedAt = &trialStart.Time
	}
	if trialEnd.Valid {
		sub.TrialEndsAt = &trialEnd.Time
	}
	return &sub, nil
}

// SaveLicense replaces the single-row license snapshot.
func (s *AccountStore) SaveLicense(tx *sql.Tx, lic model.License) error {
	var lifetime int
	if lic.IsLifetime {
		lifetime = 1
	}
	_, err := tx.Exec(
		`INSERT INTO account_license (id, license_id, pro_account_id, is_lifetime, status, start_date, end_date, unlink_requested_at, unlink_effective_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     license_id = excluded.license_id,
		     pro_account_id = excluded.pro_account_id,
		     is_lifetime = excluded.is_lifetime,
		     status = excluded.status,
		     start_date = excluded.start_date,
		     end_date = excluded.end_date,
		     unlink_requested_at = excluded.unlink_requested_at,
		     unlink_effective_at = excluded.unlink_effective_at,
		     updated_at = excluded.updated_at`,
		lic.ID, lic.ProAccountID, lifetime, lic.Status,
		nullTime(lic.StartDate), nullTime(lic.EndDate),
		nullTime(lic.UnlinkRequestedAt), nullTime(lic.UnlinkEffectiveAt),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save license snapshot: %w", err)
	}
	return nil
}

// ClearLicense drops the license snapshot, e.g. after an unlink took effect.
func (s *AccountStore) ClearLicense(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM account_license WHERE id = 1`); err != nil {
		return fmt.Errorf("clear license snapshot: %w", err)
	}
	return nil
}

// GetLicense returns the license snapshot, or nil when none is linked.
func (s *AccountStore) GetLicense() (*model.License, error) {
	row := s.db.QueryRow(
		`SELECT license_id, pro_account_id, is_lifetime, status, start_date, end_date, unlink_requested_at, unlink_effective_at
		 FROM account_license WHERE id = 1`,
	)
	var lic model.License
	var lifetime int
	var start, end, unlinkReq, unlinkEff sql.NullTime
	err := row.Scan(&lic.ID, &lic.ProAccountID, &lifetime, &lic.Status, &start, &end, &unlinkReq, &unlinkEff)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license snapshot: %w", err)
	}
	lic.IsLifetime = lifetime != 0
	if start.Valid {
		lic.StartDate = &start.Time
	}
	if end.Valid {
		lic.EndDate = &end.Time
	}
	if unlinkReq.Valid {
		lic.UnlinkRequestedAt = &unlinkReq.Time
	}
	if unlinkEff.Valid {
		lic.UnlinkEffectiveAt = &unlinkEff.Time
	}
	return &lic, nil
}
