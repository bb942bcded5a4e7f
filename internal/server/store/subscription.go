package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mwinters/roadlog/internal/model"
)

// SubscriptionStore persists the per-account subscription records. The
// pool and the billing applier mutate them inside their own transactions,
// so the mutating methods take a *sql.Tx.
type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var expires, trialStart, trialEnd sql.NullTime
	err := scanner.Scan(
		&sub.ID, &sub.AccountID, &sub.Type, &expires, &trialStart, &trialEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
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

const subscriptionCols = `id, account_id, type, expires_at, trial_started_at, trial_ends_at, created_at, updated_at`

// CreateTrial starts a trial for a fresh account.
func (s *SubscriptionStore) CreateTrial(accountID int64, startedAt, endsAt time.Time) (*model.Subscription, error) {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (account_id, type, trial_started_at, trial_ends_at)
		 VALUES (?, ?, ?, ?)`,
		accountID, model.SubscriptionTrial, startedAt.UTC(), endsAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert trial subscription: %w", err)
	}
	return s.GetByAccountID(accountID)
}

func (s *SubscriptionStore) GetByAccountID(accountID int64) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE account_id = ?`, accountID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by account: %w", err)
	}
	return sub, nil
}

// GetByAccountIDTx reads a subscription inside an open transaction so
// pool decisions see a consistent snapshot.
func (s *SubscriptionStore) GetByAccountIDTx(tx *sql.Tx, accountID int64) (*model.Subscription, error) {
	row := tx.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE account_id = ?`, accountID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by account: %w", err)
	}
	return sub, nil
}

// SetTypeTx rewrites the subscription tier. A nil expiresAt clears the
// expiry (Lifetime and Licensed never carry one).
func (s *SubscriptionStore) SetTypeTx(tx *sql.Tx, accountID int64, typ model.SubscriptionType, expiresAt *time.Time, now time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = expiresAt.UTC()
	}
	_, err := tx.Exec(
		`UPDATE subscriptions SET type = ?, expires_at = ?, updated_at = ? WHERE account_id = ?`,
		typ, exp, now.UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("set subscription type: %w", err)
	}
	return nil
}

// ListExpiringBetween returns time-bounded subscriptions whose deadline
// falls inside the window. The push notifier uses it for expiry nudges.
func (s *SubscriptionStore) ListExpiringBetween(from, to time.Time) ([]model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionCols+` FROM subscriptions
		 WHERE (type = ? AND expires_at > ? AND expires_at <= ?)
		    OR (type = ? AND trial_ends_at > ? AND trial_ends_at <= ?)`,
		model.SubscriptionPremium, from.UTC(), to.UTC(),
		model.SubscriptionTrial, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// ListExpiredTx returns accounts whose time-bounded subscription passed
// its deadline and should be swept to expired.
func (s *SubscriptionStore) ListExpiredTx(tx *sql.Tx, now time.Time) ([]model.Subscription, error) {
	rows, err := tx.Query(
		`SELECT `+subscriptionCols+` FROM subscriptions
		 WHERE (type = ? AND expires_at IS NOT NULL AND expires_at <= ?)
		    OR (type = ? AND (trial_ends_at IS NULL OR trial_ends_at <= ?))`,
		model.SubscriptionPremium, now.UTC(), model.SubscriptionTrial, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}
