// Package pool coordinates assignment of a pro account's finite license
// seats to linked accounts. Every operation runs inside an exclusive
// write transaction so two devices can never both win the same seat;
// lock contention surfaces as a typed transient outcome, not a failure.
package pool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/server/store"
)

// Config holds the pool's policy constants.
type Config struct {
	// NoticePeriod is the delay between an unlink request and the seat
	// returning to the pool, during which access is preserved.
	NoticePeriod time.Duration
}

const defaultNoticePeriod = 30 * 24 * time.Hour

// Pool is the server-side license coordinator.
type Pool struct {
	db            *sql.DB
	licenses      *store.LicenseStore
	subscriptions *store.SubscriptionStore
	journal       *store.JournalStore
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time
}

func New(db *sql.DB, licenses *store.LicenseStore, subscriptions *store.SubscriptionStore, journal *store.JournalStore, cfg Config, logger *slog.Logger) *Pool {
	if cfg.NoticePeriod <= 0 {
		cfg.NoticePeriod = defaultNoticePeriod
	}
	return &Pool{
		db:            db,
		licenses:      licenses,
		subscriptions: subscriptions,
		journal:       journal,
		cfg:           cfg,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the time source for tests.
func (p *Pool) SetNow(now func() time.Time) { p.now = now }

// Assign links an available license to an account. The returned outcome
// is the contract: callers branch on it, never on error text.
func (p *Pool) Assign(licenseID, accountID int64) (protocol.LicenseOutcome, *model.License, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return contentionOrError(err)
	}
	defer tx.Rollback()

	// Stamped after Begin so journal updated_at follows commit order.
	now := p.now()

	lic, err := p.licenses.GetTx(tx, licenseID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if lic == nil {
		return protocol.LicenseNotFound, nil, nil
	}
	if lic.Status != model.LicenseAvailable {
		return protocol.LicenseAlreadyAssigned, nil, nil
	}

	sub, err := p.subscriptions.GetByAccountIDTx(tx, accountID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if sub == nil {
		return protocol.LicenseAccountIneligible, nil, nil
	}
	switch sub.Type {
	case model.SubscriptionLifetime, model.SubscriptionLicensed:
		return protocol.LicenseAccountIneligible, nil, nil
	case model.SubscriptionPremium:
		// Not a hard failure: the caller prompts to cancel, then retries.
		return protocol.LicenseNeedsCancelExisting, nil, nil
	}

	if err := p.licenses.AssignTx(tx, licenseID, accountID, now); err != nil {
		return contentionOrError(err)
	}
	if err := p.subscriptions.SetTypeTx(tx, accountID, model.SubscriptionLicensed, nil, now); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if err := p.journalLicenseTx(tx, licenseID, now); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if err := p.journalSubscriptionTx(tx, accountID, now); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}

	if err := tx.Commit(); err != nil {
		return contentionOrError(err)
	}

	updated, err := p.licenses.Get(licenseID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	p.logger.Info("license assigned", "license_id", licenseID, "account_id", accountID)
	return protocol.LicenseAssigned, updated, nil
}

// RequestUnlink starts the notice period on an active license. The
// license stays active, and the linked account keeps access, until the
// effective time passes.
func (p *Pool) RequestUnlink(licenseID int64) (protocol.LicenseOutcome, *model.License, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return contentionOrError(err)
	}
	defer tx.Rollback()

	// Stamped after Begin so journal updated_at follows commit order.
	now := p.now()

	lic, err := p.licenses.GetTx(tx, licenseID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if lic == nil {
		return protocol.LicenseNotFound, nil, nil
	}
	if lic.Status != model.LicenseActive || lic.PendingUnlink() {
		return protocol.LicenseInvalidState, nil, nil
	}

	if err := p.licenses.RequestUnlinkTx(tx, licenseID, now, now.Add(p.cfg.NoticePeriod)); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if err := p.journalLicenseTx(tx, licenseID, now); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if err := tx.Commit(); err != nil {
		return contentionOrError(err)
	}

	updated, err := p.licenses.Get(licenseID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	return protocol.LicenseUnlinkRequested, updated, nil
}

// CancelUnlinkRequest clears a pending unlink, restoring the plain
// active state.
func (p *Pool) CancelUnlinkRequest(licenseID int64) (protocol.LicenseOutcome, *model.License, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return contentionOrError(err)
	}
	defer tx.Rollback()

	// Stamped after Begin so journal updated_at follows commit order.
	now := p.now()

	lic, err := p.licenses.GetTx(tx, licenseID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if lic == nil {
		return protocol.LicenseNotFound, nil, nil
	}
	if !lic.PendingUnlink() {
		return protocol.LicenseInvalidState, nil, nil
	}

	if err := p.licenses.ClearUnlinkTx(tx, licenseID, now); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if err := p.journalLicenseTx(tx, licenseID, now); err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	if err := tx.Commit(); err != nil {
		return contentionOrError(err)
	}

	updated, err := p.licenses.Get(licenseID)
	if err != nil {
		return protocol.LicenseOutcome(""), nil, err
	}
	return protocol.LicenseUnlinkCanceled, updated, nil
}

// SweepUnlinks releases licenses whose notice period elapsed and demotes
// the formerly linked accounts to expired. Returns the number of
// licenses released.
func (p *Pool) SweepUnlinks() (int, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := p.now()

	due, err := p.licenses.ListDueUnlinksTx(tx, now)
	if err != nil {
		return 0, err
	}

	for _, lic := range due {
		if err := p.licenses.ReleaseTx(tx, lic.ID, now); err != nil {
			return 0, err
		}
		if err := p.journalLicenseTx(tx, lic.ID, now); err != nil {
			return 0, err
		}
		if lic.LinkedAccountID != nil {
			acct := *lic.LinkedAccountID
			if err := p.subscriptions.SetTypeTx(tx, acct, model.SubscriptionExpired, nil, now); err != nil {
				return 0, err
			}
			if err := p.journalSubscriptionTx(tx, acct, now); err != nil {
				return 0, err
			}
		}
		p.logger.Info("license unlinked after notice period", "license_id", lic.ID)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(due), nil
}

// SweepExpiredSubscriptions demotes trials and premium subscriptions
// whose deadline passed. Returns the number of accounts demoted.
func (p *Pool) SweepExpiredSubscriptions() (int, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := p.now()

	expired, err := p.subscriptions.ListExpiredTx(tx, now)
	if err != nil {
		return 0, err
	}

	for _, sub := range expired {
		if err := p.subscriptions.SetTypeTx(tx, sub.AccountID, model.SubscriptionExpired, nil, now); err != nil {
			return 0, err
		}
		if err := p.journalSubscriptionTx(tx, sub.AccountID, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (p *Pool) journalLicenseTx(tx *sql.Tx, licenseID int64, now time.Time) error {
	lic, err := p.licenses.GetTx(tx, licenseID)
	if err != nil {
		return err
	}
	if lic == nil {
		return fmt.Errorf("journal license: %d not found", licenseID)
	}
	payload, err := json.Marshal(lic)
	if err != nil {
		return fmt.Errorf("marshal license: %w", err)
	}
	return p.journal.RecordTx(tx, model.EntityLicense, fmt.Sprintf("%d", lic.ID), lic.LinkedAccountID, payload, false, now)
}

func (p *Pool) journalSubscriptionTx(tx *sql.Tx, accountID int64, now time.Time) error {
	sub, err := p.subscriptions.GetByAccountIDTx(tx, accountID)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("journal subscription: account %d not found", accountID)
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return p.journal.RecordTx(tx, model.EntitySubscription, fmt.Sprintf("%d", accountID), &accountID, payload, false, now)
}

// contentionOrError maps an exclusive-lock conflict to the transient
// contention outcome so callers retry instead of surfacing an error.
func contentionOrError(err error) (protocol.LicenseOutcome, *model.License, error) {
	if isBusy(err) {
		return protocol.LicenseContention, nil, nil
	}
	return protocol.LicenseOutcome(""), nil, err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
