// Package billing applies remote billing lifecycle events to the
// subscription and license state. Delivery is at-least-once: the durable
// idempotency ledger makes every redelivery a no-op success.
package billing

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/server/store"
)

// Result tags the outcome of applying one event.
type Result int

const (
	Applied Result = iota
	AlreadyApplied
)

// Applier applies billing events inside single transactions keyed by the
// event's idempotency key.
type Applier struct {
	db            *sql.DB
	events        *store.BillingEventStore
	subscriptions *store.SubscriptionStore
	licenses      *store.LicenseStore
	journal       *store.JournalStore
	logger        *slog.Logger
	now           func() time.Time
}

func NewApplier(db *sql.DB, events *store.BillingEventStore, subscriptions *store.SubscriptionStore, licenses *store.LicenseStore, journal *store.JournalStore, logger *slog.Logger) *Applier {
	return &Applier{
		db:            db,
		events:        events,
		subscriptions: subscriptions,
		licenses:      licenses,
		journal:       journal,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the time source for tests.
func (a *Applier) SetNow(now func() time.Time) { a.now = now }

// Apply performs at most one state transition for the event's
// idempotency key. A duplicate delivery commits nothing and reports
// AlreadyApplied.
func (a *Applier) Apply(ev model.BillingEvent) (Result, error) {
	if ev.IdempotencyKey == "" {
		return Applied, fmt.Errorf("billing event missing idempotency key")
	}
	tx, err := a.db.Begin()
	if err != nil {
		return Applied, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Stamped after Begin so journal updated_at follows commit order.
	now := a.now()

	claimed, err := a.events.InsertTx(tx, ev, now)
	if err != nil {
		return Applied, err
	}
	if !claimed {
		a.logger.Debug("duplicate billing event ignored", "idempotency_key", ev.IdempotencyKey, "type", ev.Type)
		return AlreadyApplied, nil
	}

	switch ev.Type {
	case model.BillingPaymentSucceeded, model.BillingSubscriptionRenewed:
		err = a.applyPaymentSucceeded(tx, ev, now)
	case model.BillingPaymentFailed:
		err = a.applyPaymentFailed(tx, ev, now)
	case model.BillingSubscriptionCanceled:
		err = a.applyCanceled(tx, ev, now)
	default:
		err = fmt.Errorf("unknown billing event type %q", ev.Type)
	}
	if err != nil {
		return Applied, err
	}

	if err := tx.Commit(); err != nil {
		return Applied, fmt.Errorf("commit: %w", err)
	}
	a.logger.Info("billing event applied", "idempotency_key", ev.IdempotencyKey, "type", ev.Type)
	return Applied, nil
}

// applyPaymentSucceeded activates or renews. For a pro account it also
// reactivates monthly licenses suspended by an earlier failure and
// finalizes any canceled or unlinked in the interim.
func (a *Applier) applyPaymentSucceeded(tx *sql.Tx, ev model.BillingEvent, now time.Time) error {
	if ev.ProAccountID == 0 {
		if err := a.subscriptions.SetTypeTx(tx, ev.AccountID, model.SubscriptionPremium, ev.PeriodEnd, now); err != nil {
			return err
		}
		return a.journalSubscriptionTx(tx, ev.AccountID, now)
	}

	suspended, err := a.licenses.ListByProAccountStatusTx(tx, ev.ProAccountID, model.LicenseSuspended)
	if err != nil {
		return err
	}
	for _, lic := range suspended {
		if err := a.licenses.SetStatusTx(tx, lic.ID, model.LicenseActive, now); err != nil {
			return err
		}
		if err := a.journalLicenseTx(tx, lic.ID, now); err != nil {
			return err
		}
	}

	for _, status := range []model.LicenseStatus{model.LicenseCanceled, model.LicenseUnlinked} {
		marked, err := a.licenses.ListByProAccountStatusTx(tx, ev.ProAccountID, status)
		if err != nil {
			return err
		}
		for _, lic := range marked {
			if lic.LinkedAccountID == nil {
				continue
			}
			acct := *lic.LinkedAccountID
			if err := a.licenses.ReleaseTx(tx, lic.ID, now); err != nil {
				return err
			}
			if err := a.journalLicenseTx(tx, lic.ID, now); err != nil {
				return err
			}
			if err := a.subscriptions.SetTypeTx(tx, acct, model.SubscriptionExpired, nil, now); err != nil {
				return err
			}
			if err := a.journalSubscriptionTx(tx, acct, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyPaymentFailed demotes an individual subscription immediately; for
// a pro account it suspends only the monthly licenses, leaving lifetime
// seats untouched.
func (a *Applier) applyPaymentFailed(tx *sql.Tx, ev model.BillingEvent, now time.Time) error {
	if ev.ProAccountID == 0 {
		if err := a.subscriptions.SetTypeTx(tx, ev.AccountID, model.SubscriptionExpired, nil, now); err != nil {
			return err
		}
		return a.journalSubscriptionTx(tx, ev.AccountID, now)
	}

	active, err := a.licenses.ListByProAccountStatusTx(tx, ev.ProAccountID, model.LicenseActive)
	if err != nil {
		return err
	}
	for _, lic := range active {
		if lic.IsLifetime {
			continue
		}
		if err := a.licenses.SetStatusTx(tx, lic.ID, model.LicenseSuspended, now); err != nil {
			return err
		}
		if err := a.journalLicenseTx(tx, lic.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyCanceled(tx *sql.Tx, ev model.BillingEvent, now time.Time) error {
	if ev.ProAccountID == 0 {
		if err := a.subscriptions.SetTypeTx(tx, ev.AccountID, model.SubscriptionExpired, nil, now); err != nil {
			return err
		}
		return a.journalSubscriptionTx(tx, ev.AccountID, now)
	}

	// Pro cancellation marks monthly licenses; the next renewal (if the
	// account recovers) or the unlink sweep finalizes them.
	active, err := a.licenses.ListByProAccountStatusTx(tx, ev.ProAccountID, model.LicenseActive)
	if err != nil {
		return err
	}
	for _, lic := range active {
		if lic.IsLifetime {
			continue
		}
		if err := a.licenses.SetStatusTx(tx, lic.ID, model.LicenseCanceled, now); err != nil {
			return err
		}
		if err := a.journalLicenseTx(tx, lic.ID, now); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) journalLicenseTx(tx *sql.Tx, licenseID int64, now time.Time) error {
	lic, err := a.licenses.GetTx(tx, licenseID)
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
	return a.journal.RecordTx(tx, model.EntityLicense, fmt.Sprintf("%d", lic.ID), lic.LinkedAccountID, payload, false, now)
}

func (a *Applier) journalSubscriptionTx(tx *sql.Tx, accountID int64, now time.Time) error {
	sub, err := a.subscriptions.GetByAccountIDTx(tx, accountID)
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
	return a.journal.RecordTx(tx, model.EntitySubscription, fmt.Sprintf("%d", accountID), &accountID, payload, false, now)
}
