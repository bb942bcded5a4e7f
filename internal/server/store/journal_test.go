package store

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/server/database"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func inTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func record(t *testing.T, db *sql.DB, s *JournalStore, entityID string, accountID *int64, at time.Time) {
	t.Helper()
	inTx(t, db, func(tx *sql.Tx) error {
		return s.RecordTx(tx, model.EntityTrip, entityID, accountID, json.RawMessage(`{"id":"`+entityID+`"}`), false, at)
	})
}

func listSince(t *testing.T, db *sql.DB, s *JournalStore, accountID int64, since, now time.Time) []protocol.Delta {
	t.Helper()
	var out []protocol.Delta
	inTx(t, db, func(tx *sql.Tx) error {
		var err error
		out, err = s.ListSinceTx(tx, accountID, since, now)
		return err
	})
	return out
}

func TestJournalWindowIsHalfOpen(t *testing.T) {
	db := setupDB(t)
	s := NewJournalStore(db)
	acct := int64(1)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, db, s, "at-since", &acct, base)
	record(t, db, s, "inside", &acct, base.Add(time.Minute))
	record(t, db, s, "at-now", &acct, base.Add(2*time.Minute))
	record(t, db, s, "after-now", &acct, base.Add(3*time.Minute))

	deltas := listSince(t, db, s, acct, base, base.Add(2*time.Minute))
	if len(deltas) != 2 {
		t.Fatalf("len = %d, want 2 (%v)", len(deltas), deltas)
	}
	// Exclusive of since, inclusive of now: a cursor advanced to the
	// reconcile timestamp never replays that instant, never skips it.
	if deltas[0].EntityID != "inside" || deltas[1].EntityID != "at-now" {
		t.Errorf("got %q, %q; want inside, at-now", deltas[0].EntityID, deltas[1].EntityID)
	}
}

func TestJournalScopesByAccount(t *testing.T) {
	db := setupDB(t)
	s := NewJournalStore(db)
	mine, other := int64(1), int64(2)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record(t, db, s, "mine", &mine, base.Add(time.Minute))
	record(t, db, s, "theirs", &other, base.Add(time.Minute))
	record(t, db, s, "broadcast", nil, base.Add(time.Minute))

	deltas := listSince(t, db, s, mine, base, base.Add(time.Hour))
	ids := make(map[string]bool)
	for _, d := range deltas {
		ids[d.EntityID] = true
	}
	if !ids["mine"] || !ids["broadcast"] || ids["theirs"] {
		t.Errorf("ids = %v, want mine and broadcast only", ids)
	}
}

func TestJournalUpsertKeepsLatestOnly(t *testing.T) {
	db := setupDB(t)
	s := NewJournalStore(db)
	acct := int64(1)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inTx(t, db, func(tx *sql.Tx) error {
		return s.RecordTx(tx, model.EntityTrip, "trip-1", &acct, json.RawMessage(`{"rev":1}`), false, base)
	})
	inTx(t, db, func(tx *sql.Tx) error {
		return s.RecordTx(tx, model.EntityTrip, "trip-1", &acct, json.RawMessage(`{"rev":2}`), true, base.Add(time.Minute))
	})

	deltas := listSince(t, db, s, acct, base.Add(-time.Minute), base.Add(time.Hour))
	if len(deltas) != 1 {
		t.Fatalf("len = %d, want 1", len(deltas))
	}
	d := deltas[0]
	if string(d.Payload) != `{"rev":2}` {
		t.Errorf("payload = %s, want rev 2", d.Payload)
	}
	if !d.Deleted {
		t.Error("expected deleted flag from the latest write")
	}

	// The old timestamp is gone with the old row: a device whose cursor
	// already passed the rewrite sees nothing.
	if got := listSince(t, db, s, acct, base.Add(2*time.Minute), base.Add(time.Hour)); len(got) != 0 {
		t.Errorf("stale window returned %d deltas, want 0", len(got))
	}
}

func TestBillingEventInsertClaimsOnce(t *testing.T) {
	db := setupDB(t)
	s := NewBillingEventStore(db)
	now := time.Now().UTC()
	ev := model.BillingEvent{IdempotencyKey: "evt-1", Type: model.BillingPaymentSucceeded, AccountID: 1}

	var claimed bool
	inTx(t, db, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.InsertTx(tx, ev, now)
		return err
	})
	if !claimed {
		t.Fatal("first insert should claim the key")
	}

	inTx(t, db, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.InsertTx(tx, ev, now.Add(time.Minute))
		return err
	})
	if claimed {
		t.Fatal("second insert must not claim the key")
	}

	seen, err := s.Seen("evt-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Error("Seen should report the claimed key")
	}
	seen, err = s.Seen("evt-other")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Error("Seen should not report an unknown key")
	}
}

// A rolled back claim releases the key: the redelivery can try again.
func TestBillingEventClaimRollsBack(t *testing.T) {
	db := setupDB(t)
	s := NewBillingEventStore(db)
	now := time.Now().UTC()
	ev := model.BillingEvent{IdempotencyKey: "evt-rb", Type: model.BillingPaymentFailed, AccountID: 1}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	claimed, err := s.InsertTx(tx, ev, now)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !claimed {
		t.Fatal("expected claim")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	inTx(t, db, func(tx *sql.Tx) error {
		var err error
		claimed, err = s.InsertTx(tx, ev, now)
		return err
	})
	if !claimed {
		t.Fatal("key should be claimable after rollback")
	}
}
