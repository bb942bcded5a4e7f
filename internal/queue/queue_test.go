package queue

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mwinters/roadlog/internal/database"
	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/store"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(store.NewMutationStore(db), Config{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute}, logger)
}

func TestEnqueueCollapsesUpdates(t *testing.T) {
	q := setupTestQueue(t)

	first, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionUpdate, json.RawMessage(`{"v":1}`), 0)
	if err != nil {
		t.Fatalf("enqueue v1: %v", err)
	}
	second, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionUpdate, json.RawMessage(`{"v":2}`), 0)
	if err != nil {
		t.Fatalf("enqueue v2: %v", err)
	}

	n, err := q.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("queue length = %d, want 1 after collapse", n)
	}
	if second.ID != first.ID {
		t.Errorf("collapse created a new entry: %s != %s", second.ID, first.ID)
	}
	if string(second.Payload) != `{"v":2}` {
		t.Errorf("payload = %s, want the later write", second.Payload)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on collapse: %v != %v", second.CreatedAt, first.CreatedAt)
	}
}

func TestDeleteSupersedesQueuedCreate(t *testing.T) {
	q := setupTestQueue(t)

	if _, err := q.Enqueue(model.EntityVehicle, "v-1", model.ActionCreate, json.RawMessage(`{"plate":"X"}`), 0); err != nil {
		t.Fatalf("enqueue create: %v", err)
	}
	m, err := q.Enqueue(model.EntityVehicle, "v-1", model.ActionDelete, nil, 0)
	if err != nil {
		t.Fatalf("enqueue delete: %v", err)
	}

	n, _ := q.Len()
	if n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	if m.Action != model.ActionDelete {
		t.Errorf("action = %s, want delete", m.Action)
	}
}

func TestDequeueBatchOrdering(t *testing.T) {
	q := setupTestQueue(t)

	if _, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionCreate, json.RawMessage(`{}`), 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(model.EntityLicense, "lic-1", model.ActionUpdate, json.RawMessage(`{}`), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(model.EntityTrip, "trip-2", model.ActionCreate, json.RawMessage(`{}`), 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	batch, err := q.DequeueBatch(time.Now(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0].EntityID != "lic-1" {
		t.Errorf("batch[0] = %s, want the high-priority license mutation", batch[0].EntityID)
	}
	if batch[1].EntityID != "trip-1" || batch[2].EntityID != "trip-2" {
		t.Errorf("equal-priority entries not in created_at order: %s, %s", batch[1].EntityID, batch[2].EntityID)
	}
}

func TestMarkFailedSchedulesBackoff(t *testing.T) {
	q := setupTestQueue(t)

	m, err := q.Enqueue(model.EntityExpense, "e-1", model.ActionCreate, json.RawMessage(`{}`), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.MarkFailed(m.ID, errors.New("connection refused")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// In backoff: not eligible now.
	batch, err := q.DequeueBatch(time.Now(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("batch size = %d, want 0 while in backoff", len(batch))
	}

	// Eligible again once the retry time passes.
	batch, err = q.DequeueBatch(time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1 after backoff elapsed", len(batch))
	}
	if batch[0].AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", batch[0].AttemptCount)
	}
	if batch[0].LastError != "connection refused" {
		t.Errorf("last_error = %q", batch[0].LastError)
	}
}

func TestRetryBudgetParksMutation(t *testing.T) {
	q := setupTestQueue(t)

	m, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionCreate, json.RawMessage(`{}`), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := q.MarkFailed(m.ID, errors.New("timeout")); err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
	}

	batch, err := q.DequeueBatch(time.Now().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 0 {
		t.Fatal("exhausted mutation must not be retried")
	}

	parked, err := q.NeedsAttention()
	if err != nil {
		t.Fatalf("needs attention: %v", err)
	}
	if len(parked) != 1 || parked[0].ID != m.ID {
		t.Fatalf("needs-attention = %v, want the exhausted mutation", parked)
	}
}

func TestEnqueueResetsRetryState(t *testing.T) {
	q := setupTestQueue(t)

	m, _ := q.Enqueue(model.EntityTrip, "trip-1", model.ActionUpdate, json.RawMessage(`{"v":1}`), 0)
	for i := 0; i < 3; i++ {
		if err := q.MarkFailed(m.ID, errors.New("timeout")); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}

	// A fresh local write supersedes the parked entry and restarts its budget.
	fresh, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionUpdate, json.RawMessage(`{"v":2}`), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if fresh.NeedsAttention || fresh.AttemptCount != 0 {
		t.Errorf("superseding write kept stale retry state: %+v", fresh)
	}

	batch, _ := q.DequeueBatch(time.Now(), 10)
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
}

func TestMarkRejectedParksImmediately(t *testing.T) {
	q := setupTestQueue(t)

	m, _ := q.Enqueue(model.EntityCompanyLink, "cl-1", model.ActionCreate, json.RawMessage(`{}`), 0)
	if err := q.MarkRejected(m.ID, "company not found"); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}

	parked, err := q.NeedsAttention()
	if err != nil {
		t.Fatalf("needs attention: %v", err)
	}
	if len(parked) != 1 || parked[0].LastError != "company not found" {
		t.Fatalf("parked = %+v, want the rejected mutation", parked)
	}
}

func TestMarkResolvedRemoves(t *testing.T) {
	q := setupTestQueue(t)

	m, _ := q.Enqueue(model.EntityTrip, "trip-1", model.ActionCreate, json.RawMessage(`{}`), 0)
	if err := q.MarkResolved(m.ID); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	n, _ := q.Len()
	if n != 0 {
		t.Errorf("queue length = %d, want 0 after resolve", n)
	}
}

// A write that lands while the previous mutation for the same entity is
// in flight must survive the in-flight push's acknowledgement.
func TestEnqueueDuringPushSurvivesStaleResolution(t *testing.T) {
	q := setupTestQueue(t)

	if _, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionUpdate, json.RawMessage(`{"v":1}`), 0); err != nil {
		t.Fatalf("enqueue v1: %v", err)
	}
	batch, err := q.DequeueBatch(time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch len = %d, want 1", len(batch))
	}
	inFlight := batch[0]

	// The v1 push is on the wire; the user saves again.
	superseding, err := q.Enqueue(model.EntityTrip, "trip-1", model.ActionUpdate, json.RawMessage(`{"v":2}`), 0)
	if err != nil {
		t.Fatalf("enqueue v2: %v", err)
	}
	if superseding.ID == inFlight.ID {
		t.Fatal("collapse must rotate the mutation id while a push is in flight")
	}

	// The server acks the v1 push. Resolving its id must not touch v2.
	if err := q.MarkResolved(inFlight.ID); err != nil {
		t.Fatalf("resolve stale id: %v", err)
	}
	n, err := q.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending after stale resolution = %d, want 1", n)
	}
	remaining, err := q.DequeueBatch(time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if string(remaining[0].Payload) != `{"v":2}` {
		t.Errorf("payload = %s, want v2", remaining[0].Payload)
	}

	// A late failure report for the stale id is a no-op, not an error.
	if err := q.MarkFailed(inFlight.ID, errors.New("timeout")); err != nil {
		t.Fatalf("stale MarkFailed: %v", err)
	}
	if remaining[0].AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", remaining[0].AttemptCount)
	}
}
