// Package queue is the durable, ordered log of pending entity mutations.
// All operations are serialized through one mutex so the UI path and the
// background sync cycle never race on the same row.
package queue

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/store"
)

// Config holds the retry policy constants.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

const (
	defaultMaxRetries  = 8
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 10 * time.Minute
)

// Queue is the single-writer mutation queue for one account.
type Queue struct {
	mu     sync.Mutex
	store  *store.MutationStore
	cfg    Config
	logger *slog.Logger
}

func New(st *store.MutationStore, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Queue{store: st, cfg: cfg, logger: logger}
}

// Enqueue records a local write. A queued mutation for the same entity is
// collapsed: last writer wins on action and payload, the earliest
// created_at is kept, and the retry budget restarts. Collapsing rotates
// the entry's id, so an acknowledgement for a push that left before the
// collapse cannot resolve the superseding write away.
func (q *Queue) Enqueue(entityType model.EntityType, entityID string, action model.MutationAction, payload json.RawMessage, priority int) (*model.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Upsert(entityType, entityID, action, payload, priority)
}

// DequeueBatch returns up to max mutations eligible for the next push,
// ordered by priority then created_at.
func (q *Queue) DequeueBatch(now time.Time, max int) ([]model.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ListDue(now, max)
}

// MarkResolved removes a mutation after the server acknowledged it.
func (q *Queue) MarkResolved(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(id)
}

// MarkFailed records a transient failure and schedules the next retry
// with exponential backoff and jitter. Once the retry budget is spent the
// mutation is parked as needs-attention instead of retried forever.
func (q *Queue) MarkFailed(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if m == nil {
		// The entry was superseded by a newer local write (which rotated
		// the id) or already resolved. Either way there is nothing left
		// to retry under this id.
		return nil
	}

	attempt := m.AttemptCount + 1
	if attempt >= q.cfg.MaxRetries {
		q.logger.Warn("mutation exhausted retry budget",
			"mutation_id", id, "entity_type", m.EntityType, "entity_id", m.EntityID,
			"attempts", attempt, "error", cause)
		return q.store.MarkFailed(id, cause.Error(), nil, true)
	}

	next := time.Now().UTC().Add(q.backoffFor(attempt))
	return q.store.MarkFailed(id, cause.Error(), &next, false)
}

// MarkRejected parks a mutation the server rejected with a validation
// error. Rejections are permanent: retrying the same payload cannot
// succeed, so the entry goes straight to needs-attention.
func (q *Queue) MarkRejected(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.MarkFailed(id, reason, nil, true)
}

// NeedsAttention lists mutations awaiting user action.
func (q *Queue) NeedsAttention() ([]model.PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ListNeedsAttention()
}

// Len returns the number of unresolved mutations.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Count()
}

// backoffFor computes the delay before the given attempt (1-based) by
// stepping a fresh jittered exponential backoff.
func (q *Queue) backoffFor(attempt int) time.Duration {
	b := retry.NewExponential(q.cfg.BaseBackoff)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(q.cfg.MaxBackoff, b)

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	if d <= 0 {
		d = q.cfg.BaseBackoff
	}
	return d
}
