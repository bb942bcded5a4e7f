// Package syncengine runs the device's push+pull reconciliation cycle.
// A cycle bundles every resolvable pending mutation with the pull
// cursor into one server call, applies the returned deltas locally, and
// advances the cursor only when the whole cycle succeeds.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mwinters/roadlog/internal/clock"
	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/queue"
	"github.com/mwinters/roadlog/internal/store"
)

// ErrSuspended reports that syncing stopped after an auth failure and
// will not resume until a fresh token arrives.
var ErrSuspended = errors.New("sync suspended: re-pair the device")

// State is the engine's externally visible cycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateFailed    State = "failed"
	StateSuspended State = "suspended"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
}

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 50
)

// Engine drives periodic sync cycles. Concurrent triggers coalesce into
// a single in-flight cycle; there is never more than one request on the
// wire per device.
type Engine struct {
	db       *sql.DB
	queue    *queue.Queue
	cursor   *store.CursorStore
	entities *store.EntityStore
	accounts *store.AccountStore
	clk      *clock.Clock
	client   *Client
	account  int64
	cfg      Config
	logger   *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	state     State
	lastError error
	suspended bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(db *sql.DB, q *queue.Queue, cursor *store.CursorStore, entities *store.EntityStore, accounts *store.AccountStore, clk *clock.Clock, client *Client, accountID int64, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Engine{
		db:       db,
		queue:    q,
		cursor:   cursor,
		entities: entities,
		accounts: accounts,
		clk:      clk,
		client:   client,
		account:  accountID,
		cfg:      cfg,
		logger:   logger,
		state:    StateIdle,
	}
}

// Start begins the periodic sync loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.SyncNow(ctx); err != nil && !errors.Is(err, ErrSuspended) {
					e.logger.Warn("sync cycle failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the loop.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel := e.cancel
	done := e.done
	e.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// State returns the last observed cycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// LastError returns the error of the last failed cycle, if any.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

// Resume installs a fresh bearer token and lifts the auth suspension.
func (e *Engine) Resume(token string) {
	e.client.SetToken(token)
	e.mu.Lock()
	e.suspended = false
	e.state = StateIdle
	e.lastError = nil
	e.mu.Unlock()
}

// SyncNow triggers one cycle. Callers racing each other share the same
// in-flight cycle and its result.
func (e *Engine) SyncNow(ctx context.Context) error {
	_, err, _ := e.group.Do("cycle", func() (any, error) {
		return nil, e.cycle(ctx)
	})
	return err
}

func (e *Engine) cycle(ctx context.Context) error {
	e.mu.Lock()
	if e.suspended {
		e.mu.Unlock()
		return ErrSuspended
	}
	e.state = StateRunning
	e.mu.Unlock()

	err := e.runCycle(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err == nil:
		e.state = StateIdle
		e.lastError = nil
	case errors.Is(err, ErrUnauthorized):
		e.suspended = true
		e.state = StateSuspended
		e.lastError = err
		return ErrSuspended
	default:
		e.state = StateFailed
		e.lastError = err
	}
	return err
}

func (e *Engine) runCycle(ctx context.Context) error {
	cur, err := e.cursor.Get(e.account)
	if err != nil {
		return err
	}

	pending, err := e.queue.DequeueBatch(time.Now().UTC(), e.cfg.BatchSize)
	if err != nil {
		return err
	}

	req := protocol.SyncRequest{
		LastSyncedAt: cur.LastSyncedAt,
		Mutations:    make([]protocol.Mutation, 0, len(pending)),
	}
	for _, m := range pending {
		req.Mutations = append(req.Mutations, protocol.Mutation{
			ID:         m.ID,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Action:     m.Action,
			Payload:    m.Payload,
			CreatedAt:  m.CreatedAt,
		})
	}

	resp, serverTime, err := e.client.Reconcile(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			e.failBatch(pending, err)
		}
		return err
	}

	if !serverTime.IsZero() {
		if err := e.clk.Anchor(serverTime); err != nil {
			e.logger.Warn("anchor clock", "error", err)
		}
	}

	if err := e.applyDeltas(resp); err != nil {
		e.failBatch(pending, err)
		return err
	}

	for _, outcome := range resp.Outcomes {
		switch outcome.Status {
		case protocol.OutcomeApplied:
			if err := e.queue.MarkResolved(outcome.MutationID); err != nil {
				e.logger.Error("resolve mutation", "mutation_id", outcome.MutationID, "error", err)
			}
		case protocol.OutcomeRejected:
			e.logger.Warn("mutation rejected", "mutation_id", outcome.MutationID, "reason", outcome.Reason)
			if err := e.queue.MarkRejected(outcome.MutationID, outcome.Reason); err != nil {
				e.logger.Error("park mutation", "mutation_id", outcome.MutationID, "error", err)
			}
		}
	}

	e.logger.Debug("sync cycle complete",
		"pushed", len(pending), "pulled", len(resp.Deltas), "synced_at", resp.SyncedAt)
	return nil
}

// applyDeltas writes the pulled server state and the advanced cursor in
// one local transaction. A reapplied delta is a harmless overwrite, so
// a crash before the queue cleanup only causes a redundant next cycle.
func (e *Engine) applyDeltas(resp *protocol.SyncResponse) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range resp.Deltas {
		if err := e.applyDelta(tx, d); err != nil {
			return err
		}
	}

	if err := e.cursor.AdvanceTx(tx, e.account, resp.SyncedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) applyDelta(tx *sql.Tx, d protocol.Delta) error {
	if err := e.entities.Apply(tx, store.Mirrored{
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Payload:    d.Payload,
		Deleted:    d.Deleted,
		UpdatedAt:  d.UpdatedAt,
	}); err != nil {
		return err
	}

	// Subscription and license deltas also refresh the local account
	// snapshot the access policy reads.
	switch d.EntityType {
	case model.EntitySubscription:
		if d.Deleted {
			return nil
		}
		var sub model.Subscription
		if err := json.Unmarshal(d.Payload, &sub); err != nil {
			return fmt.Errorf("decode subscription delta: %w", err)
		}
		return e.accounts.SaveSubscription(tx, sub)
	case model.EntityLicense:
		if d.Deleted {
			return e.accounts.ClearLicense(tx)
		}
		var lic model.License
		if err := json.Unmarshal(d.Payload, &lic); err != nil {
			return fmt.Errorf("decode license delta: %w", err)
		}
		return e.accounts.SaveLicense(tx, lic)
	}
	return nil
}

// failBatch schedules a retry for every mutation the failed cycle
// carried. Attempt counts and backoff live in the queue.
func (e *Engine) failBatch(pending []model.PendingMutation, cause error) {
	for _, m := range pending {
		if err := e.queue.MarkFailed(m.ID, cause); err != nil {
			e.logger.Error("mark mutation failed", "mutation_id", m.ID, "error", err)
		}
	}
}
