// Package clock derives a tamper-resistant notion of "now" from a
// server-anchored timestamp plus a monotonic local counter. The device
// wall clock is never consulted for security decisions.
package clock

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds the clock's policy constants.
type Config struct {
	// JumpThreshold is the largest forward monotonic delta accepted
	// before the anchor is considered stale or manipulated.
	JumpThreshold time.Duration
	// BackwardGrace is the largest backward monotonic delta tolerated
	// (clamped to zero); anything beyond it signals a restart.
	BackwardGrace time.Duration
}

const (
	defaultJumpThreshold = 30 * 24 * time.Hour
	defaultBackwardGrace = time.Hour
)

// Reading is one observation of trusted time. When Trusted is false the
// Now field is meaningless and every expiry comparison must deny.
type Reading struct {
	Now     time.Time
	Trusted bool
}

// Clock is the trusted time provider. A Clock built without a usable
// anchor store is permanently untrusted.
type Clock struct {
	mu     sync.Mutex
	store  *AnchorStore
	anchor *Anchor
	mono   func() time.Duration
	cfg    Config
	logger *slog.Logger
}

// New creates a Clock backed by the given store. Pass a nil store to get
// a permanently untrusted clock (secure storage unavailable). A persisted
// anchor is loaded eagerly; a corrupt anchor file is discarded, leaving
// the clock untrusted until the next server anchor.
func New(store *AnchorStore, cfg Config, logger *slog.Logger) *Clock {
	if cfg.JumpThreshold <= 0 {
		cfg.JumpThreshold = defaultJumpThreshold
	}
	if cfg.BackwardGrace <= 0 {
		cfg.BackwardGrace = defaultBackwardGrace
	}

	start := time.Now()
	c := &Clock{
		store:  store,
		mono:   func() time.Duration { return time.Since(start) },
		cfg:    cfg,
		logger: logger,
	}

	if store != nil {
		a, err := store.Load()
		if err != nil {
			logger.Warn("discarding unreadable time anchor", "error", err)
		} else {
			c.anchor = a
		}
	}
	return c
}

// SetMonotonic replaces the monotonic source. Tests use this to simulate
// elapsed time and restarts.
func (c *Clock) SetMonotonic(mono func() time.Duration) {
	c.mu.Lock()
	c.mono = mono
	c.mu.Unlock()
}

// Anchor records a server-observed timestamp against the current
// monotonic reading and persists it. Without a store the clock stays
// untrusted and the anchor is dropped.
func (c *Clock) Anchor(serverTime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil {
		return ErrNoSecret
	}

	a := Anchor{ServerTime: serverTime.UTC(), Monotonic: c.mono()}
	if err := c.store.Save(a); err != nil {
		return err
	}
	c.anchor = &a
	return nil
}

// Now returns the anchored time and whether it can be trusted. It is
// untrusted when no anchor exists, when the monotonic counter moved
// backward past the grace window (restart or clock roll), or when the
// forward delta exceeds the suspicious-jump threshold.
func (c *Clock) Now() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil || c.anchor == nil {
		return time.Time{}, false
	}

	delta := c.mono() - c.anchor.Monotonic
	switch {
	case delta < -c.cfg.BackwardGrace:
		return time.Time{}, false
	case delta < 0:
		delta = 0
	case delta > c.cfg.JumpThreshold:
		return time.Time{}, false
	}

	return c.anchor.ServerTime.Add(delta), true
}

// Read returns the current reading for policy evaluation.
func (c *Clock) Read() Reading {
	now, ok := c.Now()
	return Reading{Now: now, Trusted: ok}
}

// IsExpired reports whether the deadline has passed. It is fail-secure:
// an untrusted reading always reports expired.
func (c *Clock) IsExpired(deadline time.Time) bool {
	now, ok := c.Now()
	if !ok {
		return true
	}
	return !now.Before(deadline)
}
