package clock

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClock(t *testing.T) (*Clock, *AnchorStore) {
	t.Helper()
	store, err := NewAnchorStore(filepath.Join(t.TempDir(), "anchor"), "device-secret")
	if err != nil {
		t.Fatalf("new anchor store: %v", err)
	}
	return New(store, Config{}, testLogger()), store
}

func TestNowWithoutAnchorIsUntrusted(t *testing.T) {
	c, _ := newTestClock(t)

	if _, ok := c.Now(); ok {
		t.Fatal("expected untrusted reading before any anchor")
	}
	if !c.IsExpired(time.Now().Add(time.Hour)) {
		t.Error("IsExpired must fail secure without an anchor")
	}
}

func TestAnchorThenNow(t *testing.T) {
	c, _ := newTestClock(t)

	server := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mono time.Duration
	c.SetMonotonic(func() time.Duration { return mono })

	if err := c.Anchor(server); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	mono = 90 * time.Second
	now, ok := c.Now()
	if !ok {
		t.Fatal("expected trusted reading")
	}
	want := server.Add(90 * time.Second)
	if !now.Equal(want) {
		t.Errorf("now = %v, want %v", now, want)
	}
}

func TestBackwardJumpUntrusts(t *testing.T) {
	c, _ := newTestClock(t)

	var mono time.Duration = 3 * time.Hour
	c.SetMonotonic(func() time.Duration { return mono })
	if err := c.Anchor(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	// Within the grace window: clamped, still trusted.
	mono = 3*time.Hour - 10*time.Minute
	if _, ok := c.Now(); !ok {
		t.Error("small backward delta within grace should stay trusted")
	}

	// Beyond the grace window: restart or clock roll.
	mono = time.Hour
	if _, ok := c.Now(); ok {
		t.Error("backward jump beyond grace must untrust the anchor")
	}
}

func TestSuspiciousForwardJumpUntrusts(t *testing.T) {
	store, err := NewAnchorStore(filepath.Join(t.TempDir(), "anchor"), "s")
	if err != nil {
		t.Fatalf("new anchor store: %v", err)
	}
	c := New(store, Config{JumpThreshold: 24 * time.Hour}, testLogger())

	var mono time.Duration
	c.SetMonotonic(func() time.Duration { return mono })
	if err := c.Anchor(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	mono = 25 * time.Hour
	if _, ok := c.Now(); ok {
		t.Error("forward jump beyond threshold must untrust the anchor")
	}
}

func TestIsExpiredBoundary(t *testing.T) {
	c, _ := newTestClock(t)

	deadline := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mono time.Duration
	c.SetMonotonic(func() time.Duration { return mono })
	if err := c.Anchor(deadline.Add(-time.Second)); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	if c.IsExpired(deadline) {
		t.Error("one second before the deadline should not be expired")
	}
	mono = 2 * time.Second
	if !c.IsExpired(deadline) {
		t.Error("past the deadline should be expired")
	}
}

func TestNilStoreIsPermanentlyUntrusted(t *testing.T) {
	c := New(nil, Config{}, testLogger())

	if err := c.Anchor(time.Now()); err != ErrNoSecret {
		t.Fatalf("anchor without store: err = %v, want ErrNoSecret", err)
	}
	if _, ok := c.Now(); ok {
		t.Error("clock without a secure store must stay untrusted")
	}
}

func TestAnchorStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchor")
	store, err := NewAnchorStore(path, "secret")
	if err != nil {
		t.Fatalf("new anchor store: %v", err)
	}

	in := Anchor{
		ServerTime: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
		Monotonic:  42 * time.Second,
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out == nil {
		t.Fatal("expected anchor, got nil")
	}
	if !out.ServerTime.Equal(in.ServerTime) || out.Monotonic != in.Monotonic {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestAnchorStoreRejectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchor")
	store, err := NewAnchorStore(path, "secret")
	if err != nil {
		t.Fatalf("new anchor store: %v", err)
	}
	if err := store.Save(Anchor{ServerTime: time.Now().UTC()}); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := store.Load(); err == nil {
		t.Fatal("expected load error for tampered anchor file")
	}
}

func TestAnchorStoreMissingFile(t *testing.T) {
	store, err := NewAnchorStore(filepath.Join(t.TempDir(), "missing"), "secret")
	if err != nil {
		t.Fatalf("new anchor store: %v", err)
	}
	a, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil anchor for missing file, got %+v", a)
	}
}

func TestAnchorStoreRequiresSecret(t *testing.T) {
	if _, err := NewAnchorStore(filepath.Join(t.TempDir(), "anchor"), ""); err != ErrNoSecret {
		t.Fatalf("err = %v, want ErrNoSecret", err)
	}
}

func TestRestartDiscontinuityUntrusts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchor")
	store, err := NewAnchorStore(path, "secret")
	if err != nil {
		t.Fatalf("new anchor store: %v", err)
	}

	// First process life: anchor at a large monotonic reading.
	first := New(store, Config{}, testLogger())
	var mono time.Duration = 48 * time.Hour
	first.SetMonotonic(func() time.Duration { return mono })
	if err := first.Anchor(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	// Second process life: monotonic counter restarts near zero, so the
	// persisted anchor must resolve untrusted until re-anchored.
	second := New(store, Config{}, testLogger())
	second.SetMonotonic(func() time.Duration { return time.Minute })
	if _, ok := second.Now(); ok {
		t.Error("persisted anchor after restart must be untrusted")
	}
}
