package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mwinters/roadlog/internal/protocol"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, accountID int64) *Client {
	return &Client{
		hub:       hub,
		conn:      nil,
		accountID: accountID,
		send:      make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, 1)
	c2 := mockClient(hub, 2)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(slog.Default())
	c := mockClient(hub, 1)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcastAccountScoping(t *testing.T) {
	hub := NewHub(slog.Default())

	mine := mockClient(hub, 7)
	other := mockClient(hub, 8)
	hub.Register(mine)
	hub.Register(other)

	hub.BroadcastAccount(7, protocol.HintMessage{Type: "sync", AccountID: 7})

	select {
	case data := <-mine.send:
		var got protocol.HintMessage
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "sync" || got.AccountID != 7 {
			t.Errorf("got %+v, want sync hint for account 7", got)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for hint")
	}

	select {
	case <-other.send:
		t.Fatal("hint leaked to another account's device")
	default:
	}

	hub.Unregister(mine)
	hub.Unregister(other)
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.BroadcastAccount(1, protocol.HintMessage{Type: "sync"})
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, 1)
	hub.Register(c)

	// Fill the send buffer
	for i := 0; i < sendBufferSize; i++ {
		hub.BroadcastAccount(1, protocol.HintMessage{Type: "sync"})
	}

	// This should drop the hint, not panic or block
	hub.BroadcastAccount(1, protocol.HintMessage{Type: "sync"})

	// Drain to verify buffer was full
	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	// Spawn goroutines that register, broadcast, and unregister concurrently
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(accountID int64) {
			defer wg.Done()
			c := mockClient(hub, accountID)
			hub.Register(c)
			hub.BroadcastAccount(accountID, protocol.HintMessage{Type: "sync"})
			// Drain any messages
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}(int64(i % 5))
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
