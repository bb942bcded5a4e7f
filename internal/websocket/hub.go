// Package websocket is the sync-hint channel: the server nudges an
// account's connected devices when server-side state changed, and the
// device reacts by triggering an on-demand sync cycle.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mwinters/roadlog/internal/protocol"
)

// Hub maintains the set of active WebSocket clients, keyed by account,
// and broadcasts hint messages to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]int64
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]int64),
		logger:  logger,
	}
}

// Register adds a client to the hub under its account.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = c.accountID
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// BroadcastAccount sends a hint to every device of one account.
func (h *Hub) BroadcastAccount(accountID int64, msg protocol.HintMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal hint", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c, acct := range h.clients {
		if acct != accountID {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Client buffer full: drop the hint; the periodic cycle
			// picks the change up anyway.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
