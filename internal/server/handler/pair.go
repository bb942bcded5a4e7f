package handler

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mwinters/roadlog/internal/server/auth"
	"github.com/mwinters/roadlog/internal/server/store"
)

// PairHandler exchanges an account's pairing code for a bearer token.
// It is the only unauthenticated account endpoint and sits behind the
// rate limiter.
type PairHandler struct {
	accounts    *store.AccountStore
	tokenSecret string
	pairingCode string
	tokenTTL    time.Duration
	logger      *slog.Logger
}

func NewPairHandler(accounts *store.AccountStore, tokenSecret, pairingCode string, logger *slog.Logger) *PairHandler {
	return &PairHandler{
		accounts:    accounts,
		tokenSecret: tokenSecret,
		pairingCode: pairingCode,
		tokenTTL:    90 * 24 * time.Hour,
		logger:      logger,
	}
}

type pairRequest struct {
	AccountID   int64  `json:"account_id"`
	PairingCode string `json:"pairing_code"`
}

type pairResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *PairHandler) Pair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.PairingCode), []byte(h.pairingCode)) != 1 {
		http.Error(w, "invalid pairing code", http.StatusUnauthorized)
		return
	}

	account, err := h.accounts.GetByID(req.AccountID)
	if err != nil {
		h.logger.Error("lookup account for pairing", "account_id", req.AccountID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if account == nil {
		http.Error(w, "unknown account", http.StatusUnauthorized)
		return
	}

	token, err := auth.IssueToken(account.ID, h.tokenSecret, h.tokenTTL)
	if err != nil {
		h.logger.Error("issue token", "account_id", account.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pairResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(h.tokenTTL),
	}); err != nil {
		h.logger.Error("encode pair response", "error", err)
	}
}
