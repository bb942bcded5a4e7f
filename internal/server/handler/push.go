package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mwinters/roadlog/internal/push"
	"github.com/mwinters/roadlog/internal/server/auth"
	"github.com/mwinters/roadlog/internal/server/store"
)

// PushHandler registers web push endpoints for the authenticated account.
type PushHandler struct {
	store   *store.PushStore
	service *push.Service
	logger  *slog.Logger
}

func NewPushHandler(s *store.PushStore, svc *push.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{store: s, service: svc, logger: logger}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		http.Error(w, "missing subscription fields", http.StatusBadRequest)
		return
	}

	sub, err := h.store.Upsert(accountID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		h.logger.Error("register push subscription", "account_id", accountID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(sub); err != nil {
		h.logger.Error("encode push subscription", "error", err)
	}
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.AccountIDFrom(r.Context()); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "missing endpoint", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteByEndpoint(req.Endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey exposes the public key clients need to subscribe.
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"public_key": h.service.VAPIDPublicKey()})
}
