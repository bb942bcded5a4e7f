package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/pool"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/websocket"
)

// LicenseHandler exposes the license pool RPCs. Every response carries a
// tagged outcome; rejection reasons are data, not error strings.
type LicenseHandler struct {
	pool   *pool.Pool
	hub    *websocket.Hub
	logger *slog.Logger
}

func NewLicenseHandler(p *pool.Pool, hub *websocket.Hub, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{pool: p, hub: hub, logger: logger}
}

func (h *LicenseHandler) Assign(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	outcome, lic, err := h.pool.Assign(req.LicenseID, req.AccountID)
	if err != nil {
		h.logger.Error("assign license", "license_id", req.LicenseID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if outcome == protocol.LicenseAssigned {
		h.hub.BroadcastAccount(req.AccountID, protocol.HintMessage{Type: "sync", AccountID: req.AccountID})
	}
	h.respond(w, outcome, lic)
}

func (h *LicenseHandler) RequestUnlink(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	outcome, lic, err := h.pool.RequestUnlink(req.LicenseID)
	if err != nil {
		h.logger.Error("request unlink", "license_id", req.LicenseID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.notifyLinked(outcome, lic)
	h.respond(w, outcome, lic)
}

func (h *LicenseHandler) CancelUnlink(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	outcome, lic, err := h.pool.CancelUnlinkRequest(req.LicenseID)
	if err != nil {
		h.logger.Error("cancel unlink", "license_id", req.LicenseID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.notifyLinked(outcome, lic)
	h.respond(w, outcome, lic)
}

func (h *LicenseHandler) decode(w http.ResponseWriter, r *http.Request) (protocol.LicenseRequest, bool) {
	var req protocol.LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.LicenseID == 0 {
		http.Error(w, "missing license id", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *LicenseHandler) notifyLinked(outcome protocol.LicenseOutcome, lic *model.License) {
	if lic == nil || lic.LinkedAccountID == nil {
		return
	}
	switch outcome {
	case protocol.LicenseUnlinkRequested, protocol.LicenseUnlinkCanceled:
		h.hub.BroadcastAccount(*lic.LinkedAccountID, protocol.HintMessage{Type: "sync", AccountID: *lic.LinkedAccountID})
	}
}

func (h *LicenseHandler) respond(w http.ResponseWriter, outcome protocol.LicenseOutcome, lic *model.License) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(protocol.LicenseResponse{Outcome: outcome, License: lic}); err != nil {
		h.logger.Error("encode license response", "error", err)
	}
}
