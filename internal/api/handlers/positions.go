// Package handlers exposes the live exit manager over HTTP: read access to
// managed positions and their event logs, plus the manual close override.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
	"github.com/Brokenbass90/by-bot/internal/service/live"
)

// PositionHandler handles position-related HTTP requests
type PositionHandler struct {
	manager *live.Manager
	events  exit.EventLogRepository // nil when running without a database
}

// NewPositionHandler creates a new PositionHandler
func NewPositionHandler(manager *live.Manager, events exit.EventLogRepository) *PositionHandler {
	return &PositionHandler{
		manager: manager,
		events:  events,
	}
}

// List handles GET /api/v1/positions
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    h.manager.List(),
	})
}

// Get handles GET /api/v1/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := h.manager.Status(id)
	if errors.Is(err, exit.ErrPositionNotFound) {
		writeError(w, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    status,
	})
}

// Events handles GET /api/v1/positions/{id}/events
func (h *PositionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_EVENT_LOG", "event log storage is not configured")
		return
	}
	events, err := h.events.ListByPosition(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    events,
	})
}

// closeRequest is the body of POST /api/v1/positions/{id}/close.
type closeRequest struct {
	Price decimal.Decimal `json:"price"`
}

// Close handles POST /api/v1/positions/{id}/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "price must be positive")
		return
	}

	ev, err := h.manager.CloseManual(r.Context(), id, req.Price, time.Now().UTC())
	if errors.Is(err, exit.ErrPositionNotFound) {
		writeError(w, http.StatusNotFound, "POSITION_NOT_FOUND", err.Error())
		return
	}
	if errors.Is(err, exit.ErrPositionClosed) {
		writeError(w, http.StatusConflict, "POSITION_CLOSED", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    ev,
	})
}

// Health handles GET /health
func (h *PositionHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"positions": len(h.manager.List()),
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid position id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}
