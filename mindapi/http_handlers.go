// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mindapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bMacroni/MindClear-sub002/internal/auth"
)

const maxBodyBytes = 1 << 20

// HTTPHandlers serves the record API:
//
//	POST   /{kind}         create
//	PUT    /{kind}/{id}    update
//	DELETE /{kind}/{id}    delete
//	GET    /{kind}[?since] full collection or delta
//	GET    /realtime       websocket change notices
type HTTPHandlers struct {
	service *RecordService
	hub     *RealtimeHub
	logger  *slog.Logger
}

// NewHTTPHandlers creates a new instance of record handlers. hub may be nil.
func NewHTTPHandlers(service *RecordService, hub *RealtimeHub, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, hub: hub, logger: logger}
}

// Routes returns the API mux wrapped in JWT authentication.
func (h *HTTPHandlers) Routes(jwtAuth *JWTAuth) http.Handler {
	mux := http.NewServeMux()
	if h.hub != nil {
		mux.HandleFunc("GET /realtime", h.hub.HandleRealtime)
	}
	mux.HandleFunc("GET /{kind}", h.HandleList)
	mux.HandleFunc("POST /{kind}", h.HandleCreate)
	mux.HandleFunc("PUT /{kind}/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /{kind}/{id}", h.HandleDelete)
	return jwtAuth.Middleware(mux)
}

func (h *HTTPHandlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, "missing user identity")
		return "", false
	}
	return userID, true
}

func (h *HTTPHandlers) decodeRecord(w http.ResponseWriter, r *http.Request, required bool) (Record, bool) {
	var rec Record
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read request body")
		return rec, false
	}
	if len(body) == 0 && !required {
		return rec, true
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to parse record: "+err.Error())
		return rec, false
	}
	return rec, true
}

// HandleCreate processes POST /{kind}
func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	in, ok := h.decodeRecord(w, r, true)
	if !ok {
		return
	}
	out, err := h.service.Create(r.Context(), userID, r.PathValue("kind"), in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// HandleUpdate processes PUT /{kind}/{id}
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	in, ok := h.decodeRecord(w, r, true)
	if !ok {
		return
	}
	out, err := h.service.Update(r.Context(), userID, r.PathValue("kind"), r.PathValue("id"), in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDelete processes DELETE /{kind}/{id}
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	in, ok := h.decodeRecord(w, r, false)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), userID, r.PathValue("kind"), r.PathValue("id"), in); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleList processes GET /{kind} and GET /{kind}?since=...
func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an ISO-8601 timestamp")
			return
		}
		since = &t
	}

	changes, err := h.service.Changes(r.Context(), userID, r.PathValue("kind"), since)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if changes.Full {
		writeJSON(w, http.StatusOK, changes.Changed)
		return
	}
	writeJSON(w, http.StatusOK, DeltaResponse{Changed: changes.Changed, Deleted: changes.Deleted})
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *ConflictError
	var invalid *ValidationError
	switch {
	case errors.As(err, &conflict):
		server := conflict.Server
		writeJSON(w, http.StatusConflict, ConflictResponse{
			Error:        CodeConflict,
			Message:      "stored record is newer than client_updated_at",
			ServerRecord: &server,
		})
	case errors.As(err, &invalid):
		h.writeError(w, http.StatusUnprocessableEntity, CodeInvalidRequest, invalid.Message)
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		h.logger.Error("Record request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
