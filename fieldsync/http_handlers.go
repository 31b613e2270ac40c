// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts both user and device identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandlePush processes batch entry uploads with idempotency and
// server-side status reconciliation
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, deviceID, &pushReq)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "device_id", deviceID)
	}
}

// HandleSnapshot serves the server-authoritative state of one entity
func (h *HTTPSyncHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "entity_id is required")
		return
	}

	response, err := h.service.GetSnapshot(r.Context(), userID, entityID)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load snapshot", "error", err, "user_id", userID, "entity_id", entityID)
		h.writeError(w, http.StatusInternalServerError, "snapshot_failed", "Failed to load snapshot")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode snapshot response", "error", err, "user_id", userID, "entity_id", entityID)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
