/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/heimdall_signage/internal/auth"
	"github.com/friendsincode/heimdall_signage/internal/events"
)

func (a *API) handleAPIKeysList(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	keys, err := auth.ListAPIKeys(a.db, claims.OperatorID)
	if err != nil {
		a.logger.Error().Err(err).Msg("list api keys failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (a *API) handleAPIKeysCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Name          string `json:"name"`
		ExpiresInDays int    `json:"expires_in_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Name == "" {
		req.Name = "API Key"
	}

	days := 90
	if req.ExpiresInDays > 0 && req.ExpiresInDays <= 365 {
		days = req.ExpiresInDays
	}

	plaintextKey, apiKey, err := auth.GenerateAPIKey(claims.OperatorID, req.Name, time.Duration(days)*24*time.Hour)
	if err != nil {
		a.logger.Error().Err(err).Msg("generate api key failed")
		writeError(w, http.StatusInternalServerError, "keygen_failed")
		return
	}

	if err := a.db.WithContext(r.Context()).Create(apiKey).Error; err != nil {
		a.logger.Error().Err(err).Msg("save api key failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishAuditEvent(r, events.EventAuditAPIKeyCreate, events.Payload{
		"resource_type": "apikey",
		"resource_id":   apiKey.ID,
		"key_name":      apiKey.Name,
	})

	// The plaintext key appears exactly once, in this response.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     plaintextKey,
		"api_key": apiKey,
	})
}

func (a *API) handleAPIKeyRevoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	keyID := chi.URLParam(r, "keyID")
	if err := auth.RevokeAPIKey(a.db, keyID, claims.OperatorID); err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		a.logger.Error().Err(err).Msg("revoke api key failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	a.publishAuditEvent(r, events.EventAuditAPIKeyRevoke, events.Payload{
		"resource_type": "apikey",
		"resource_id":   keyID,
	})

	w.WriteHeader(http.StatusNoContent)
}
