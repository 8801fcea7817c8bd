/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

type settingsResponse struct {
	EvaluationEnabled bool   `json:"evaluation_enabled"`
	WebsocketEnabled  bool   `json:"websocket_enabled"`
	MetricsEnabled    bool   `json:"metrics_enabled"`
	LogLevel          string `json:"log_level"`
}

func toSettingsResponse(s *models.SystemSettings) settingsResponse {
	return settingsResponse{
		EvaluationEnabled: s.EvaluationEnabled,
		WebsocketEnabled:  s.WebsocketEnabled,
		MetricsEnabled:    s.MetricsEnabled,
		LogLevel:          s.LogLevel,
	}
}

func (a *API) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	settings, err := models.GetSystemSettings(a.db.WithContext(r.Context()))
	if err != nil {
		a.logger.Error().Err(err).Msg("load settings failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, toSettingsResponse(settings))
}

// handleSettingsUpdate replaces the runtime settings. Nil fields keep
// their current value, so partial updates are safe.
func (a *API) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EvaluationEnabled *bool   `json:"evaluation_enabled"`
		WebsocketEnabled  *bool   `json:"websocket_enabled"`
		MetricsEnabled    *bool   `json:"metrics_enabled"`
		LogLevel          *string `json:"log_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if req.LogLevel != nil && !models.IsValidLogLevel(*req.LogLevel) {
		writeError(w, http.StatusUnprocessableEntity, "invalid_log_level")
		return
	}

	settings, err := models.GetSystemSettings(a.db.WithContext(r.Context()))
	if err != nil {
		a.logger.Error().Err(err).Msg("load settings failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	changed := events.Payload{}
	if req.EvaluationEnabled != nil && *req.EvaluationEnabled != settings.EvaluationEnabled {
		settings.EvaluationEnabled = *req.EvaluationEnabled
		changed["evaluation_enabled"] = *req.EvaluationEnabled
	}
	if req.WebsocketEnabled != nil && *req.WebsocketEnabled != settings.WebsocketEnabled {
		settings.WebsocketEnabled = *req.WebsocketEnabled
		changed["websocket_enabled"] = *req.WebsocketEnabled
	}
	if req.MetricsEnabled != nil && *req.MetricsEnabled != settings.MetricsEnabled {
		settings.MetricsEnabled = *req.MetricsEnabled
		changed["metrics_enabled"] = *req.MetricsEnabled
	}
	if req.LogLevel != nil && *req.LogLevel != settings.LogLevel {
		settings.LogLevel = *req.LogLevel
		changed["log_level"] = *req.LogLevel
	}

	if len(changed) == 0 {
		writeJSON(w, http.StatusOK, toSettingsResponse(settings))
		return
	}

	if err := a.db.WithContext(r.Context()).Save(settings).Error; err != nil {
		a.logger.Error().Err(err).Msg("save settings failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	changed["resource_type"] = "settings"
	a.publishAuditEvent(r, events.EventAuditSettingsUpdate, changed)

	writeJSON(w, http.StatusOK, toSettingsResponse(settings))
}
