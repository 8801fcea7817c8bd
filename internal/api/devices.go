/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/heimdall_signage/internal/auth"
	"github.com/friendsincode/heimdall_signage/internal/devicesync"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	ws "nhooyr.io/websocket"
)

// deviceSessionResponse is the JSON shape for a device session, whether
// it comes from the live registry or the persisted table.
type deviceSessionResponse struct {
	ScreenID       string    `json:"screen_id"`
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	Online         bool      `json:"online"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	LastAckVersion int       `json:"last_ack_version"`
	PendingVersion int       `json:"pending_version,omitempty"`
}

func liveSessionResponse(s devicesync.SessionStatus) deviceSessionResponse {
	state := string(models.DeviceOffline)
	switch {
	case s.Degraded:
		state = string(models.DeviceDegraded)
	case s.Online:
		state = string(models.DeviceOnline)
	}
	return deviceSessionResponse{
		ScreenID:       s.ScreenID,
		SessionID:      s.SessionID,
		State:          state,
		Online:         s.Online,
		RemoteAddr:     s.RemoteAddr,
		ConnectedAt:    s.ConnectedAt,
		LastSeenAt:     s.LastSeenAt,
		LastAckVersion: s.LastAckVersion,
		PendingVersion: s.PendingVersion,
	}
}

func storedSessionResponse(row *models.DeviceSession) deviceSessionResponse {
	return deviceSessionResponse{
		ScreenID:       row.ScreenID,
		SessionID:      row.SessionID,
		State:          string(row.State),
		Online:         row.State == models.DeviceOnline,
		RemoteAddr:     row.RemoteAddr,
		ConnectedAt:    row.ConnectedAt,
		LastSeenAt:     row.LastSeenAt,
		LastAckVersion: row.LastAckVersion,
	}
}

// handleDevicesList merges the live session registry with the persisted
// session table. Sessions held by another instance show their persisted
// state; sessions on this instance show registry truth.
func (a *API) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	var rows []models.DeviceSession
	if err := a.db.WithContext(r.Context()).Order("screen_id ASC").Find(&rows).Error; err != nil {
		a.logger.Error().Err(err).Msg("list device sessions failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	live := make(map[string]devicesync.SessionStatus)
	for _, s := range a.syncSvc.Status() {
		live[s.ScreenID] = s
	}

	out := make([]deviceSessionResponse, 0, len(rows))
	for i := range rows {
		if s, ok := live[rows[i].ScreenID]; ok {
			out = append(out, liveSessionResponse(s))
			delete(live, rows[i].ScreenID)
			continue
		}
		out = append(out, storedSessionResponse(&rows[i]))
	}
	// Sessions connected but not yet persisted.
	for _, s := range live {
		out = append(out, liveSessionResponse(s))
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// handleDeviceTokenMint issues a screen-bound device token. The token
// authorizes only the sync socket and content blobs for that screen.
func (a *API) handleDeviceTokenMint(w http.ResponseWriter, r *http.Request) {
	screenID := chi.URLParam(r, "screenID")

	if _, err := a.store.GetScreen(r.Context(), screenID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	ttl := a.deviceTokenTTL
	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	token, err := auth.IssueDevice(a.jwtSecret, screenID, ttl)
	if err != nil {
		a.logger.Error().Err(err).Msg("mint device token failed")
		writeError(w, http.StatusInternalServerError, "token_issue_failed")
		return
	}

	a.publishAuditEvent(r, events.EventAuditTokenMint, events.Payload{
		"screen_id":   screenID,
		"ttl_seconds": int(ttl / time.Second),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"screen_id":  screenID,
		"expires_at": time.Now().UTC().Add(ttl),
	})
}

// handleDeviceWS upgrades a device connection and hands it to the sync
// service for the lifetime of the session. The token's screen binding is
// the only identity a device ever presents.
func (a *API) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || !claims.IsDevice() || claims.ScreenID == "" {
		writeError(w, http.StatusForbidden, "device_token_required")
		return
	}
	screenID := claims.ScreenID

	if _, err := a.store.GetScreen(r.Context(), screenID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Str("screen_id", screenID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	if err := a.syncSvc.Run(r.Context(), conn, screenID, r.RemoteAddr); err != nil {
		a.logger.Debug().Err(err).Str("screen_id", screenID).Msg("device session ended with error")
	}
}
