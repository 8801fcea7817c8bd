/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/heimdall_signage/internal/notifications"
)

// handleNotificationsList returns operator notifications, newest first.
func (a *API) handleNotificationsList(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread_only") == "true"
	limit := parseIntParam(r, "limit", 0)
	offset := parseIntParam(r, "offset", 0)

	notifications, total, err := a.notifySvc.List(r.Context(), unreadOnly, limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("list notifications failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"total":         total,
		"offset":        offset,
	})
}

func (a *API) handleNotificationsUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.notifySvc.UnreadCount(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("count unread notifications failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"unread_count": count})
}

func (a *API) handleNotificationMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id_required")
		return
	}

	if err := a.notifySvc.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, notifications.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		a.logger.Error().Err(err).Msg("mark notification read failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleNotificationsMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := a.notifySvc.MarkAllRead(r.Context()); err != nil {
		a.logger.Error().Err(err).Msg("mark all notifications read failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
