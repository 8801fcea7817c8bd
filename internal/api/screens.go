/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/heimdall_signage/internal/cache"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/store"
)

// screenResponse is the JSON shape for a screen. It matches the cached
// representation so cache hits and DB reads serve the same document.
type screenResponse struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Location      string         `json:"location,omitempty"`
	Timezone      string         `json:"timezone,omitempty"`
	IdleContentID string         `json:"idle_content_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type screenCreateRequest struct {
	Name          string         `json:"name"`
	Location      string         `json:"location"`
	Timezone      string         `json:"timezone"`
	IdleContentID string         `json:"idle_content_id"`
	Metadata      map[string]any `json:"metadata"`
}

type screenUpdateRequest struct {
	Name          *string        `json:"name"`
	Location      *string        `json:"location"`
	Timezone      *string        `json:"timezone"`
	IdleContentID *string        `json:"idle_content_id"`
	Metadata      map[string]any `json:"metadata"`
}

func toScreenResponse(s *models.Screen) screenResponse {
	return screenResponse{
		ID:            s.ID,
		Name:          s.Name,
		Location:      s.Location,
		Timezone:      s.Timezone,
		IdleContentID: s.IdleContentID,
		Metadata:      s.Metadata,
	}
}

func toCachedScreen(s *models.Screen) *cache.CachedScreen {
	return &cache.CachedScreen{
		ID:            s.ID,
		Name:          s.Name,
		Location:      s.Location,
		Timezone:      s.Timezone,
		IdleContentID: s.IdleContentID,
		Metadata:      s.Metadata,
	}
}

func cachedScreenResponse(c *cache.CachedScreen) screenResponse {
	return screenResponse{
		ID:            c.ID,
		Name:          c.Name,
		Location:      c.Location,
		Timezone:      c.Timezone,
		IdleContentID: c.IdleContentID,
		Metadata:      c.Metadata,
	}
}

func (a *API) handleScreensList(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := parseIntParam(r, "limit", 0)

	// Only the default first page is cached; cursored requests go to the
	// DB directly.
	useCache := a.cache != nil && after == "" && limit == 0
	if useCache {
		if cached, ok := a.cache.GetScreenList(r.Context()); ok {
			out := make([]screenResponse, len(cached))
			for i := range cached {
				out[i] = cachedScreenResponse(&cached[i])
			}
			writeJSON(w, http.StatusOK, map[string]any{"screens": out})
			return
		}
	}

	screens, err := a.store.ListScreens(r.Context(), after, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("list screens failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if useCache {
		cached := make([]cache.CachedScreen, len(screens))
		for i := range screens {
			cached[i] = *toCachedScreen(&screens[i])
		}
		_ = a.cache.SetScreenList(r.Context(), cached)
	}

	out := make([]screenResponse, len(screens))
	for i := range screens {
		out[i] = toScreenResponse(&screens[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"screens": out})
}

func (a *API) handleScreensCreate(w http.ResponseWriter, r *http.Request) {
	var req screenCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	screen, err := a.store.CreateScreen(r.Context(), store.CreateScreenRequest{
		Name:          req.Name,
		Location:      req.Location,
		Timezone:      req.Timezone,
		IdleContentID: req.IdleContentID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toScreenResponse(screen))
}

func (a *API) handleScreensGet(w http.ResponseWriter, r *http.Request) {
	screenID := chi.URLParam(r, "screenID")

	if a.cache != nil {
		if cached, ok := a.cache.GetScreen(r.Context(), screenID); ok {
			writeJSON(w, http.StatusOK, cachedScreenResponse(cached))
			return
		}
	}

	screen, err := a.store.GetScreen(r.Context(), screenID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if a.cache != nil {
		_ = a.cache.SetScreen(r.Context(), toCachedScreen(screen))
	}

	writeJSON(w, http.StatusOK, toScreenResponse(screen))
}

func (a *API) handleScreensUpdate(w http.ResponseWriter, r *http.Request) {
	screenID := chi.URLParam(r, "screenID")

	var req screenUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	screen, err := a.store.UpdateScreen(r.Context(), screenID, store.UpdateScreenRequest{
		Name:          req.Name,
		Location:      req.Location,
		Timezone:      req.Timezone,
		IdleContentID: req.IdleContentID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toScreenResponse(screen))
}

func (a *API) handleScreensDelete(w http.ResponseWriter, r *http.Request) {
	screenID := chi.URLParam(r, "screenID")

	if err := a.store.DeleteScreen(r.Context(), screenID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decisionResponse is the JSON shape for a screen's current decision.
type decisionResponse struct {
	ScreenID   string     `json:"screen_id"`
	Version    int        `json:"version"`
	EntryID    *string    `json:"entry_id"`
	ContentID  *string    `json:"content_id"`
	Reason     string     `json:"reason"`
	ComputedAt time.Time  `json:"computed_at"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func toDecisionResponse(d *models.Decision) decisionResponse {
	return decisionResponse{
		ScreenID:   d.ScreenID,
		Version:    d.Version,
		EntryID:    d.EntryID,
		ContentID:  d.ContentID,
		Reason:     d.Reason,
		ComputedAt: d.ComputedAt,
		ValidUntil: d.ValidUntil,
	}
}

// handleScreenStatus reports one screen's current decision and device
// session. Live sessions come from the sync registry; otherwise the
// last persisted session is returned, or null if the device never
// connected.
func (a *API) handleScreenStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	screenID := chi.URLParam(r, "screenID")

	if _, err := a.store.GetScreen(ctx, screenID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	decision, err := a.engine.Decision(ctx, screenID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	var device any
	if live, ok := a.syncSvc.StatusFor(screenID); ok {
		device = liveSessionResponse(live)
	} else {
		var sess models.DeviceSession
		if err := a.db.WithContext(ctx).First(&sess, "screen_id = ?", screenID).Error; err == nil {
			device = storedSessionResponse(&sess)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"screen_id": screenID,
		"decision":  toDecisionResponse(decision),
		"device":    device,
	})
}

// handleScreenPreview answers "what would this screen show at instant
// X?" without touching any state.
func (a *API) handleScreenPreview(w http.ResponseWriter, r *http.Request) {
	screenID := chi.URLParam(r, "screenID")

	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_at")
			return
		}
		at = parsed.UTC()
	}

	outcome, explanations, err := a.engine.Preview(r.Context(), screenID, at)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	var winner any
	if outcome.Winner != nil {
		winner = map[string]any{
			"entry_id":   outcome.Winner.EntryID,
			"content_id": outcome.Winner.ContentID,
			"name":       outcome.Winner.Name,
			"priority":   outcome.Winner.Priority,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"screen_id":  screenID,
		"at":         at,
		"winner":     winner,
		"candidates": explanations,
	})
}

// parseIntParam reads a non-negative integer query parameter, falling
// back to def when absent or malformed.
func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
