/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/heimdall_signage/internal/models"
)

type groupResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type groupCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type groupUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func toGroupResponse(g *models.ScreenGroup) groupResponse {
	return groupResponse{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
	}
}

func (a *API) handleGroupsList(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := parseIntParam(r, "limit", 0)

	groups, err := a.store.ListGroups(r.Context(), after, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("list groups failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	out := make([]groupResponse, len(groups))
	for i := range groups {
		out[i] = toGroupResponse(&groups[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

func (a *API) handleGroupsCreate(w http.ResponseWriter, r *http.Request) {
	var req groupCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	group, err := a.store.CreateGroup(r.Context(), req.Name, req.Description)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toGroupResponse(group))
}

func (a *API) handleGroupsGet(w http.ResponseWriter, r *http.Request) {
	group, err := a.store.GetGroup(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(group))
}

func (a *API) handleGroupsUpdate(w http.ResponseWriter, r *http.Request) {
	var req groupUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	group, err := a.store.UpdateGroup(r.Context(), chi.URLParam(r, "groupID"), req.Name, req.Description)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toGroupResponse(group))
}

func (a *API) handleGroupsDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DeleteGroup(r.Context(), chi.URLParam(r, "groupID")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGroupScreensList returns a group's member screens. The cached
// expansion is served when every member is individually cached too,
// otherwise the DB answer refills both layers.
func (a *API) handleGroupScreensList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := chi.URLParam(r, "groupID")

	if a.cache != nil {
		if ids, ok := a.cache.GetGroupScreens(ctx, groupID); ok {
			out := make([]screenResponse, 0, len(ids))
			complete := true
			for _, id := range ids {
				cached, found := a.cache.GetScreen(ctx, id)
				if !found {
					complete = false
					break
				}
				out = append(out, cachedScreenResponse(cached))
			}
			if complete {
				writeJSON(w, http.StatusOK, map[string]any{"screens": out})
				return
			}
		}
	}

	if _, err := a.store.GetGroup(ctx, groupID); err != nil {
		a.writeServiceError(w, err)
		return
	}

	screens, err := a.store.ListGroupScreens(ctx, groupID)
	if err != nil {
		a.logger.Error().Err(err).Msg("list group screens failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	if a.cache != nil {
		ids := make([]string, len(screens))
		for i := range screens {
			ids[i] = screens[i].ID
			_ = a.cache.SetScreen(ctx, toCachedScreen(&screens[i]))
		}
		_ = a.cache.SetGroupScreens(ctx, groupID, ids)
	}

	out := make([]screenResponse, len(screens))
	for i := range screens {
		out[i] = toScreenResponse(&screens[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"screens": out})
}

func (a *API) handleGroupScreenAdd(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	screenID := chi.URLParam(r, "screenID")

	if err := a.store.AddScreenToGroup(r.Context(), groupID, screenID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGroupScreenRemove(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	screenID := chi.URLParam(r, "screenID")

	if err := a.store.RemoveScreenFromGroup(r.Context(), groupID, screenID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
