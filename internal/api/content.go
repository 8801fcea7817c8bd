/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/heimdall_signage/internal/auth"
	"github.com/friendsincode/heimdall_signage/internal/cache"
	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

// assetResponse is the JSON shape for a content asset. It matches the
// cached representation so cache hits and DB reads serve the same
// document.
type assetResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
	State     string `json:"state"`
	URL       string `json:"url,omitempty"`
}

func (a *API) toAssetResponse(asset *models.ContentAsset) assetResponse {
	return assetResponse{
		ID:        asset.ID,
		Name:      asset.Name,
		MIMEType:  asset.MIMEType,
		SizeBytes: asset.SizeBytes,
		SHA256:    asset.SHA256,
		State:     string(asset.State),
		URL:       a.contentSvc.URL(asset),
	}
}

func (a *API) toCachedAsset(asset *models.ContentAsset) *cache.CachedContentAsset {
	return &cache.CachedContentAsset{
		ID:        asset.ID,
		Name:      asset.Name,
		MIMEType:  asset.MIMEType,
		SizeBytes: asset.SizeBytes,
		SHA256:    asset.SHA256,
		State:     string(asset.State),
		URL:       a.contentSvc.URL(asset),
	}
}

func cachedAssetResponse(c *cache.CachedContentAsset) assetResponse {
	return assetResponse{
		ID:        c.ID,
		Name:      c.Name,
		MIMEType:  c.MIMEType,
		SizeBytes: c.SizeBytes,
		SHA256:    c.SHA256,
		State:     c.State,
		URL:       c.URL,
	}
}

func (a *API) handleContentList(w http.ResponseWriter, r *http.Request) {
	state := models.AssetState(r.URL.Query().Get("state"))
	switch state {
	case "", models.AssetStaged, models.AssetLive, models.AssetBlocked:
	default:
		writeError(w, http.StatusUnprocessableEntity, "invalid_state")
		return
	}

	assets, err := a.contentSvc.List(r.Context(), state, r.URL.Query().Get("after"), parseIntParam(r, "limit", 0))
	if err != nil {
		a.logger.Error().Err(err).Msg("list assets failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	out := make([]assetResponse, len(assets))
	for i := range assets {
		out[i] = a.toAssetResponse(&assets[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

func (a *API) handleContentUpload(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if a.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_multipart")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file_required")
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	mimeType := r.FormValue("mime_type")
	if mimeType == "" {
		mimeType = header.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	asset, err := a.contentSvc.Upload(r.Context(), content.UploadRequest{
		Name:       name,
		MIMEType:   mimeType,
		UploadedBy: claims.OperatorID,
	}, file)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, a.toAssetResponse(asset))
}

func (a *API) handleContentGet(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	if a.cache != nil {
		if cached, ok := a.cache.GetContentAsset(r.Context(), assetID); ok {
			writeJSON(w, http.StatusOK, cachedAssetResponse(cached))
			return
		}
	}

	asset, err := a.contentSvc.Get(r.Context(), assetID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if a.cache != nil {
		_ = a.cache.SetContentAsset(r.Context(), a.toCachedAsset(asset))
	}

	writeJSON(w, http.StatusOK, a.toAssetResponse(asset))
}

func (a *API) handleContentBlock(w http.ResponseWriter, r *http.Request) {
	asset, err := a.contentSvc.Block(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.toAssetResponse(asset))
}

func (a *API) handleContentUnblock(w http.ResponseWriter, r *http.Request) {
	asset, err := a.contentSvc.Unblock(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.toAssetResponse(asset))
}

func (a *API) handleContentDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.contentSvc.Delete(r.Context(), chi.URLParam(r, "assetID")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleContentBlob streams an asset's bytes. Devices authenticate with
// their screen token; blocked assets are withheld from everyone.
func (a *API) handleContentBlob(w http.ResponseWriter, r *http.Request) {
	asset, rc, err := a.contentSvc.Open(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	if asset.State == models.AssetBlocked {
		writeError(w, http.StatusForbidden, "content_blocked")
		return
	}

	if strings.Trim(r.Header.Get("If-None-Match"), `"`) == asset.SHA256 {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", asset.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(asset.SizeBytes, 10))
	w.Header().Set("ETag", `"`+asset.SHA256+`"`)

	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Debug().Err(err).Str("asset_id", asset.ID).Msg("blob stream interrupted")
	}
}
