/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/audit"
	"github.com/friendsincode/heimdall_signage/internal/auth"
	"github.com/friendsincode/heimdall_signage/internal/cache"
	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/devicesync"
	"github.com/friendsincode/heimdall_signage/internal/engine"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/notifications"
	"github.com/friendsincode/heimdall_signage/internal/store"
	"github.com/friendsincode/heimdall_signage/internal/version"
	ws "nhooyr.io/websocket"
)

// API exposes HTTP handlers.
type API struct {
	db             *gorm.DB
	jwtSecret      []byte
	deviceTokenTTL time.Duration
	maxUploadBytes int64

	store      *store.Service
	engine     *engine.Engine
	syncSvc    *devicesync.Service
	contentSvc *content.Service
	notifySvc  *notifications.Service
	auditSvc   *audit.Service
	cache      *cache.Cache // nil when caching is disabled
	bus        events.Broker
	logger     zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, deviceTokenTTL time.Duration, maxUploadBytes int64, st *store.Service, eng *engine.Engine, syncSvc *devicesync.Service, contentSvc *content.Service, notifySvc *notifications.Service, auditSvc *audit.Service, entityCache *cache.Cache, bus events.Broker, logger zerolog.Logger) *API {
	return &API{
		db:             db,
		jwtSecret:      jwtSecret,
		deviceTokenTTL: deviceTokenTTL,
		maxUploadBytes: maxUploadBytes,
		store:          st,
		engine:         eng,
		syncSvc:        syncSvc,
		contentSvc:     contentSvc,
		notifySvc:      notifySvc,
		auditSvc:       auditSvc,
		cache:          entityCache,
		bus:            bus,
		logger:         logger,
	}
}

// Routes mounts API routes on provided router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// Public endpoints (no auth required)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			// Device-facing endpoints. The sync socket authorizes itself
			// against the device claims; the blob endpoint is shared so
			// devices can fetch what their decision references.
			pr.Get("/device/ws", a.handleDeviceWS)
			pr.Get("/content/{assetID}/blob", a.handleContentBlob)

			pr.Group(func(or chi.Router) {
				or.Use(a.requireOperator())

				or.Route("/screens", func(r chi.Router) {
					r.Get("/", a.handleScreensList)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/", a.handleScreensCreate)
					r.Route("/{screenID}", func(r chi.Router) {
						r.Get("/", a.handleScreensGet)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Patch("/", a.handleScreensUpdate)
						r.With(a.requireRoles(models.RoleAdmin)).Delete("/", a.handleScreensDelete)
						r.Get("/status", a.handleScreenStatus)
						r.Get("/preview", a.handleScreenPreview)
					})
				})

				or.Route("/groups", func(r chi.Router) {
					r.Get("/", a.handleGroupsList)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/", a.handleGroupsCreate)
					r.Route("/{groupID}", func(r chi.Router) {
						r.Get("/", a.handleGroupsGet)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Patch("/", a.handleGroupsUpdate)
						r.With(a.requireRoles(models.RoleAdmin)).Delete("/", a.handleGroupsDelete)
						r.Get("/screens", a.handleGroupScreensList)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Put("/screens/{screenID}", a.handleGroupScreenAdd)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Delete("/screens/{screenID}", a.handleGroupScreenRemove)
					})
				})

				or.Route("/entries", func(r chi.Router) {
					r.Get("/", a.handleEntriesList)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor, models.RoleApprover)).Post("/", a.handleEntriesCreate)
					r.Route("/{entryID}", func(r chi.Router) {
						r.Get("/", a.handleEntriesGet)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Patch("/", a.handleEntriesUpdate)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Delete("/", a.handleEntriesDelete)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleApprover)).Post("/approve", a.handleEntryApprove)
						r.With(a.requireRoles(models.RoleAdmin, models.RoleApprover)).Post("/reject", a.handleEntryReject)
					})
				})

				or.Route("/content", func(r chi.Router) {
					r.Get("/", a.handleContentList)
					r.With(a.requireRoles(models.RoleAdmin, models.RoleEditor)).Post("/", a.handleContentUpload)
					r.Route("/{assetID}", func(r chi.Router) {
						r.Get("/", a.handleContentGet)
						r.With(a.requireRoles(models.RoleAdmin)).Post("/block", a.handleContentBlock)
						r.With(a.requireRoles(models.RoleAdmin)).Post("/unblock", a.handleContentUnblock)
						r.With(a.requireRoles(models.RoleAdmin)).Delete("/", a.handleContentDelete)
					})
				})

				or.Route("/notifications", func(r chi.Router) {
					r.Get("/", a.handleNotificationsList)
					r.Get("/unread-count", a.handleNotificationsUnreadCount)
					r.Post("/mark-all-read", a.handleNotificationsMarkAllRead)
					r.Post("/{id}/read", a.handleNotificationMarkRead)
				})

				or.Route("/devices", func(r chi.Router) {
					r.Get("/", a.handleDevicesList)
					r.With(a.requireRoles(models.RoleAdmin)).Post("/{screenID}/token", a.handleDeviceTokenMint)
				})

				or.Route("/apikeys", func(r chi.Router) {
					r.Get("/", a.handleAPIKeysList)
					r.Post("/", a.handleAPIKeysCreate)
					r.Delete("/{keyID}", a.handleAPIKeyRevoke)
				})

				// Operator management (admin only)
				or.Route("/operators", func(r chi.Router) {
					r.Use(a.requireRoles(models.RoleAdmin))
					r.Get("/", a.handleOperatorsList)
					r.Post("/", a.handleOperatorsCreate)
					r.Patch("/{operatorID}/role", a.handleOperatorRoleChange)
					r.Delete("/{operatorID}", a.handleOperatorDelete)
				})

				// Runtime settings (admin only)
				or.Route("/settings", func(r chi.Router) {
					r.Use(a.requireRoles(models.RoleAdmin))
					r.Get("/", a.handleSettingsGet)
					r.Put("/", a.handleSettingsUpdate)
				})

				// Audit log routes (admin only)
				or.With(a.requireRoles(models.RoleAdmin)).Get("/audit", a.handleAuditList)

				or.Get("/status", a.handleStatus)
				or.Get("/events", a.handleEvents)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ComponentStatus represents the status of a single system component.
type ComponentStatus struct {
	Status  string `json:"status"` // "ok", "error", "disabled"
	Message string `json:"message,omitempty"`
}

// handleStatus reports a point-in-time fleet snapshot: entity counts,
// live device sessions and the health of the backing components.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var screens int64
	if err := a.db.WithContext(ctx).Model(&models.Screen{}).Count(&screens).Error; err != nil {
		a.logger.Error().Err(err).Msg("count screens failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}

	entries := map[string]int64{}
	var stateRows []struct {
		State string
		Count int64
	}
	if err := a.db.WithContext(ctx).Model(&models.ScheduleEntry{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Scan(&stateRows).Error; err != nil {
		a.logger.Error().Err(err).Msg("count entries failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	for _, row := range stateRows {
		entries[row.State] = row.Count
	}

	sessions := a.syncSvc.Status()
	online, degraded := 0, 0
	for _, sess := range sessions {
		switch {
		case sess.Degraded:
			degraded++
		case sess.Online:
			online++
		}
	}

	database := ComponentStatus{Status: "ok", Message: "Connected"}
	if sqlDB, err := a.db.DB(); err != nil {
		database = ComponentStatus{Status: "error", Message: err.Error()}
	} else if err := sqlDB.PingContext(ctx); err != nil {
		database = ComponentStatus{Status: "error", Message: err.Error()}
	}

	storage := ComponentStatus{Status: "ok", Message: "Accessible"}
	if err := a.contentSvc.CheckStorageAccess(); err != nil {
		storage = ComponentStatus{Status: "error", Message: err.Error()}
	}

	cacheStatus := ComponentStatus{Status: "disabled"}
	if a.cache != nil {
		if a.cache.IsAvailable() {
			cacheStatus = ComponentStatus{Status: "ok"}
		} else {
			cacheStatus = ComponentStatus{Status: "error", Message: "circuit open"}
		}
	}

	workers := 0
	if a.engine != nil {
		workers = a.engine.WorkerCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"screens": screens,
		"entries": entries,
		"devices": map[string]any{
			"online":   online,
			"degraded": degraded,
			"offline":  int(screens) - online - degraded,
			"sessions": sessions,
		},
		"engine":    map[string]any{"workers": workers},
		"database":  database,
		"storage":   storage,
		"cache":     cacheStatus,
		"version":   version.Version,
		"timestamp": time.Now().UTC(),
	})
}

// handleEvents streams bus events over a WebSocket, for dashboards that
// want live decision and device updates without polling.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = []events.EventType{
			events.EventDecisionChanged,
			events.EventDeviceConnected,
			events.EventDeviceOffline,
		}
	}

	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		subscribers = append(subscribers, a.bus.Subscribe(eventType))
	}
	defer func() {
		for i, eventType := range eventTypes {
			a.bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		default:
			sent := false
			for i, sub := range subscribers {
				select {
				case payload := <-sub:
					if err := a.writeEvent(ctx, conn, eventTypes[i], payload); err != nil {
						a.logger.Error().Err(err).Msg("websocket write failed")
						conn.Close(ws.StatusInternalError, "write failed")
						return
					}
					sent = true
				default:
				}
			}
			if !sent {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func (a *API) writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data := map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, bytes)
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.MiddlewareWithJWT(a.db, a.jwtSecret)
}

func (a *API) requireRoles(allowed ...models.RoleName) func(http.Handler) http.Handler {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[string(role)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			for _, role := range claims.Roles {
				if _, exists := allowedSet[role]; exists {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient_role")
		})
	}
}

// requireOperator keeps device tokens off the operator surface. A device
// JWT authenticates, but it is scoped to its screen's sync socket and
// content blobs, nothing else.
func (a *API) requireOperator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if claims.IsDevice() {
				writeError(w, http.StatusForbidden, "operator_token_required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, events.EventType(strings.TrimSpace(part)))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeServiceError maps service-layer errors onto the HTTP taxonomy:
// missing records are 404, lost races and forbidden transitions are 409,
// rejected input is 422, anything else is a 500.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, content.ErrAssetNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition")
	case errors.Is(err, store.ErrNameTaken):
		writeError(w, http.StatusConflict, "name_taken")
	case errors.Is(err, content.ErrAssetInUse):
		writeError(w, http.StatusConflict, "asset_in_use")
	case errors.Is(err, store.ErrEmptyName), errors.Is(err, content.ErrEmptyName):
		writeError(w, http.StatusUnprocessableEntity, "name_required")
	case errors.Is(err, store.ErrInvalidPriority):
		writeError(w, http.StatusUnprocessableEntity, "priority_out_of_range")
	case errors.Is(err, store.ErrUnknownTarget):
		writeError(w, http.StatusUnprocessableEntity, "unknown_target")
	case errors.Is(err, store.ErrContentNotUsable):
		writeError(w, http.StatusUnprocessableEntity, "content_not_usable")
	case errors.Is(err, interval.ErrBadTimezone):
		writeError(w, http.StatusUnprocessableEntity, "invalid_timezone")
	case isIntervalError(err):
		writeError(w, http.StatusUnprocessableEntity, "invalid_interval")
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func isIntervalError(err error) bool {
	for _, target := range []error{
		interval.ErrEndBeforeStart,
		interval.ErrTooLong,
		interval.ErrEmptyDays,
		interval.ErrClockRange,
		interval.ErrZeroSpan,
		interval.ErrBadTimezone,
		interval.ErrBadKind,
		interval.ErrValidityOrder,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// auditContext extracts actor and request info for audit logging.
func (a *API) auditContext(r *http.Request) events.Payload {
	payload := events.Payload{
		"ip_address": r.RemoteAddr,
		"user_agent": r.UserAgent(),
	}

	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.OperatorID != "" {
		payload["actor_id"] = claims.OperatorID

		var operator models.Operator
		if err := a.db.Select("email").First(&operator, "id = ?", claims.OperatorID).Error; err == nil {
			payload["actor_email"] = operator.Email
		}
	}

	return payload
}

// publishAuditEvent publishes an audit event with actor and request context.
func (a *API) publishAuditEvent(r *http.Request, eventType events.EventType, data events.Payload) {
	payload := a.auditContext(r)
	for k, v := range data {
		payload[k] = v
	}
	a.bus.Publish(eventType, payload)
}
