/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit records sensitive fleet operations by subscribing to the
// event bus and persisting audit entries.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus events.Broker, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to relevant events and logs them as audit entries.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	// Schedule lifecycle
	entryCreated := s.bus.Subscribe(events.EventEntryCreated)
	entryUpdated := s.bus.Subscribe(events.EventEntryUpdated)
	entryDeleted := s.bus.Subscribe(events.EventEntryDeleted)
	entryApproved := s.bus.Subscribe(events.EventEntryApproved)
	entryRejected := s.bus.Subscribe(events.EventEntryRejected)

	// Fleet topology
	screenCreated := s.bus.Subscribe(events.EventScreenCreated)
	screenUpdated := s.bus.Subscribe(events.EventScreenUpdated)
	screenDeleted := s.bus.Subscribe(events.EventScreenDeleted)
	groupCreated := s.bus.Subscribe(events.EventGroupCreated)
	groupUpdated := s.bus.Subscribe(events.EventGroupUpdated)
	groupDeleted := s.bus.Subscribe(events.EventGroupDeleted)
	membership := s.bus.Subscribe(events.EventMembershipChanged)

	// Content lifecycle
	contentUploaded := s.bus.Subscribe(events.EventContentUploaded)
	contentBlocked := s.bus.Subscribe(events.EventContentBlocked)

	// Audit-specific events carrying full actor context from the API layer
	apiKeyCreate := s.bus.Subscribe(events.EventAuditAPIKeyCreate)
	apiKeyRevoke := s.bus.Subscribe(events.EventAuditAPIKeyRevoke)
	tokenMint := s.bus.Subscribe(events.EventAuditTokenMint)
	roleChange := s.bus.Subscribe(events.EventAuditOperatorRoleChange)
	operatorDelete := s.bus.Subscribe(events.EventAuditOperatorDelete)
	settingsUpdate := s.bus.Subscribe(events.EventAuditSettingsUpdate)

	defer func() {
		s.bus.Unsubscribe(events.EventEntryCreated, entryCreated)
		s.bus.Unsubscribe(events.EventEntryUpdated, entryUpdated)
		s.bus.Unsubscribe(events.EventEntryDeleted, entryDeleted)
		s.bus.Unsubscribe(events.EventEntryApproved, entryApproved)
		s.bus.Unsubscribe(events.EventEntryRejected, entryRejected)
		s.bus.Unsubscribe(events.EventScreenCreated, screenCreated)
		s.bus.Unsubscribe(events.EventScreenUpdated, screenUpdated)
		s.bus.Unsubscribe(events.EventScreenDeleted, screenDeleted)
		s.bus.Unsubscribe(events.EventGroupCreated, groupCreated)
		s.bus.Unsubscribe(events.EventGroupUpdated, groupUpdated)
		s.bus.Unsubscribe(events.EventGroupDeleted, groupDeleted)
		s.bus.Unsubscribe(events.EventMembershipChanged, membership)
		s.bus.Unsubscribe(events.EventContentUploaded, contentUploaded)
		s.bus.Unsubscribe(events.EventContentBlocked, contentBlocked)
		s.bus.Unsubscribe(events.EventAuditAPIKeyCreate, apiKeyCreate)
		s.bus.Unsubscribe(events.EventAuditAPIKeyRevoke, apiKeyRevoke)
		s.bus.Unsubscribe(events.EventAuditTokenMint, tokenMint)
		s.bus.Unsubscribe(events.EventAuditOperatorRoleChange, roleChange)
		s.bus.Unsubscribe(events.EventAuditOperatorDelete, operatorDelete)
		s.bus.Unsubscribe(events.EventAuditSettingsUpdate, settingsUpdate)
	}()

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case payload := <-entryCreated:
			s.logEntryCreated(ctx, payload)

		case payload := <-entryUpdated:
			s.logAuditEntry(ctx, models.AuditActionEntryUpdate, payload)

		case payload := <-entryDeleted:
			s.logAuditEntry(ctx, models.AuditActionEntryDelete, payload)

		case payload := <-entryApproved:
			s.logAuditEntry(ctx, models.AuditActionEntryApprove, payload)

		case payload := <-entryRejected:
			s.logAuditEntry(ctx, models.AuditActionEntryReject, payload)

		case payload := <-screenCreated:
			s.logAuditEntry(ctx, models.AuditActionScreenCreate, payload)

		case payload := <-screenUpdated:
			s.logAuditEntry(ctx, models.AuditActionScreenUpdate, payload)

		case payload := <-screenDeleted:
			s.logAuditEntry(ctx, models.AuditActionScreenDelete, payload)

		case payload := <-groupCreated:
			s.logAuditEntry(ctx, models.AuditActionGroupCreate, payload)

		case payload := <-groupUpdated:
			s.logAuditEntry(ctx, models.AuditActionGroupUpdate, payload)

		case payload := <-groupDeleted:
			s.logAuditEntry(ctx, models.AuditActionGroupDelete, payload)

		case payload := <-membership:
			s.logAuditEntry(ctx, models.AuditActionGroupMembership, payload)

		case payload := <-contentUploaded:
			s.logAuditEntry(ctx, models.AuditActionContentUpload, payload)

		case payload := <-contentBlocked:
			s.logAuditEntry(ctx, models.AuditActionContentBlock, payload)

		case payload := <-apiKeyCreate:
			s.logAuditEntry(ctx, models.AuditActionAPIKeyCreate, payload)

		case payload := <-apiKeyRevoke:
			s.logAuditEntry(ctx, models.AuditActionAPIKeyRevoke, payload)

		case payload := <-tokenMint:
			s.logAuditEntry(ctx, models.AuditActionDeviceTokenMint, payload)

		case payload := <-roleChange:
			s.logAuditEntry(ctx, models.AuditActionOperatorRoleChange, payload)

		case payload := <-operatorDelete:
			s.logAuditEntry(ctx, models.AuditActionOperatorDelete, payload)

		case payload := <-settingsUpdate:
			s.logAuditEntry(ctx, models.AuditActionSettingsUpdate, payload)
		}
	}
}

// logEntryCreated distinguishes takeover entries, which get their own audit
// action so emergency preemptions stand out in the trail.
func (s *Service) logEntryCreated(ctx context.Context, payload events.Payload) {
	action := models.AuditActionEntryCreate
	if priority, ok := payload["priority"].(int); ok && priority == models.PriorityTakeover {
		action = models.AuditActionEntryTakeover
	}
	s.logAuditEntry(ctx, action, payload)
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Details:   make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}

	// Extract actor info. Approval events carry actor_id, creations carry
	// created_by, API-layer audit events carry both actor fields.
	if actorID, ok := payload["actor_id"].(string); ok && actorID != "" {
		entry.OperatorID = &actorID
	} else if createdBy, ok := payload["created_by"].(string); ok && createdBy != "" {
		entry.OperatorID = &createdBy
	}
	if actorEmail, ok := payload["actor_email"].(string); ok {
		entry.OperatorMail = actorEmail
	}

	// Extract screen info
	if screenID, ok := payload["screen_id"].(string); ok && screenID != "" {
		entry.ScreenID = &screenID
	}

	// Extract resource info, inferring from domain payload keys when the
	// event does not name it explicitly.
	if resourceType, ok := payload["resource_type"].(string); ok {
		entry.ResourceType = resourceType
	}
	if resourceID, ok := payload["resource_id"].(string); ok {
		entry.ResourceID = resourceID
	}
	if entry.ResourceType == "" {
		switch {
		case payload["entry_id"] != nil:
			entry.ResourceType = "entry"
			entry.ResourceID, _ = payload["entry_id"].(string)
		case payload["group_id"] != nil:
			entry.ResourceType = "group"
			entry.ResourceID, _ = payload["group_id"].(string)
		case payload["asset_id"] != nil:
			entry.ResourceType = "content"
			entry.ResourceID, _ = payload["asset_id"].(string)
		case payload["screen_id"] != nil:
			entry.ResourceType = "screen"
			entry.ResourceID, _ = payload["screen_id"].(string)
		}
	}

	// Extract request context
	if ipAddress, ok := payload["ip_address"].(string); ok {
		entry.IPAddress = ipAddress
	}
	if userAgent, ok := payload["user_agent"].(string); ok {
		entry.UserAgent = userAgent
	}

	// Copy remaining fields to details
	for k, v := range payload {
		switch k {
		case "actor_id", "actor_email", "created_by", "resource_type", "resource_id", "ip_address", "user_agent":
			// Already extracted
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	OperatorID *string
	ScreenID   *string
	Action     *models.AuditAction
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// Query retrieves audit logs with filters.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.OperatorID != nil {
		query = query.Where("operator_id = ?", *filters.OperatorID)
	}
	if filters.ScreenID != nil {
		query = query.Where("screen_id = ?", *filters.ScreenID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	// Count total
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// Apply pagination
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100) // Default limit
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	// Order by timestamp descending (most recent first)
	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
