/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants for all sensitive operations.
const (
	AuditActionOperatorRoleChange AuditAction = "operator.role_change"
	AuditActionOperatorDelete     AuditAction = "operator.delete"
	AuditActionAPIKeyCreate       AuditAction = "apikey.create"
	AuditActionAPIKeyRevoke       AuditAction = "apikey.revoke"
	AuditActionScreenCreate       AuditAction = "screen.create"
	AuditActionScreenUpdate       AuditAction = "screen.update"
	AuditActionScreenDelete       AuditAction = "screen.delete"
	AuditActionGroupCreate        AuditAction = "group.create"
	AuditActionGroupUpdate        AuditAction = "group.update"
	AuditActionGroupDelete        AuditAction = "group.delete"
	AuditActionGroupMembership    AuditAction = "group.membership"
	AuditActionEntryCreate        AuditAction = "entry.create"
	AuditActionEntryUpdate        AuditAction = "entry.update"
	AuditActionEntryDelete        AuditAction = "entry.delete"
	AuditActionEntryApprove       AuditAction = "entry.approve"
	AuditActionEntryReject        AuditAction = "entry.reject"
	AuditActionEntryTakeover      AuditAction = "entry.takeover"
	AuditActionContentUpload      AuditAction = "content.upload"
	AuditActionContentBlock       AuditAction = "content.block"
	AuditActionDeviceTokenMint    AuditAction = "device.token_mint"
	AuditActionSettingsUpdate     AuditAction = "settings.update"
)

// AuditLog records sensitive operations for security and compliance.
type AuditLog struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	Timestamp    time.Time      `gorm:"index:idx_audit_timestamp;not null"`
	OperatorID   *string        `gorm:"type:uuid;index:idx_audit_operator"` // NULL for system actions
	OperatorMail string         `gorm:"type:varchar(255)"`                  // Denormalized for readability
	ScreenID     *string        `gorm:"type:uuid;index:idx_audit_screen"`   // NULL if fleet-wide
	Action       AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null"`
	ResourceType string         `gorm:"type:varchar(64)"` // "screen", "entry", "apikey", etc.
	ResourceID   string         `gorm:"type:uuid"`        // ID of the affected resource
	Details      map[string]any `gorm:"serializer:json"`  // Action-specific details
	IPAddress    string         `gorm:"type:varchar(45)"` // IPv4 or IPv6
	UserAgent    string         `gorm:"type:varchar(512)"`
	CreatedAt    time.Time
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
