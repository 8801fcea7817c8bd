/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// NotificationKind defines what a notification is about.
type NotificationKind string

const (
	NotificationDeviceOffline     NotificationKind = "device_offline"
	NotificationDeliveryTimeout   NotificationKind = "delivery_timeout"
	NotificationEvaluationFailure NotificationKind = "evaluation_failure"
	NotificationEntryRejected     NotificationKind = "entry_rejected"
	NotificationApprovalWanted    NotificationKind = "approval_wanted"
)

// NotificationSeverity orders notifications for display and mail forwarding.
type NotificationSeverity string

const (
	SeverityInfo     NotificationSeverity = "info"
	SeverityWarn     NotificationSeverity = "warn"
	SeverityCritical NotificationSeverity = "critical"
)

// Notification is an operator-facing alert raised from bus events.
type Notification struct {
	ID       string               `gorm:"type:uuid;primaryKey" json:"id"`
	Kind     NotificationKind     `gorm:"type:varchar(64);index:idx_notifications_kind;not null" json:"kind"`
	Severity NotificationSeverity `gorm:"type:varchar(16);not null" json:"severity"`
	Subject  string               `gorm:"type:varchar(255)" json:"subject"`
	Body     string               `gorm:"type:text" json:"body"`

	// References to the entities the alert is about.
	ScreenID *string `gorm:"type:uuid;index" json:"screen_id,omitempty"`
	EntryID  *string `gorm:"type:uuid" json:"entry_id,omitempty"`

	ReadAt *time.Time `json:"read_at,omitempty"`

	// SMTP forwarding state.
	SentAt *time.Time `json:"sent_at,omitempty"`
	Error  string     `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the table name for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Unread reports whether an operator has yet to acknowledge the alert.
func (n Notification) Unread() bool {
	return n.ReadAt == nil
}
