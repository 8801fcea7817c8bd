/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// Decision is the current reconciled outcome for one screen: which
// content it should be showing and why.
//
// Version increments only when the winning entry or content changes,
// never on a re-evaluation that confirms the same winner. Devices use
// it to discard stale deliveries.
type Decision struct {
	ScreenID   string  `gorm:"type:uuid;primaryKey"`
	Version    int     `gorm:"not null;default:0"`
	EntryID    *string `gorm:"type:uuid"` // nil when the screen is idle
	ContentID  *string `gorm:"type:uuid"`
	Reason     string  `gorm:"type:varchar(64)"` // "winner", "idle", "idle_content"
	ComputedAt time.Time
	ValidUntil *time.Time // next known boundary, nil when none
	UpdatedAt  time.Time
}

// TableName returns the table name for GORM.
func (Decision) TableName() string {
	return "decisions"
}

// Idle reports whether the decision shows fallback rather than a winner.
func (d Decision) Idle() bool {
	return d.EntryID == nil
}
