/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"

	"github.com/friendsincode/heimdall_signage/internal/interval"
)

// Priority levels. Higher values win; 255 is the takeover level used
// for emergency content that preempts everything else.
const (
	PriorityLow      = 1
	PriorityNormal   = 2
	PriorityHigh     = 3
	PriorityTakeover = 255
)

// EntryState tracks the approval workflow.
type EntryState string

const (
	EntryPending  EntryState = "pending"
	EntryApproved EntryState = "approved"
	EntryRejected EntryState = "rejected"
)

// TargetKind distinguishes direct screen targets from group targets.
type TargetKind string

const (
	TargetScreen TargetKind = "screen"
	TargetGroup  TargetKind = "group"
)

// ScheduleEntry binds content to a target for an interval at a priority.
//
// Version is an optimistic lock: every successful update increments it,
// and writers must present the version they read.
type ScheduleEntry struct {
	ID         string     `gorm:"type:uuid;primaryKey"`
	Name       string     `gorm:"index"`
	TargetKind TargetKind `gorm:"type:varchar(16);index:idx_entries_target"`
	TargetID   string     `gorm:"type:uuid;index:idx_entries_target"`
	ContentID  string     `gorm:"type:uuid;index"`
	Priority   int        `gorm:"not null;default:2"`
	State      EntryState `gorm:"type:varchar(16);index;default:'pending'"`
	Version    int        `gorm:"not null;default:1"`

	// Interval columns. One-shot entries use StartAt/EndAt; recurring
	// entries use Days/StartClock/EndClock/Timezone plus an optional
	// validity range.
	Kind       interval.Kind `gorm:"type:varchar(16)"`
	StartAt    time.Time
	EndAt      time.Time
	Days       int        `gorm:"not null;default:0"`
	StartClock int        `gorm:"not null;default:0"`
	EndClock   int        `gorm:"not null;default:0"`
	Timezone   string     `gorm:"type:varchar(32)"`
	ValidFrom  *time.Time `gorm:"index"`
	ValidUntil *time.Time `gorm:"index"`

	CreatedBy    string    `gorm:"type:uuid"`
	ApprovedBy   *string   `gorm:"type:uuid"`
	RejectReason string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

// TableName returns the table name for GORM.
func (ScheduleEntry) TableName() string {
	return "schedule_entries"
}

// Interval reconstructs the interval value from the stored columns.
func (e ScheduleEntry) Interval() interval.Interval {
	switch e.Kind {
	case interval.KindRecurring:
		iv := interval.Interval{
			Kind:       interval.KindRecurring,
			Days:       interval.DaySet(e.Days),
			StartClock: interval.Clock(e.StartClock),
			EndClock:   interval.Clock(e.EndClock),
			Timezone:   e.Timezone,
		}
		if e.ValidFrom != nil {
			iv.ValidFrom = *e.ValidFrom
		}
		if e.ValidUntil != nil {
			iv.ValidUntil = *e.ValidUntil
		}
		return iv
	default:
		return interval.Interval{
			Kind:    interval.KindOneShot,
			StartAt: e.StartAt,
			EndAt:   e.EndAt,
		}
	}
}

// SetInterval stores an interval value into the entry columns.
func (e *ScheduleEntry) SetInterval(iv interval.Interval) {
	e.Kind = iv.Kind
	e.StartAt = iv.StartAt
	e.EndAt = iv.EndAt
	e.Days = int(iv.Days)
	e.StartClock = int(iv.StartClock)
	e.EndClock = int(iv.EndClock)
	e.Timezone = iv.Timezone
	e.ValidFrom, e.ValidUntil = nil, nil
	if !iv.ValidFrom.IsZero() {
		from := iv.ValidFrom.UTC()
		e.ValidFrom = &from
	}
	if !iv.ValidUntil.IsZero() {
		until := iv.ValidUntil.UTC()
		e.ValidUntil = &until
	}
}
