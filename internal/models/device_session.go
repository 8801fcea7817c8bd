/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// DeviceState tracks connection liveness for a screen's device.
type DeviceState string

const (
	DeviceOnline   DeviceState = "online"
	DeviceDegraded DeviceState = "degraded" // connected but not acking
	DeviceOffline  DeviceState = "offline"
)

// DeviceSession is the persisted record of a device connection. At most
// one row per screen; reconnects replace the previous session in place.
type DeviceSession struct {
	ScreenID       string      `gorm:"type:uuid;primaryKey"`
	SessionID      string      `gorm:"type:uuid;index"`
	State          DeviceState `gorm:"type:varchar(16);index"`
	RemoteAddr     string      `gorm:"type:varchar(64)"`
	ConnectedAt    time.Time
	LastSeenAt     time.Time
	LastAckVersion int `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}

// TableName returns the table name for GORM.
func (DeviceSession) TableName() string {
	return "device_sessions"
}
