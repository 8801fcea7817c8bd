package models

import (
	"time"
)

// RoleName enumerates the RBAC roles.
type RoleName string

const (
	RoleAdmin    RoleName = "admin"
	RoleApprover RoleName = "approver"
	RoleEditor   RoleName = "editor"
	RoleViewer   RoleName = "viewer"
	RoleDevice   RoleName = "device"
)

// Operator represents an authenticated human account.
type Operator struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	Password  string
	Role      RoleName `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Screen is a physical display endpoint under management.
type Screen struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	Name          string         `gorm:"uniqueIndex"`
	Location      string         `gorm:"type:text"`
	Timezone      string         `gorm:"type:varchar(32)"`
	IdleContentID string         `gorm:"type:uuid"` // Shown when no entry wins
	Metadata      map[string]any `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ScreenGroup names a set of screens addressable as one target.
type ScreenGroup struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	Name        string `gorm:"uniqueIndex"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScreenGroupMember is the join table between groups and screens.
type ScreenGroupMember struct {
	GroupID  string `gorm:"type:uuid;primaryKey"`
	ScreenID string `gorm:"type:uuid;primaryKey"`
}
