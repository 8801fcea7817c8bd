/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AssetState tracks the content lifecycle. Staged assets were uploaded
// but not yet referenced; live assets back at least one entry; blocked
// assets are administratively withdrawn and fail entry validation.
type AssetState string

const (
	AssetStaged  AssetState = "staged"
	AssetLive    AssetState = "live"
	AssetBlocked AssetState = "blocked"
)

// ContentAsset is an uploadable piece of display content.
type ContentAsset struct {
	ID         string     `gorm:"type:uuid;primaryKey"`
	Name       string     `gorm:"index"`
	MIMEType   string     `gorm:"type:varchar(127)"`
	SizeBytes  int64
	SHA256     string     `gorm:"type:varchar(64);index"`
	StorageKey string
	State      AssetState `gorm:"type:varchar(16);index;default:'staged'"`
	UploadedBy string     `gorm:"type:uuid"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName returns the table name for GORM.
func (ContentAsset) TableName() string {
	return "content_assets"
}

// Usable reports whether entries may reference the asset.
func (a ContentAsset) Usable() bool {
	return a.State != AssetBlocked
}
