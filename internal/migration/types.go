/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package migration imports fleets from legacy signage systems. Importers
// read a foreign source, map its entities onto screens, groups, content and
// schedule entries, and record what they did in a job row.
package migration

import (
	"context"
	"time"
)

// JobStatus represents the current state of a migration job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SourceType identifies the system being migrated from.
type SourceType string

const (
	// SourceTypeLegacy is the first-generation signage controller. Fleet
	// installs ran Postgres; single-node installs kept a sqlite file. Both
	// share the same schema and both can be read directly.
	SourceTypeLegacy SourceType = "legacy"
)

// Job records one import run.
type Job struct {
	ID         string     `json:"id" gorm:"type:uuid;primaryKey"`
	SourceType SourceType `json:"source_type" gorm:"type:varchar(32);not null"`
	Status     JobStatus  `json:"status" gorm:"type:varchar(32);not null;default:'pending'"`
	Options    Options    `json:"options" gorm:"serializer:json"`
	Progress   Progress   `json:"progress" gorm:"serializer:json"`
	Result     *Result    `json:"result,omitempty" gorm:"serializer:json"`
	Error      string     `json:"error,omitempty" gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the table name for GORM.
func (Job) TableName() string {
	return "migration_jobs"
}

// Options configures an import run.
type Options struct {
	// DBFile points at a single-node install's sqlite database. When set,
	// the connection fields below are ignored.
	DBFile string `json:"db_file,omitempty"`

	// Legacy Postgres connection.
	DBHost     string `json:"db_host,omitempty"`
	DBPort     int    `json:"db_port,omitempty"`
	DBName     string `json:"db_name,omitempty"`
	DBUser     string `json:"db_user,omitempty"`
	DBPassword string `json:"db_password,omitempty"`
	DBSSLMode  string `json:"db_sslmode,omitempty"`

	// MediaPath is the root of the legacy media directory. Asset rows whose
	// file cannot be found under it are skipped.
	MediaPath string `json:"media_path,omitempty"`

	SkipMedia     bool `json:"skip_media"`
	SkipSchedules bool `json:"skip_schedules"`
	SkipUsers     bool `json:"skip_users"`

	// ImportingOperatorID becomes the creator of imported entries and the
	// uploader of imported content.
	ImportingOperatorID string `json:"importing_operator_id,omitempty"`
}

// Progress tracks an import run as it moves through its phases.
type Progress struct {
	Phase          string    `json:"phase"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	CurrentStep    string    `json:"current_step"`
	ScreensTotal   int       `json:"screens_total"`
	ScreensDone    int       `json:"screens_done"`
	AssetsTotal    int       `json:"assets_total"`
	AssetsDone     int       `json:"assets_done"`
	EntriesTotal   int       `json:"entries_total"`
	EntriesDone    int       `json:"entries_done"`
	Percentage     float64   `json:"percentage"`
	StartTime      time.Time `json:"start_time"`
}

// Result contains the final import counts.
type Result struct {
	ScreensCreated   int                `json:"screens_created"`
	GroupsCreated    int                `json:"groups_created"`
	AssetsImported   int                `json:"assets_imported"`
	EntriesCreated   int                `json:"entries_created"`
	OperatorsCreated int                `json:"operators_created"`
	Warnings         []string           `json:"warnings,omitempty"`
	Skipped          map[string]int     `json:"skipped,omitempty"`
	Mappings         map[string]Mapping `json:"mappings,omitempty"`
	DurationSeconds  float64            `json:"duration_seconds"`
}

// Mapping tracks one source entity and the ID it received here.
type Mapping struct {
	OldID   string `json:"old_id"`
	NewID   string `json:"new_id"`
	Type    string `json:"type"` // screen, group, asset, entry, operator
	Name    string `json:"name"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Importer is implemented per source system.
type Importer interface {
	// Validate checks that the import can proceed with the given options.
	Validate(ctx context.Context, options Options) error

	// Analyze counts what would be imported without making changes.
	Analyze(ctx context.Context, options Options) (*Result, error)

	// Import performs the migration.
	Import(ctx context.Context, options Options, progress ProgressCallback) (*Result, error)
}

// ProgressCallback is called during migration to report progress.
type ProgressCallback func(progress Progress)

// ValidationError reports a single rejected option.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors aggregates option problems.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Error()
}
