/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/heimdall_signage/internal/migration"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Platform-level models
		&models.Operator{},
		&models.SystemSettings{},
		&models.APIKey{},
		&models.AuditLog{},

		// Fleet topology
		&models.Screen{},
		&models.ScreenGroup{},
		&models.ScreenGroupMember{},

		// Scheduling
		&models.ScheduleEntry{},
		&models.Decision{},

		// Device sync
		&models.DeviceSession{},

		// Content
		&models.ContentAsset{},

		// Notifications
		&models.Notification{},

		// Import jobs
		&migration.Job{},
	); err != nil {
		return err
	}

	if err := applyPostgresEntryWindowGuard(database); err != nil {
		return err
	}
	if err := normalizeLegacyEntryStates(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresEntryWindowGuard rejects one-shot entries whose window is
// empty or inverted at the database level, as a backstop behind the
// application validation.
func applyPostgresEntryWindowGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_inverted_entry_window()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.kind = 'oneshot' AND NEW.end_at <= NEW.start_at THEN
    RAISE EXCEPTION 'schedule entry end must be after start'
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_inverted_entry_window ON schedule_entries;

CREATE TRIGGER trg_prevent_inverted_entry_window
BEFORE INSERT OR UPDATE OF kind, start_at, end_at
ON schedule_entries
FOR EACH ROW
EXECUTE FUNCTION prevent_inverted_entry_window();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres entry window guard: %w", err)
	}

	return nil
}

// normalizeLegacyEntryStates lowercases state values written by early
// builds that stored the enum with mixed case.
func normalizeLegacyEntryStates(database *gorm.DB) error {
	if err := database.Exec("UPDATE schedule_entries SET state = LOWER(TRIM(state)) WHERE state != LOWER(TRIM(state))").Error; err != nil {
		return fmt.Errorf("normalize legacy entry states: %w", err)
	}
	return nil
}
