/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/migration"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import data from a legacy display system",
	Long:  "Import displays, groups, media, and schedules from an older signage installation",
}

var importLegacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Import from a legacy signage database",
	Long:  "Import displays, groups, media assets, and schedules from a legacy signage installation, reading its PostgreSQL database or a single-node sqlite file",
	RunE:  runImportLegacy,
}

// Legacy import flags
var (
	legacyDBFile        string
	legacyDBHost        string
	legacyDBPort        int
	legacyDBName        string
	legacyDBUser        string
	legacyDBPassword    string
	legacyDBSSLMode     string
	legacyMediaPath     string
	legacySkipMedia     bool
	legacySkipSchedules bool
	legacySkipUsers     bool
	legacyApproverID    string
	legacyDryRun        bool
)

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importLegacyCmd)

	importLegacyCmd.Flags().StringVar(&legacyDBFile, "db-file", "", "Legacy sqlite database file (single-node installs; replaces the --db-* connection flags)")
	importLegacyCmd.Flags().StringVar(&legacyDBHost, "db-host", "localhost", "Legacy database host")
	importLegacyCmd.Flags().IntVar(&legacyDBPort, "db-port", 5432, "Legacy database port")
	importLegacyCmd.Flags().StringVar(&legacyDBName, "db-name", "", "Legacy database name")
	importLegacyCmd.Flags().StringVar(&legacyDBUser, "db-user", "", "Legacy database user")
	importLegacyCmd.Flags().StringVar(&legacyDBPassword, "db-password", "", "Legacy database password")
	importLegacyCmd.Flags().StringVar(&legacyDBSSLMode, "ssl-mode", "", "Legacy database sslmode (default: disable)")
	importLegacyCmd.Flags().StringVar(&legacyMediaPath, "media-path", "", "Path to the legacy media directory")
	importLegacyCmd.Flags().BoolVar(&legacySkipMedia, "skip-media", false, "Skip media file import")
	importLegacyCmd.Flags().BoolVar(&legacySkipSchedules, "skip-schedules", false, "Skip schedule import")
	importLegacyCmd.Flags().BoolVar(&legacySkipUsers, "skip-users", false, "Skip user account import")
	importLegacyCmd.Flags().StringVar(&legacyApproverID, "approver", "", "Operator ID recorded as approver of imported schedules")
	importLegacyCmd.Flags().BoolVar(&legacyDryRun, "dry-run", false, "Analyze database without importing")
}

func runImportLegacy(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	source := legacyDBFile
	if source == "" {
		source = legacyDBHost + "/" + legacyDBName
	}
	logger.Info().
		Str("source", source).
		Bool("dry_run", legacyDryRun).
		Msg("starting legacy import")

	// Initialize database
	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	// Initialize content service
	bus := events.NewBus()
	contentSvc, err := content.NewService(cfg, database, bus, logger)
	if err != nil {
		return fmt.Errorf("initialize content service: %w", err)
	}

	// Create migration service
	migrationSvc := migration.NewService(database, logger)
	importer := migration.NewLegacyImporter(database, contentSvc, logger)
	migrationSvc.RegisterImporter(migration.SourceTypeLegacy, importer)

	options := migration.Options{
		DBFile:              legacyDBFile,
		DBHost:              legacyDBHost,
		DBPort:              legacyDBPort,
		DBName:              legacyDBName,
		DBUser:              legacyDBUser,
		DBPassword:          legacyDBPassword,
		DBSSLMode:           legacyDBSSLMode,
		MediaPath:           legacyMediaPath,
		SkipMedia:           legacySkipMedia,
		SkipSchedules:       legacySkipSchedules,
		SkipUsers:           legacySkipUsers,
		ImportingOperatorID: legacyApproverID,
	}

	ctx := context.Background()

	// Dry run: just analyze
	if legacyDryRun {
		logger.Info().Msg("performing dry run analysis...")

		if err := importer.Validate(ctx, options); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}

		result, err := importer.Analyze(ctx, options)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}

		logger.Info().Msg("dry run analysis complete")
		fmt.Printf("\nImport Preview:\n")
		fmt.Printf("  Screens:   %d\n", result.ScreensCreated)
		fmt.Printf("  Groups:    %d\n", result.GroupsCreated)
		fmt.Printf("  Assets:    %d\n", result.AssetsImported)
		fmt.Printf("  Entries:   %d\n", result.EntriesCreated)
		fmt.Printf("  Operators: %d\n", result.OperatorsCreated)

		if len(result.Warnings) > 0 {
			fmt.Printf("\nWarnings:\n")
			for _, warning := range result.Warnings {
				fmt.Printf("  - %s\n", warning)
			}
		}

		fmt.Printf("\nRun without --dry-run to perform the import.\n")
		return nil
	}

	if err := importer.Validate(ctx, options); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	// Create and start import job
	job, err := migrationSvc.CreateJob(ctx, migration.SourceTypeLegacy, options)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	logger.Info().Str("job_id", job.ID).Msg("import job created")

	// Progress callback
	progressCallback := func(progress migration.Progress) {
		status := fmt.Sprintf("%s [%.0f%%] %s", progress.Phase, progress.Percentage, progress.CurrentStep)
		if progress.AssetsDone > 0 {
			status += fmt.Sprintf(" (%d/%d assets)", progress.AssetsDone, progress.AssetsTotal)
		} else if progress.EntriesDone > 0 {
			status += fmt.Sprintf(" (%d/%d entries)", progress.EntriesDone, progress.EntriesTotal)
		}

		fmt.Printf("\r%-100s", status)
		if progress.Phase == "completed" {
			fmt.Println()
		}
	}

	// Run import directly (not via service to show progress)
	result, err := importer.Import(ctx, options, progressCallback)
	if err != nil {
		logger.Error().Err(err).Msg("import failed")
		return fmt.Errorf("import failed: %w", err)
	}

	// Display results
	fmt.Printf("\n\nImport Complete!\n")
	fmt.Printf("  Screens:   %d created\n", result.ScreensCreated)
	fmt.Printf("  Groups:    %d created\n", result.GroupsCreated)
	fmt.Printf("  Assets:    %d imported\n", result.AssetsImported)
	fmt.Printf("  Entries:   %d created\n", result.EntriesCreated)
	fmt.Printf("  Operators: %d created\n", result.OperatorsCreated)
	fmt.Printf("  Duration:  %.1f seconds\n", result.DurationSeconds)

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, warning := range result.Warnings {
			fmt.Printf("  - %s\n", warning)
		}
	}

	if len(result.Skipped) > 0 {
		fmt.Printf("\nSkipped:\n")
		for key, count := range result.Skipped {
			fmt.Printf("  - %s: %d\n", key, count)
		}
	}

	logger.Info().Msg("legacy import completed successfully")
	return nil
}
