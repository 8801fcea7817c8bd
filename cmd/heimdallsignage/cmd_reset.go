/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/friendsincode/heimdall_signage/internal/config"
	"github.com/friendsincode/heimdall_signage/internal/db"
	"github.com/friendsincode/heimdall_signage/internal/migration"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

var (
	resetForce         bool
	resetDeleteContent bool
	resetKeepOperators int
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database and optionally delete stored content",
	Long: `Reset Heimdall Signage to a fresh state.

This command will:
- Drop all tables from the database (except optionally preserved operators)
- Re-create empty tables
- Optionally delete all stored content files

WARNING: This action is irreversible! All data will be lost.

Examples:
  # Interactive reset (will prompt for confirmation)
  heimdallsignage reset

  # Force reset without confirmation
  heimdallsignage reset --force

  # Reset and delete all stored content files
  heimdallsignage reset --force --delete-content

  # Reset but keep up to 3 admin operators
  heimdallsignage reset --force --keep-operators=3
`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	resetCmd.Flags().BoolVar(&resetDeleteContent, "delete-content", false, "Also delete all stored content files")
	resetCmd.Flags().IntVar(&resetKeepOperators, "keep-operators", 0, "Number of admin operators to preserve (0 = delete all)")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	// Confirmation prompt
	if !resetForce {
		fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
		fmt.Println("║                        WARNING                               ║")
		fmt.Println("╠══════════════════════════════════════════════════════════════╣")
		fmt.Println("║  This will DELETE ALL DATA from Heimdall Signage:            ║")
		fmt.Println("║                                                              ║")
		if resetKeepOperators > 0 {
			fmt.Printf("║  • All operators EXCEPT the first %d admin(s)                 ║\n", resetKeepOperators)
		} else {
			fmt.Println("║  • All operators and API keys                                ║")
		}
		fmt.Println("║  • All screens, groups, and device sessions                  ║")
		fmt.Println("║  • All schedule entries and computed decisions               ║")
		fmt.Println("║  • All content asset records and audit history               ║")
		if resetDeleteContent {
			fmt.Println("║  • ALL STORED CONTENT FILES                                  ║")
		}
		fmt.Println("║                                                              ║")
		fmt.Println("║  This action CANNOT be undone!                               ║")
		fmt.Println("╚══════════════════════════════════════════════════════════════╝")
		fmt.Println()

		fmt.Print("Type 'yes' to confirm reset: ")
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	logger.Info().
		Bool("delete_content", resetDeleteContent).
		Int("keep_operators", resetKeepOperators).
		Msg("Starting database reset")

	// Connect to database
	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	// Get the underlying SQL DB to close it later
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	defer sqlDB.Close()

	// If keeping operators, preserve them first
	var preserved []models.Operator
	if resetKeepOperators > 0 {
		logger.Info().Int("count", resetKeepOperators).Msg("Preserving admin operators")

		// Get admins first, then any other operators if needed
		database.Where("role = ?", models.RoleAdmin).
			Order("created_at ASC").
			Limit(resetKeepOperators).
			Find(&preserved)

		if len(preserved) < resetKeepOperators {
			remaining := resetKeepOperators - len(preserved)
			var ids []string
			for _, op := range preserved {
				ids = append(ids, op.ID)
			}

			var more []models.Operator
			query := database.Order("created_at ASC").Limit(remaining)
			if len(ids) > 0 {
				query = query.Where("id NOT IN ?", ids)
			}
			query.Find(&more)
			preserved = append(preserved, more...)
		}

		for _, op := range preserved {
			logger.Info().
				Str("operator_id", op.ID).
				Str("email", op.Email).
				Str("role", string(op.Role)).
				Msg("Preserving operator")
		}
	}

	// Drop all tables in reverse order of dependencies
	tables := []interface{}{
		// Import jobs first
		&migration.Job{},

		// Screen-scoped state
		&models.Notification{},
		&models.DeviceSession{},
		&models.Decision{},
		&models.ScheduleEntry{},
		&models.ContentAsset{},

		// Fleet structure
		&models.ScreenGroupMember{},
		&models.ScreenGroup{},
		&models.Screen{},

		// Platform
		&models.AuditLog{},
		&models.APIKey{},
		&models.SystemSettings{},
		&models.Operator{},
	}

	logger.Info().Msg("Dropping all tables")
	for _, table := range tables {
		if err := database.Migrator().DropTable(table); err != nil {
			// Log but continue - table might not exist
			logger.Debug().Err(err).Msgf("drop table (may not exist)")
		}
	}

	// Delete content files if requested
	if resetDeleteContent {
		if cfg.ContentStorage != config.ContentBackendFS {
			logger.Warn().
				Str("backend", string(cfg.ContentStorage)).
				Msg("content files live in object storage; delete the bucket contents separately")
		} else if cfg.ContentRoot != "" {
			logger.Info().Str("path", cfg.ContentRoot).Msg("Deleting content files...")

			err := filepath.Walk(cfg.ContentRoot, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				// Don't delete the root directory itself
				if path == cfg.ContentRoot {
					return nil
				}
				if !info.IsDir() {
					if err := os.Remove(path); err != nil {
						logger.Warn().Err(err).Str("path", path).Msg("failed to delete file")
					}
				}
				return nil
			})
			if err != nil {
				logger.Warn().Err(err).Msg("error walking content directory")
			}

			cleanEmptyDirs(cfg.ContentRoot)
			logger.Info().Msg("Content files deleted")
		}
	}

	// Re-create tables
	logger.Info().Msg("Creating fresh database schema")
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// Restore preserved operators
	if len(preserved) > 0 {
		logger.Info().Int("count", len(preserved)).Msg("Restoring preserved operators")
		for _, op := range preserved {
			// Keep original CreatedAt, set UpdatedAt to match
			op.UpdatedAt = op.CreatedAt

			if err := database.Create(&op).Error; err != nil {
				logger.Error().Err(err).Str("email", op.Email).Msg("failed to restore operator")
			} else {
				logger.Info().
					Str("operator_id", op.ID).
					Str("email", op.Email).
					Msg("Operator restored")
			}
		}
	}

	logger.Info().Msg("Reset complete")
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Reset Complete!                           ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  Heimdall Signage has been reset to a fresh state.           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Next steps:                                                 ║")
	fmt.Println("║  1. Start the server: heimdallsignage serve                  ║")
	fmt.Println("║  2. Log in with the bootstrap admin and register screens     ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	return nil
}

// cleanEmptyDirs removes empty directories recursively
func cleanEmptyDirs(root string) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == root {
			return nil
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}

		if len(entries) == 0 {
			os.Remove(path)
		}
		return nil
	})
}
