/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/store"
)

// Fleet manifest structure. Content, screens, and groups are referenced
// by name within the manifest, so a fixture file is self-contained.

type seedManifest struct {
	Version int           `yaml:"version"`
	Content []seedContent `yaml:"content"`
	Screens []seedScreen  `yaml:"screens"`
	Groups  []seedGroup   `yaml:"groups"`
	Entries []seedEntry   `yaml:"entries"`
}

type seedContent struct {
	Name     string `yaml:"name"`
	File     string `yaml:"file"`
	MIMEType string `yaml:"mime_type"`
}

type seedScreen struct {
	Name        string            `yaml:"name"`
	Location    string            `yaml:"location"`
	Timezone    string            `yaml:"timezone"`
	IdleContent string            `yaml:"idle_content"`
	Metadata    map[string]string `yaml:"metadata"`
}

type seedGroup struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Members     []string `yaml:"members"`
}

type seedEntry struct {
	Name     string `yaml:"name"`
	Screen   string `yaml:"screen"`
	Group    string `yaml:"group"`
	Content  string `yaml:"content"`
	Priority string `yaml:"priority"`

	// Recurring window (all four set together). The validity bounds are
	// optional; a zero bound leaves that side open.
	Days       string    `yaml:"days"`
	Start      string    `yaml:"start"`
	End        string    `yaml:"end"`
	Timezone   string    `yaml:"timezone"`
	ValidFrom  time.Time `yaml:"valid_from"`
	ValidUntil time.Time `yaml:"valid_until"`

	// One-shot window (used when days is empty).
	StartAt time.Time `yaml:"start_at"`
	EndAt   time.Time `yaml:"end_at"`

	Approve bool `yaml:"approve"`
}

var (
	seedManifestPath string
	seedCreatedBy    string
	seedDryRun       bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed screens, groups, and schedules from a YAML manifest",
	Long: `Seed the fleet from a YAML manifest describing content, screens,
groups, and schedule entries. Existing records with matching names are
reused, so re-running a manifest is safe.

Examples:
  heimdallsignage seed --manifest fleet.yaml --dry-run
  heimdallsignage seed --manifest fleet.yaml
  heimdallsignage seed --manifest fleet.yaml --created-by <operator-uuid>`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedManifestPath, "manifest", "", "Path to fleet manifest YAML (required)")
	seedCmd.Flags().StringVar(&seedCreatedBy, "created-by", "", "Operator ID recorded on created entries (default: first admin)")
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Report what would be created without writing")
	seedCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	data, err := os.ReadFile(seedManifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest seedManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Version != 1 {
		return fmt.Errorf("unsupported manifest version: %d", manifest.Version)
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	bus := events.NewBus()
	st := store.NewService(database, bus, logger)
	contentSvc, err := content.NewService(cfg, database, bus, logger)
	if err != nil {
		return fmt.Errorf("initialize content service: %w", err)
	}

	ctx := context.Background()

	creator := seedCreatedBy
	if creator == "" {
		var admin models.Operator
		err := database.Where("role = ?", models.RoleAdmin).Order("created_at ASC").First(&admin).Error
		switch {
		case err == nil:
			creator = admin.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			logger.Warn().Msg("no admin operator found; entries marked approve will be created pending instead")
		default:
			return fmt.Errorf("resolve creator: %w", err)
		}
	}

	var created, reused, skipped int

	// Content assets by manifest name. Names are looked up first so a
	// re-run does not duplicate blobs.
	assetIDs := map[string]string{}
	for _, c := range manifest.Content {
		if c.Name == "" || c.File == "" {
			logger.Warn().Str("name", c.Name).Msg("content item missing name or file, skipping")
			skipped++
			continue
		}

		var existing models.ContentAsset
		err := database.Where("name = ?", c.Name).Order("created_at ASC").First(&existing).Error
		if err == nil {
			assetIDs[c.Name] = existing.ID
			reused++
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("look up asset %q: %w", c.Name, err)
		}

		if seedDryRun {
			fmt.Printf("  [dry-run] would upload content %q from %s\n", c.Name, c.File)
			created++
			continue
		}

		mimeType := c.MIMEType
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(c.File))
		}

		f, err := os.Open(c.File)
		if err != nil {
			return fmt.Errorf("open content file %q: %w", c.File, err)
		}
		asset, err := contentSvc.Upload(ctx, content.UploadRequest{
			Name:       c.Name,
			MIMEType:   mimeType,
			UploadedBy: creator,
		}, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("upload content %q: %w", c.Name, err)
		}
		assetIDs[c.Name] = asset.ID
		created++
	}

	resolveAsset := func(name string) (string, error) {
		if name == "" {
			return "", nil
		}
		if id, ok := assetIDs[name]; ok {
			return id, nil
		}
		var asset models.ContentAsset
		err := database.Where("name = ?", name).Order("created_at ASC").First(&asset).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("content %q not found in manifest or database", name)
		}
		if err != nil {
			return "", fmt.Errorf("look up content %q: %w", name, err)
		}
		assetIDs[name] = asset.ID
		return asset.ID, nil
	}

	// Screens.
	screenIDs := map[string]string{}
	for _, sc := range manifest.Screens {
		if existing, err := st.GetScreenByName(ctx, sc.Name); err == nil {
			screenIDs[sc.Name] = existing.ID
			reused++
			continue
		}

		idleID, err := resolveAsset(sc.IdleContent)
		if err != nil {
			return fmt.Errorf("screen %q: %w", sc.Name, err)
		}

		if seedDryRun {
			fmt.Printf("  [dry-run] would create screen %q (%s)\n", sc.Name, sc.Timezone)
			created++
			continue
		}

		var metadata map[string]any
		if len(sc.Metadata) > 0 {
			metadata = make(map[string]any, len(sc.Metadata))
			for k, v := range sc.Metadata {
				metadata[k] = v
			}
		}

		screen, err := st.CreateScreen(ctx, store.CreateScreenRequest{
			Name:          sc.Name,
			Location:      sc.Location,
			Timezone:      sc.Timezone,
			IdleContentID: idleID,
			Metadata:      metadata,
		})
		if err != nil {
			return fmt.Errorf("create screen %q: %w", sc.Name, err)
		}
		screenIDs[sc.Name] = screen.ID
		created++
	}

	// Groups and memberships.
	groupIDs := map[string]string{}
	for _, g := range manifest.Groups {
		var groupID string
		var existing models.ScreenGroup
		err := database.Where("name = ?", g.Name).First(&existing).Error
		switch {
		case err == nil:
			groupID = existing.ID
			reused++
		case errors.Is(err, gorm.ErrRecordNotFound):
			if seedDryRun {
				fmt.Printf("  [dry-run] would create group %q with %d member(s)\n", g.Name, len(g.Members))
				created++
				continue
			}
			group, err := st.CreateGroup(ctx, g.Name, g.Description)
			if err != nil {
				return fmt.Errorf("create group %q: %w", g.Name, err)
			}
			groupID = group.ID
			created++
		default:
			return fmt.Errorf("look up group %q: %w", g.Name, err)
		}
		groupIDs[g.Name] = groupID

		for _, member := range g.Members {
			screenID := screenIDs[member]
			if screenID == "" {
				if sc, err := st.GetScreenByName(ctx, member); err == nil {
					screenID = sc.ID
				} else {
					logger.Warn().Str("group", g.Name).Str("screen", member).Msg("member screen not found, skipping")
					skipped++
					continue
				}
			}
			if seedDryRun {
				continue
			}
			if err := st.AddScreenToGroup(ctx, groupID, screenID); err != nil {
				return fmt.Errorf("add %q to group %q: %w", member, g.Name, err)
			}
		}
	}

	// Schedule entries. An entry with a name the database already has is
	// treated as seeded and left alone.
	for _, e := range manifest.Entries {
		var count int64
		if err := database.Model(&models.ScheduleEntry{}).Where("name = ?", e.Name).Count(&count).Error; err != nil {
			return fmt.Errorf("look up entry %q: %w", e.Name, err)
		}
		if count > 0 {
			reused++
			continue
		}

		target, err := resolveSeedTarget(ctx, st, database, screenIDs, groupIDs, e)
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Name, err)
		}

		contentID, err := resolveAsset(e.Content)
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Name, err)
		}

		iv, err := seedInterval(e)
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Name, err)
		}

		priority, err := seedPriority(e.Priority)
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Name, err)
		}

		if seedDryRun {
			fmt.Printf("  [dry-run] would create entry %q (priority %d, approve=%v)\n", e.Name, priority, e.Approve)
			created++
			continue
		}

		approve := e.Approve
		if approve && creator == "" {
			approve = false
		}

		if _, err := st.CreateEntry(ctx, store.CreateEntryRequest{
			Name:      e.Name,
			Target:    target,
			ContentID: contentID,
			Priority:  priority,
			Interval:  iv,
			CreatedBy: creator,
			Approve:   approve,
		}); err != nil {
			return fmt.Errorf("create entry %q: %w", e.Name, err)
		}
		created++
	}

	mode := "Seed complete"
	if seedDryRun {
		mode = "Seed complete (dry run)"
	}
	fmt.Printf("\n%s:\n", mode)
	fmt.Printf("  Created: %d\n", created)
	fmt.Printf("  Reused:  %d\n", reused)
	fmt.Printf("  Skipped: %d\n", skipped)

	return nil
}

func resolveSeedTarget(ctx context.Context, st *store.Service, database *gorm.DB, screenIDs, groupIDs map[string]string, e seedEntry) (store.Target, error) {
	switch {
	case e.Screen != "" && e.Group != "":
		return store.Target{}, fmt.Errorf("exactly one of screen or group must be set")
	case e.Screen != "":
		if id := screenIDs[e.Screen]; id != "" {
			return store.Target{Kind: models.TargetScreen, ID: id}, nil
		}
		screen, err := st.GetScreenByName(ctx, e.Screen)
		if err != nil {
			return store.Target{}, fmt.Errorf("screen %q not found", e.Screen)
		}
		return store.Target{Kind: models.TargetScreen, ID: screen.ID}, nil
	case e.Group != "":
		if id := groupIDs[e.Group]; id != "" {
			return store.Target{Kind: models.TargetGroup, ID: id}, nil
		}
		var group models.ScreenGroup
		if err := database.Where("name = ?", e.Group).First(&group).Error; err != nil {
			return store.Target{}, fmt.Errorf("group %q not found", e.Group)
		}
		return store.Target{Kind: models.TargetGroup, ID: group.ID}, nil
	default:
		return store.Target{}, fmt.Errorf("exactly one of screen or group must be set")
	}
}

func seedInterval(e seedEntry) (interval.Interval, error) {
	if e.Days != "" {
		days, err := interval.ParseDays(e.Days)
		if err != nil {
			return interval.Interval{}, fmt.Errorf("parse days: %w", err)
		}
		start, err := interval.ParseClock(e.Start)
		if err != nil {
			return interval.Interval{}, fmt.Errorf("parse start: %w", err)
		}
		end, err := interval.ParseClock(e.End)
		if err != nil {
			return interval.Interval{}, fmt.Errorf("parse end: %w", err)
		}
		return interval.Recurring(days, start, end, e.Timezone).
			ValidBetween(e.ValidFrom.UTC(), e.ValidUntil.UTC()), nil
	}

	if e.StartAt.IsZero() || e.EndAt.IsZero() {
		return interval.Interval{}, fmt.Errorf("either days/start/end or start_at/end_at must be set")
	}
	return interval.OneShot(e.StartAt.UTC(), e.EndAt.UTC()), nil
}

func seedPriority(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "normal":
		return models.PriorityNormal, nil
	case "low":
		return models.PriorityLow, nil
	case "high":
		return models.PriorityHigh, nil
	case "takeover":
		return models.PriorityTakeover, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", name)
	}
}
