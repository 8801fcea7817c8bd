/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package migration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/content"
	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
)

// LegacyImporter reads the first-generation signage controller's database
// directly: displays, display_groups, media_assets, schedules and users
// tables, from either a fleet Postgres or a single-node sqlite file.
type LegacyImporter struct {
	db         *gorm.DB
	contentSvc *content.Service
	logger     zerolog.Logger
}

// NewLegacyImporter creates an importer writing into the given database.
// Media blobs are streamed through the content service so imported assets
// get real storage keys and checksums.
func NewLegacyImporter(db *gorm.DB, contentSvc *content.Service, logger zerolog.Logger) *LegacyImporter {
	return &LegacyImporter{
		db:         db,
		contentSvc: contentSvc,
		logger:     logger.With().Str("importer", "legacy").Logger(),
	}
}

func buildLegacyDSN(options Options) string {
	port := options.DBPort
	if port == 0 {
		port = 5432
	}
	sslmode := options.DBSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts := []string{
		fmt.Sprintf("host=%s", options.DBHost),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("dbname=%s", options.DBName),
		fmt.Sprintf("user=%s", options.DBUser),
		fmt.Sprintf("sslmode=%s", sslmode),
	}
	if options.DBPassword != "" {
		parts = append(parts, fmt.Sprintf("password=%s", options.DBPassword))
	}
	return strings.Join(parts, " ")
}

func openLegacySource(options Options) (*sql.DB, error) {
	if options.DBFile != "" {
		if _, err := os.Stat(options.DBFile); err != nil {
			return nil, fmt.Errorf("stat legacy database file: %w", err)
		}
		return sql.Open("sqlite3", options.DBFile)
	}
	return sql.Open("postgres", buildLegacyDSN(options))
}

// Validate checks connection options and that the source is reachable.
func (l *LegacyImporter) Validate(ctx context.Context, options Options) error {
	var errs ValidationErrors

	if options.DBFile == "" {
		if options.DBHost == "" {
			errs = append(errs, ValidationError{Field: "db_host", Message: "database host is required unless a database file is given"})
		}
		if options.DBName == "" {
			errs = append(errs, ValidationError{Field: "db_name", Message: "database name is required unless a database file is given"})
		}
		if options.DBUser == "" {
			errs = append(errs, ValidationError{Field: "db_user", Message: "database user is required unless a database file is given"})
		}
	}
	if !options.SkipMedia && options.MediaPath == "" {
		errs = append(errs, ValidationError{Field: "media_path", Message: "media path is required unless media import is skipped"})
	}

	if len(errs) > 0 {
		return errs
	}

	src, err := openLegacySource(options)
	if err != nil {
		field := "db_host"
		if options.DBFile != "" {
			field = "db_file"
		}
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("open legacy database: %v", err)}}
	}
	defer src.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := src.PingContext(pingCtx); err != nil {
		return ValidationErrors{{Field: "db_host", Message: fmt.Sprintf("connect to legacy database: %v", err)}}
	}

	return nil
}

// Analyze counts source rows without writing anything.
func (l *LegacyImporter) Analyze(ctx context.Context, options Options) (*Result, error) {
	src, err := openLegacySource(options)
	if err != nil {
		return nil, fmt.Errorf("open legacy database: %w", err)
	}
	defer src.Close()

	result := &Result{
		Skipped:  map[string]int{},
		Mappings: map[string]Mapping{},
	}

	count := func(query string) (int, error) {
		var n int
		err := src.QueryRowContext(ctx, query).Scan(&n)
		return n, err
	}

	if result.ScreensCreated, err = count(`SELECT COUNT(*) FROM displays`); err != nil {
		return nil, fmt.Errorf("count displays: %w", err)
	}
	if result.GroupsCreated, err = count(`SELECT COUNT(*) FROM display_groups`); err != nil {
		return nil, fmt.Errorf("count display groups: %w", err)
	}
	if !options.SkipMedia {
		if result.AssetsImported, err = count(`SELECT COUNT(*) FROM media_assets WHERE deleted_at IS NULL`); err != nil {
			return nil, fmt.Errorf("count media assets: %w", err)
		}
	}
	if !options.SkipSchedules {
		if result.EntriesCreated, err = count(`SELECT COUNT(*) FROM schedules WHERE enabled`); err != nil {
			return nil, fmt.Errorf("count schedules: %w", err)
		}
		if options.SkipMedia {
			result.Warnings = append(result.Warnings, "schedules reference media; with media skipped every schedule will be skipped too")
		}
	}
	if !options.SkipUsers {
		if result.OperatorsCreated, err = count(`SELECT COUNT(*) FROM users`); err != nil {
			return nil, fmt.Errorf("count users: %w", err)
		}
	}

	return result, nil
}

// Import migrates the legacy fleet. Screens and groups come first so
// schedules can resolve their targets; media streams through the content
// service; schedules land pre-approved since the legacy system had no
// approval workflow.
func (l *LegacyImporter) Import(ctx context.Context, options Options, progress ProgressCallback) (*Result, error) {
	start := time.Now()

	source := options.DBFile
	if source == "" {
		source = options.DBHost + "/" + options.DBName
	}
	l.logger.Info().
		Str("source", source).
		Msg("starting legacy import")

	report := func(step int, msg string) {
		if progress != nil {
			progress(Progress{
				Phase:          "importing",
				TotalSteps:     6,
				CompletedSteps: step,
				CurrentStep:    msg,
				Percentage:     float64(step) / 6 * 100,
				StartTime:      start,
			})
		}
		l.logger.Info().Int("step", step).Str("message", msg).Msg("import progress")
	}

	report(1, "Connecting to legacy database")
	src, err := openLegacySource(options)
	if err != nil {
		return nil, fmt.Errorf("open legacy database: %w", err)
	}
	defer src.Close()
	if err := src.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect to legacy database: %w", err)
	}

	result := &Result{
		Skipped:  map[string]int{},
		Mappings: map[string]Mapping{},
	}

	report(2, "Importing displays")
	screenMap, err := l.importScreens(ctx, src, result)
	if err != nil {
		return nil, fmt.Errorf("import displays: %w", err)
	}

	report(3, "Importing display groups")
	groupMap, err := l.importGroups(ctx, src, screenMap, result)
	if err != nil {
		return nil, fmt.Errorf("import display groups: %w", err)
	}

	assetMap := map[string]string{}
	if !options.SkipMedia {
		report(4, "Importing media assets")
		assetMap, err = l.importAssets(ctx, src, options, result, func(done, total int) {
			if progress == nil {
				return
			}
			progress(Progress{
				Phase:          "importing",
				TotalSteps:     6,
				CompletedSteps: 4,
				CurrentStep:    "Importing media assets",
				AssetsTotal:    total,
				AssetsDone:     done,
				Percentage:     float64(4) / 6 * 100,
				StartTime:      start,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("import media assets: %w", err)
		}
	}

	if !options.SkipSchedules {
		report(5, "Importing schedules")
		err := l.importSchedules(ctx, src, options, screenMap, groupMap, assetMap, result, func(done, total int) {
			if progress == nil {
				return
			}
			progress(Progress{
				Phase:          "importing",
				TotalSteps:     6,
				CompletedSteps: 5,
				CurrentStep:    "Importing schedules",
				EntriesTotal:   total,
				EntriesDone:    done,
				Percentage:     float64(5) / 6 * 100,
				StartTime:      start,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("import schedules: %w", err)
		}
	}

	if !options.SkipUsers {
		report(6, "Importing users")
		if err := l.importUsers(ctx, src, result); err != nil {
			// Users are not load-bearing for the fleet; keep going.
			l.logger.Warn().Err(err).Msg("user import failed, continuing")
			result.Warnings = append(result.Warnings, fmt.Sprintf("user import failed: %v", err))
		}
	}

	result.DurationSeconds = time.Since(start).Seconds()

	l.logger.Info().
		Int("screens", result.ScreensCreated).
		Int("groups", result.GroupsCreated).
		Int("assets", result.AssetsImported).
		Int("entries", result.EntriesCreated).
		Int("operators", result.OperatorsCreated).
		Msg("legacy import completed")

	return result, nil
}

func (l *LegacyImporter) importScreens(ctx context.Context, src *sql.DB, result *Result) (map[string]string, error) {
	rows, err := src.QueryContext(ctx, `
		SELECT id, name, location, timezone
		FROM displays
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query displays: %w", err)
	}
	defer rows.Close()

	screenMap := map[string]string{}
	for rows.Next() {
		var oldID, name string
		var location, timezone sql.NullString
		if err := rows.Scan(&oldID, &name, &location, &timezone); err != nil {
			l.logger.Error().Err(err).Msg("scan display row")
			result.Skipped["screens"]++
			continue
		}

		tz := timezone.String
		if tz == "" {
			tz = "UTC"
		}

		screen := models.Screen{
			ID:       uuid.NewString(),
			Name:     name,
			Location: location.String,
			Timezone: tz,
			Metadata: map[string]any{"imported_from": oldID},
		}
		if err := l.db.WithContext(ctx).Create(&screen).Error; err != nil {
			l.logger.Warn().Err(err).Str("name", name).Msg("create screen, skipping")
			result.Skipped["screens"]++
			result.Mappings["screen:"+oldID] = Mapping{OldID: oldID, Type: "screen", Name: name, Skipped: true, Reason: err.Error()}
			continue
		}

		screenMap[oldID] = screen.ID
		result.ScreensCreated++
		result.Mappings["screen:"+oldID] = Mapping{OldID: oldID, NewID: screen.ID, Type: "screen", Name: name}
	}
	return screenMap, rows.Err()
}

func (l *LegacyImporter) importGroups(ctx context.Context, src *sql.DB, screenMap map[string]string, result *Result) (map[string]string, error) {
	rows, err := src.QueryContext(ctx, `
		SELECT id, name, description
		FROM display_groups
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query display groups: %w", err)
	}
	defer rows.Close()

	groupMap := map[string]string{}
	for rows.Next() {
		var oldID, name string
		var description sql.NullString
		if err := rows.Scan(&oldID, &name, &description); err != nil {
			l.logger.Error().Err(err).Msg("scan group row")
			result.Skipped["groups"]++
			continue
		}

		group := models.ScreenGroup{
			ID:          uuid.NewString(),
			Name:        name,
			Description: description.String,
		}
		if err := l.db.WithContext(ctx).Create(&group).Error; err != nil {
			l.logger.Warn().Err(err).Str("name", name).Msg("create group, skipping")
			result.Skipped["groups"]++
			result.Mappings["group:"+oldID] = Mapping{OldID: oldID, Type: "group", Name: name, Skipped: true, Reason: err.Error()}
			continue
		}

		groupMap[oldID] = group.ID
		result.GroupsCreated++
		result.Mappings["group:"+oldID] = Mapping{OldID: oldID, NewID: group.ID, Type: "group", Name: name}
	}
	if err := rows.Err(); err != nil {
		return groupMap, err
	}

	memberRows, err := src.QueryContext(ctx, `
		SELECT group_id, display_id
		FROM display_group_members
	`)
	if err != nil {
		return groupMap, fmt.Errorf("query group members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var oldGroup, oldDisplay string
		if err := memberRows.Scan(&oldGroup, &oldDisplay); err != nil {
			l.logger.Error().Err(err).Msg("scan membership row")
			continue
		}

		groupID, ok := groupMap[oldGroup]
		if !ok {
			result.Skipped["memberships"]++
			continue
		}
		screenID, ok := screenMap[oldDisplay]
		if !ok {
			result.Skipped["memberships"]++
			continue
		}

		member := models.ScreenGroupMember{GroupID: groupID, ScreenID: screenID}
		if err := l.db.WithContext(ctx).Create(&member).Error; err != nil {
			l.logger.Warn().Err(err).Msg("create membership, skipping")
			result.Skipped["memberships"]++
		}
	}
	return groupMap, memberRows.Err()
}

func (l *LegacyImporter) importAssets(ctx context.Context, src *sql.DB, options Options, result *Result, tick func(done, total int)) (map[string]string, error) {
	var total int
	if err := src.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_assets WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count media assets: %w", err)
	}

	rows, err := src.QueryContext(ctx, `
		SELECT id, title, mime_type, file_path
		FROM media_assets
		WHERE deleted_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query media assets: %w", err)
	}
	defer rows.Close()

	assetMap := map[string]string{}
	processed := 0
	for rows.Next() {
		processed++
		tick(processed, total)
		var oldID, title string
		var mimeType, filePath sql.NullString
		if err := rows.Scan(&oldID, &title, &mimeType, &filePath); err != nil {
			l.logger.Error().Err(err).Msg("scan media row")
			result.Skipped["assets"]++
			continue
		}

		path := filePath.String
		if path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(options.MediaPath, path)
		}

		f, err := os.Open(path)
		if err != nil {
			l.logger.Warn().Str("title", title).Str("path", path).Msg("media file missing, skipping")
			result.Skipped["assets"]++
			result.Mappings["asset:"+oldID] = Mapping{OldID: oldID, Type: "asset", Name: title, Skipped: true, Reason: "file not found"}
			continue
		}

		asset, err := l.contentSvc.Upload(ctx, content.UploadRequest{
			Name:       title,
			MIMEType:   mimeType.String,
			UploadedBy: options.ImportingOperatorID,
		}, f)
		f.Close()
		if err != nil {
			l.logger.Warn().Err(err).Str("title", title).Msg("upload asset, skipping")
			result.Skipped["assets"]++
			result.Mappings["asset:"+oldID] = Mapping{OldID: oldID, Type: "asset", Name: title, Skipped: true, Reason: err.Error()}
			continue
		}

		assetMap[oldID] = asset.ID
		result.AssetsImported++
		result.Mappings["asset:"+oldID] = Mapping{OldID: oldID, NewID: asset.ID, Type: "asset", Name: title}

		if result.AssetsImported%50 == 0 {
			l.logger.Info().Int("count", result.AssetsImported).Msg("imported media assets")
		}
	}
	return assetMap, rows.Err()
}

func (l *LegacyImporter) importSchedules(ctx context.Context, src *sql.DB, options Options, screenMap, groupMap, assetMap map[string]string, result *Result, tick func(done, total int)) error {
	var total int
	if err := src.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE enabled`).Scan(&total); err != nil {
		return fmt.Errorf("count schedules: %w", err)
	}

	rows, err := src.QueryContext(ctx, `
		SELECT id, name, display_id, group_id, media_id, starts_at, ends_at, priority
		FROM schedules
		WHERE enabled
		ORDER BY starts_at
	`)
	if err != nil {
		return fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	reducedPriorities := 0
	processed := 0

	for rows.Next() {
		processed++
		tick(processed, total)
		var oldID, name string
		var displayID, groupID, mediaID sql.NullString
		var startsAt, endsAt time.Time
		var priority int
		if err := rows.Scan(&oldID, &name, &displayID, &groupID, &mediaID, &startsAt, &endsAt, &priority); err != nil {
			l.logger.Error().Err(err).Msg("scan schedule row")
			result.Skipped["entries"]++
			continue
		}

		skip := func(reason string) {
			result.Skipped["entries"]++
			result.Mappings["entry:"+oldID] = Mapping{OldID: oldID, Type: "entry", Name: name, Skipped: true, Reason: reason}
		}

		if !endsAt.After(now) {
			skip("window already ended")
			continue
		}

		var targetKind models.TargetKind
		var targetID string
		switch {
		case displayID.Valid && screenMap[displayID.String] != "":
			targetKind, targetID = models.TargetScreen, screenMap[displayID.String]
		case groupID.Valid && groupMap[groupID.String] != "":
			targetKind, targetID = models.TargetGroup, groupMap[groupID.String]
		default:
			skip("target not imported")
			continue
		}

		contentID, ok := assetMap[mediaID.String]
		if !ok {
			skip("content not imported")
			continue
		}

		// The legacy scale is open-ended; anything above high collapses to
		// high so imported content cannot silently preempt emergencies.
		if priority < models.PriorityLow {
			priority = models.PriorityLow
		}
		if priority > models.PriorityHigh {
			priority = models.PriorityHigh
			reducedPriorities++
		}

		entry := models.ScheduleEntry{
			ID:         uuid.NewString(),
			Name:       name,
			TargetKind: targetKind,
			TargetID:   targetID,
			ContentID:  contentID,
			Priority:   priority,
			State:      models.EntryApproved,
			Version:    1,
			Kind:       interval.KindOneShot,
			StartAt:    startsAt.UTC(),
			EndAt:      endsAt.UTC(),
			CreatedBy:  options.ImportingOperatorID,
		}
		if options.ImportingOperatorID != "" {
			entry.ApprovedBy = &options.ImportingOperatorID
		}

		if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
			l.logger.Warn().Err(err).Str("name", name).Msg("create entry, skipping")
			skip(err.Error())
			continue
		}

		// Approved entries make their content servable.
		if err := l.db.WithContext(ctx).Model(&models.ContentAsset{}).
			Where("id = ? AND state = ?", contentID, models.AssetStaged).
			Update("state", models.AssetLive).Error; err != nil {
			l.logger.Warn().Err(err).Str("asset_id", contentID).Msg("promote imported asset")
		}

		result.EntriesCreated++
		result.Mappings["entry:"+oldID] = Mapping{OldID: oldID, NewID: entry.ID, Type: "entry", Name: name}
	}

	if reducedPriorities > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d schedules had emergency-level priorities and were reduced to high; re-raise manually if intended", reducedPriorities))
	}
	return rows.Err()
}

func (l *LegacyImporter) importUsers(ctx context.Context, src *sql.DB, result *Result) error {
	rows, err := src.QueryContext(ctx, `
		SELECT id, email, role
		FROM users
		ORDER BY created_at
	`)
	if err != nil {
		return fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var oldID, email string
		var role sql.NullString
		if err := rows.Scan(&oldID, &email, &role); err != nil {
			l.logger.Error().Err(err).Msg("scan user row")
			result.Skipped["operators"]++
			continue
		}

		operator := models.Operator{
			ID:    uuid.NewString(),
			Email: strings.ToLower(email),
			// Random password. Legacy hashes cannot be migrated, so every
			// imported account needs a reset.
			Password: uuid.NewString(),
			Role:     legacyRole(role.String),
		}
		if err := l.db.WithContext(ctx).Create(&operator).Error; err != nil {
			l.logger.Warn().Err(err).Str("email", operator.Email).Msg("create operator, skipping")
			result.Skipped["operators"]++
			result.Mappings["operator:"+oldID] = Mapping{OldID: oldID, Type: "operator", Name: email, Skipped: true, Reason: err.Error()}
			continue
		}

		result.OperatorsCreated++
		result.Mappings["operator:"+oldID] = Mapping{OldID: oldID, NewID: operator.ID, Type: "operator", Name: email}
	}

	if result.OperatorsCreated > 0 {
		result.Warnings = append(result.Warnings, "imported operators have unusable random passwords and must be reset")
	}
	return rows.Err()
}

func legacyRole(role string) models.RoleName {
	switch strings.ToLower(role) {
	case "admin", "owner":
		return models.RoleAdmin
	case "approver", "supervisor":
		return models.RoleApprover
	case "editor", "manager", "scheduler":
		return models.RoleEditor
	default:
		return models.RoleViewer
	}
}
