/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package content manages uploadable display assets through their
// staged/live/blocked lifecycle. Blobs live behind a Storage interface with
// filesystem and S3 backends; records live in the database. Blocking an
// asset withdraws it from every screen at once, so block and unblock
// publish the affected screen IDs for the reconciliation engine.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/config"
	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
)

var (
	// ErrAssetNotFound is returned when the requested asset does not exist.
	ErrAssetNotFound = errors.New("content asset not found")
	// ErrAssetInUse is returned when deleting an asset still referenced by
	// a schedule entry or a screen's idle content.
	ErrAssetInUse = errors.New("content asset in use")
	// ErrEmptyName is returned for uploads without a name.
	ErrEmptyName = errors.New("asset name must not be empty")
)

// Storage abstracts blob storage operations over opaque keys.
type Storage interface {
	Store(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
	CheckAccess(ctx context.Context) error
}

// Service manages content assets and their blobs.
type Service struct {
	db      *gorm.DB
	bus     events.Broker
	storage Storage
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewService creates a content service using filesystem or S3 storage based
// on config.
func NewService(cfg *config.Config, db *gorm.DB, bus events.Broker, logger zerolog.Logger) (*Service, error) {
	log := logger.With().Str("component", "content").Logger()

	var storage Storage
	if cfg.ContentStorage == config.ContentBackendS3 {
		s3cfg := S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			UsePathStyle:    cfg.S3UsePathStyle,
			SSE:             cfg.S3SSE,
		}
		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			log.Warn().Msg("S3 credentials not configured, using default AWS credential chain")
		}

		s3Storage, err := NewS3Storage(context.Background(), s3cfg, log)
		if err != nil {
			return nil, fmt.Errorf("initialize s3 storage: %w", err)
		}
		storage = s3Storage
	} else {
		storage = NewFilesystemStorage(cfg.ContentRoot, log)
	}

	return &Service{
		db:      db,
		bus:     bus,
		storage: storage,
		ttl:     cfg.StagedAssetTTL,
		logger:  log,
	}, nil
}

// UploadRequest describes an incoming asset.
type UploadRequest struct {
	Name       string
	MIMEType   string
	UploadedBy string
}

// Upload streams the blob to storage and records a staged asset. Size and
// SHA256 are computed while streaming, so the blob is read exactly once.
func (s *Service) Upload(ctx context.Context, req UploadRequest, r io.Reader) (*models.ContentAsset, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}

	id := uuid.NewString()
	key := buildContentKey(id, extensionFor(name, req.MIMEType))

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(r, hasher)}

	if err := s.storage.Store(ctx, key, counter); err != nil {
		telemetry.ContentUploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store blob: %w", err)
	}

	asset := &models.ContentAsset{
		ID:         id,
		Name:       name,
		MIMEType:   req.MIMEType,
		SizeBytes:  counter.n,
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
		StorageKey: key,
		State:      models.AssetStaged,
		UploadedBy: req.UploadedBy,
	}
	if err := s.db.WithContext(ctx).Create(asset).Error; err != nil {
		// The blob already landed; remove it so a failed insert leaves
		// nothing behind.
		if derr := s.storage.Delete(ctx, key); derr != nil {
			s.logger.Warn().Err(derr).Str("key", key).Msg("orphaned blob cleanup failed")
		}
		telemetry.ContentUploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create asset: %w", err)
	}

	telemetry.ContentUploadsTotal.WithLabelValues("ok").Inc()
	s.bus.Publish(events.EventContentUploaded, events.Payload{"asset_id": id})

	s.logger.Info().
		Str("asset_id", id).
		Str("name", name).
		Str("mime_type", req.MIMEType).
		Int64("size_bytes", asset.SizeBytes).
		Msg("content asset uploaded")

	return asset, nil
}

// Get loads an asset by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.ContentAsset, error) {
	var asset models.ContentAsset
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load asset: %w", err)
	}
	return &asset, nil
}

// List returns assets ordered by ID with keyset pagination. An empty state
// matches all states.
func (s *Service) List(ctx context.Context, state models.AssetState, after string, limit int) ([]models.ContentAsset, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := s.db.WithContext(ctx).Model(&models.ContentAsset{})
	if state != "" {
		query = query.Where("state = ?", state)
	}
	if after != "" {
		query = query.Where("id > ?", after)
	}

	var assets []models.ContentAsset
	if err := query.Order("id ASC").Limit(limit).Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

// Open returns the asset record and a reader for its blob. The caller must
// close the reader.
func (s *Service) Open(ctx context.Context, id string) (*models.ContentAsset, io.ReadCloser, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rc, err := s.storage.Open(ctx, asset.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	return asset, rc, nil
}

// URL returns the directly addressable URL for an asset blob, or the empty
// string when the backend serves through the API.
func (s *Service) URL(asset *models.ContentAsset) string {
	return s.storage.URL(asset.StorageKey)
}

// Block withdraws an asset. Approved entries referencing it lose
// eligibility immediately and the screens they cover are re-evaluated.
// Blocking a blocked asset is a no-op.
func (s *Service) Block(ctx context.Context, id string) (*models.ContentAsset, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if asset.State == models.AssetBlocked {
		return asset, nil
	}

	screens, err := s.referencingScreens(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.ContentAsset{}).
		Where("id = ?", id).
		Update("state", models.AssetBlocked).Error
	if err != nil {
		return nil, fmt.Errorf("block asset: %w", err)
	}
	asset.State = models.AssetBlocked

	s.bus.Publish(events.EventContentBlocked, events.Payload{
		"asset_id":   id,
		"screen_ids": screens,
	})

	s.logger.Info().
		Str("asset_id", id).
		Int("affected_screens", len(screens)).
		Msg("content asset blocked")

	return asset, nil
}

// Unblock restores a blocked asset. It returns to live when a schedule
// entry references it, otherwise back to staged.
func (s *Service) Unblock(ctx context.Context, id string) (*models.ContentAsset, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if asset.State != models.AssetBlocked {
		return asset, nil
	}

	var refs int64
	err = s.db.WithContext(ctx).Model(&models.ScheduleEntry{}).
		Where("content_id = ?", id).
		Count(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("count references: %w", err)
	}

	state := models.AssetStaged
	if refs > 0 {
		state = models.AssetLive
	}

	err = s.db.WithContext(ctx).Model(&models.ContentAsset{}).
		Where("id = ?", id).
		Update("state", state).Error
	if err != nil {
		return nil, fmt.Errorf("unblock asset: %w", err)
	}
	asset.State = state

	screens, err := s.referencingScreens(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("asset_id", id).Msg("resolve affected screens")
		screens = nil
	}
	s.bus.Publish(events.EventContentUnblocked, events.Payload{
		"asset_id":   id,
		"screen_ids": screens,
	})

	s.logger.Info().
		Str("asset_id", id).
		Str("state", string(state)).
		Msg("content asset unblocked")

	return asset, nil
}

// Delete removes an asset record and its blob. Assets referenced by any
// entry or as idle content are refused with ErrAssetInUse.
func (s *Service) Delete(ctx context.Context, id string) error {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	inUse, err := s.referenced(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %s", ErrAssetInUse, id)
	}

	if err := s.db.WithContext(ctx).Delete(&models.ContentAsset{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if err := s.storage.Delete(ctx, asset.StorageKey); err != nil {
		s.logger.Warn().Err(err).Str("key", asset.StorageKey).Msg("blob delete failed, record removed")
	}

	s.bus.Publish(events.EventContentDeleted, events.Payload{"asset_id": id})

	s.logger.Info().Str("asset_id", id).Msg("content asset deleted")
	return nil
}

// SweepStaged deletes staged assets older than the retention TTL that no
// entry or screen references. The leader runs it on the engine's sweep
// cadence; a failed blob delete still removes the record.
func (s *Service) SweepStaged(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)

	var stale []models.ContentAsset
	err := s.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", models.AssetStaged, cutoff).
		Where("id NOT IN (SELECT content_id FROM schedule_entries)").
		Where("id NOT IN (SELECT idle_content_id FROM screens WHERE idle_content_id <> '')").
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("find stale staged assets: %w", err)
	}

	removed := 0
	for _, asset := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if err := s.db.WithContext(ctx).Delete(&models.ContentAsset{}, "id = ?", asset.ID).Error; err != nil {
			s.logger.Warn().Err(err).Str("asset_id", asset.ID).Msg("staged sweep: record delete failed")
			continue
		}
		if err := s.storage.Delete(ctx, asset.StorageKey); err != nil {
			s.logger.Warn().Err(err).
				Str("asset_id", asset.ID).
				Str("key", asset.StorageKey).
				Msg("staged sweep: blob delete failed")
		}

		removed++
		telemetry.ContentSweptTotal.Inc()
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("staged asset sweep complete")
	}
	return removed, nil
}

// RunSweeper periodically removes expired staged assets. Only the leader
// sweeps so a multi-node fleet does one pass per interval. Blocks until the
// context is cancelled.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration, leader func() bool) {
	if every <= 0 {
		every = time.Hour
	}
	if leader == nil {
		leader = func() bool { return true }
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !leader() {
				continue
			}
			if _, err := s.SweepStaged(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("staged asset sweep failed")
			}
		}
	}
}

// CheckStorageAccess verifies that the storage backend is reachable.
func (s *Service) CheckStorageAccess() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.storage.CheckAccess(ctx)
}

// referenced reports whether any entry or screen still points at the asset.
func (s *Service) referenced(ctx context.Context, assetID string) (bool, error) {
	var entries int64
	err := s.db.WithContext(ctx).Model(&models.ScheduleEntry{}).
		Where("content_id = ?", assetID).
		Count(&entries).Error
	if err != nil {
		return false, fmt.Errorf("count entry references: %w", err)
	}
	if entries > 0 {
		return true, nil
	}

	var screens int64
	err = s.db.WithContext(ctx).Model(&models.Screen{}).
		Where("idle_content_id = ?", assetID).
		Count(&screens).Error
	if err != nil {
		return false, fmt.Errorf("count idle references: %w", err)
	}
	return screens > 0, nil
}

// referencingScreens resolves the screens whose decisions depend on the
// asset: targets of approved entries using it, expanded through group
// membership, plus screens showing it as idle content.
func (s *Service) referencingScreens(ctx context.Context, assetID string) ([]string, error) {
	var direct []string
	err := s.db.WithContext(ctx).Model(&models.ScheduleEntry{}).
		Where("content_id = ? AND state = ? AND target_kind = ?",
			assetID, models.EntryApproved, models.TargetScreen).
		Pluck("target_id", &direct).Error
	if err != nil {
		return nil, fmt.Errorf("load direct targets: %w", err)
	}

	var viaGroups []string
	err = s.db.WithContext(ctx).Model(&models.ScreenGroupMember{}).
		Where("group_id IN (SELECT target_id FROM schedule_entries WHERE content_id = ? AND state = ? AND target_kind = ?)",
			assetID, models.EntryApproved, models.TargetGroup).
		Pluck("screen_id", &viaGroups).Error
	if err != nil {
		return nil, fmt.Errorf("expand group targets: %w", err)
	}

	var idle []string
	err = s.db.WithContext(ctx).Model(&models.Screen{}).
		Where("idle_content_id = ?", assetID).
		Pluck("id", &idle).Error
	if err != nil {
		return nil, fmt.Errorf("load idle references: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, set := range [][]string{direct, viaGroups, idle} {
		for _, id := range set {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// buildContentKey shards blobs by ID prefix so no single directory
// accumulates every asset.
func buildContentKey(assetID, extension string) string {
	if len(assetID) < 4 {
		return assetID + extension
	}
	return path.Join(assetID[0:2], assetID[2:4], assetID+extension)
}

// extensionFor picks a blob extension from the upload name, falling back to
// the MIME type.
func extensionFor(name, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// countingReader tracks bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
