/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists the schedule and fleet entities and publishes a
// change event for every committed mutation. Events carry the IDs of the
// screens whose decisions may have changed so the reconciliation engine can
// mark exactly those dirty.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a compare-and-swap update loses
	// against a concurrent writer. The write is not applied.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnknownTarget is returned when an entry references a screen or
	// group that does not exist.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrContentNotUsable is returned when an entry or screen references a
	// content asset that is missing or blocked.
	ErrContentNotUsable = errors.New("content missing or blocked")
	// ErrInvalidPriority is returned for priorities outside 1..255.
	ErrInvalidPriority = errors.New("priority out of range")
	// ErrInvalidTransition is returned for approval transitions not in the
	// allowed set.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNameTaken is returned when a screen or group name is already used.
	ErrNameTaken = errors.New("name already in use")
	// ErrEmptyName is returned when a required name is blank.
	ErrEmptyName = errors.New("name must not be empty")
)

// Target identifies what an entry schedules content onto.
type Target struct {
	Kind models.TargetKind
	ID   string
}

// Service provides schedule and fleet persistence with event integration.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	logger zerolog.Logger
}

// NewService creates a store service instance.
func NewService(db *gorm.DB, bus events.Broker, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// DB exposes the underlying handle for read-only status queries.
func (s *Service) DB() *gorm.DB {
	return s.db
}

// screenIDsForTarget resolves a target to the screens it currently covers.
// A group target expands through membership at call time; a deleted group
// resolves to zero screens.
func (s *Service) screenIDsForTarget(ctx context.Context, kind models.TargetKind, targetID string) ([]string, error) {
	if kind == models.TargetScreen {
		return []string{targetID}, nil
	}

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.ScreenGroupMember{}).
		Where("group_id = ?", targetID).
		Pluck("screen_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("expand group members: %w", err)
	}
	return ids, nil
}

// targetExists checks that the referenced screen or group is present.
func targetExists(tx *gorm.DB, kind models.TargetKind, targetID string) (bool, error) {
	var count int64
	var err error

	switch kind {
	case models.TargetScreen:
		err = tx.Model(&models.Screen{}).Where("id = ?", targetID).Count(&count).Error
	case models.TargetGroup:
		err = tx.Model(&models.ScreenGroup{}).Where("id = ?", targetID).Count(&count).Error
	default:
		return false, fmt.Errorf("%w: kind %q", ErrUnknownTarget, kind)
	}
	if err != nil {
		return false, fmt.Errorf("check target: %w", err)
	}
	return count > 0, nil
}

// contentUsable checks that the referenced asset exists and is not blocked.
func contentUsable(tx *gorm.DB, contentID string) error {
	var asset models.ContentAsset
	err := tx.Where("id = ?", contentID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrContentNotUsable, contentID)
	}
	if err != nil {
		return fmt.Errorf("load content asset: %w", err)
	}
	if !asset.Usable() {
		return fmt.Errorf("%w: %s is blocked", ErrContentNotUsable, contentID)
	}
	return nil
}

// promoteContent flips a staged asset to live once an approved entry
// references it. Live and blocked assets are left untouched, so the write
// is idempotent.
func promoteContent(tx *gorm.DB, contentID string) error {
	err := tx.Model(&models.ContentAsset{}).
		Where("id = ? AND state = ?", contentID, models.AssetStaged).
		Update("state", models.AssetLive).Error
	if err != nil {
		return fmt.Errorf("promote content asset: %w", err)
	}
	return nil
}

// publish emits a change event carrying the affected screen IDs. Publishing
// is best-effort; slow subscribers drop rather than block a mutation.
func (s *Service) publish(eventType events.EventType, payload events.Payload, screenIDs []string) {
	if payload == nil {
		payload = events.Payload{}
	}
	payload["screen_ids"] = screenIDs
	s.bus.Publish(eventType, payload)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("affected_screens", len(screenIDs)).
		Msg("published change event")
}
