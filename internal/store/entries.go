/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/friendsincode/heimdall_signage/internal/events"
	"github.com/friendsincode/heimdall_signage/internal/interval"
	"github.com/friendsincode/heimdall_signage/internal/models"
	"github.com/friendsincode/heimdall_signage/internal/telemetry"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// CreateEntryRequest describes a new schedule entry.
type CreateEntryRequest struct {
	Name      string
	Target    Target
	ContentID string
	Priority  int
	Interval  interval.Interval
	CreatedBy string
	// Approve creates the entry pre-approved. Callers must check the
	// creator holds the approver role before setting it.
	Approve bool
}

// UpdateEntryRequest is a partial update. Nil fields are left untouched.
type UpdateEntryRequest struct {
	Name      *string
	Target    *Target
	ContentID *string
	Priority  *int
	Interval  *interval.Interval
}

// EntryFilter narrows ListEntries. Zero values mean "any". From/To select
// one-shot entries overlapping the window; recurring entries repeat
// indefinitely and always pass a window filter.
type EntryFilter struct {
	TargetKind models.TargetKind
	TargetID   string
	State      models.EntryState
	CreatedBy  string
	From       *time.Time
	To         *time.Time
	// After is the keyset cursor: only entries with an ID greater than it
	// are returned. Results are ordered by ID ascending.
	After string
	Limit int
}

// CreateEntry validates and persists a new entry. Version starts at 1 and
// State at pending unless the request is pre-approved.
func (s *Service) CreateEntry(ctx context.Context, req CreateEntryRequest) (*models.ScheduleEntry, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if req.Priority < int(models.PriorityLow) || req.Priority > int(models.PriorityTakeover) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, req.Priority)
	}
	if err := req.Interval.Validate(); err != nil {
		return nil, fmt.Errorf("validate interval: %w", err)
	}

	entry := &models.ScheduleEntry{
		ID:         uuid.NewString(),
		Name:       name,
		TargetKind: req.Target.Kind,
		TargetID:   req.Target.ID,
		ContentID:  req.ContentID,
		Priority:   req.Priority,
		State:      models.EntryPending,
		Version:    1,
		CreatedBy:  req.CreatedBy,
	}
	if req.Approve {
		entry.State = models.EntryApproved
		entry.ApprovedBy = &req.CreatedBy
	}
	entry.SetInterval(req.Interval)

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ok, err := targetExists(tx, req.Target.Kind, req.Target.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !ok {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownTarget, req.Target.Kind, req.Target.ID)
	}

	if err := contentUsable(tx, req.ContentID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if req.Approve {
		if err := promoteContent(tx, req.ContentID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("create entry: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit entry: %w", err)
	}

	screens, err := s.screenIDsForTarget(ctx, entry.TargetKind, entry.TargetID)
	if err != nil {
		s.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("resolve affected screens")
		screens = nil
	}
	s.publish(events.EventEntryCreated, events.Payload{
		"entry_id":   entry.ID,
		"state":      string(entry.State),
		"priority":   entry.Priority,
		"created_by": entry.CreatedBy,
	}, screens)

	s.logger.Info().
		Str("entry_id", entry.ID).
		Str("name", entry.Name).
		Str("target", string(entry.TargetKind)+":"+entry.TargetID).
		Int("priority", entry.Priority).
		Str("state", string(entry.State)).
		Msg("schedule entry created")

	return entry, nil
}

// UpdateEntry applies a partial update if expectedVersion matches the stored
// version. On success the version is bumped by one atomically; a mismatch
// returns ErrVersionConflict and writes nothing. Editing a rejected entry
// resets it to pending for re-review.
func (s *Service) UpdateEntry(ctx context.Context, id string, expectedVersion int, req UpdateEntryRequest) (*models.ScheduleEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var current models.ScheduleEntry
	err := tx.Where("id = ?", id).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("load entry: %w", err)
	}

	// Screens covered before the edit still need re-evaluation when the
	// entry is re-targeted away from them.
	oldScreens, err := s.screenIDsForTarget(ctx, current.TargetKind, current.TargetID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	updates := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			tx.Rollback()
			return nil, ErrEmptyName
		}
		updates["name"] = name
	}
	if req.Priority != nil {
		if *req.Priority < int(models.PriorityLow) || *req.Priority > int(models.PriorityTakeover) {
			tx.Rollback()
			return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, *req.Priority)
		}
		updates["priority"] = *req.Priority
	}
	if req.Target != nil {
		ok, err := targetExists(tx, req.Target.Kind, req.Target.ID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if !ok {
			tx.Rollback()
			return nil, fmt.Errorf("%w: %s %s", ErrUnknownTarget, req.Target.Kind, req.Target.ID)
		}
		updates["target_kind"] = req.Target.Kind
		updates["target_id"] = req.Target.ID
	}
	if req.ContentID != nil {
		if err := contentUsable(tx, *req.ContentID); err != nil {
			tx.Rollback()
			return nil, err
		}
		if current.State == models.EntryApproved {
			if err := promoteContent(tx, *req.ContentID); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		updates["content_id"] = *req.ContentID
	}
	if req.Interval != nil {
		if err := req.Interval.Validate(); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("validate interval: %w", err)
		}
		staged := current
		staged.SetInterval(*req.Interval)
		updates["kind"] = staged.Kind
		updates["start_at"] = staged.StartAt
		updates["end_at"] = staged.EndAt
		updates["days"] = staged.Days
		updates["start_clock"] = staged.StartClock
		updates["end_clock"] = staged.EndClock
		updates["timezone"] = staged.Timezone
	}
	if current.State == models.EntryRejected {
		updates["state"] = models.EntryPending
		updates["reject_reason"] = ""
	}

	res := tx.Model(&models.ScheduleEntry{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		tx.Rollback()
		return nil, fmt.Errorf("update entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		telemetry.StoreConflictsTotal.Inc()
		return nil, fmt.Errorf("%w: entry %s expected version %d", ErrVersionConflict, id, expectedVersion)
	}

	var updated models.ScheduleEntry
	if err := tx.Where("id = ?", id).First(&updated).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("reload entry: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	screens := oldScreens
	if req.Target != nil {
		newScreens, err := s.screenIDsForTarget(ctx, updated.TargetKind, updated.TargetID)
		if err != nil {
			s.logger.Error().Err(err).Str("entry_id", id).Msg("resolve affected screens")
		} else {
			screens = unionIDs(oldScreens, newScreens)
		}
	}
	s.publish(events.EventEntryUpdated, events.Payload{
		"entry_id": updated.ID,
		"version":  updated.Version,
		"state":    string(updated.State),
	}, screens)

	s.logger.Info().
		Str("entry_id", updated.ID).
		Int("version", updated.Version).
		Msg("schedule entry updated")

	return &updated, nil
}

// DeleteEntry removes an entry if expectedVersion matches, otherwise
// ErrVersionConflict.
func (s *Service) DeleteEntry(ctx context.Context, id string, expectedVersion int) error {
	var current models.ScheduleEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load entry: %w", err)
	}

	screens, err := s.screenIDsForTarget(ctx, current.TargetKind, current.TargetID)
	if err != nil {
		s.logger.Error().Err(err).Str("entry_id", id).Msg("resolve affected screens")
		screens = nil
	}

	res := s.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, expectedVersion).
		Delete(&models.ScheduleEntry{})
	if res.Error != nil {
		return fmt.Errorf("delete entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		telemetry.StoreConflictsTotal.Inc()
		return fmt.Errorf("%w: entry %s expected version %d", ErrVersionConflict, id, expectedVersion)
	}

	s.publish(events.EventEntryDeleted, events.Payload{"entry_id": id}, screens)

	s.logger.Info().Str("entry_id", id).Msg("schedule entry deleted")
	return nil
}

// ApproveEntry moves a pending entry to approved, making it eligible for
// evaluation. Any other starting state is rejected.
func (s *Service) ApproveEntry(ctx context.Context, id, approverID string) (*models.ScheduleEntry, error) {
	return s.transitionEntry(ctx, id, models.EntryApproved, approverID, "")
}

// RejectEntry moves a pending entry to rejected with a reason. Editing the
// entry later resets it to pending.
func (s *Service) RejectEntry(ctx context.Context, id, approverID, reason string) (*models.ScheduleEntry, error) {
	return s.transitionEntry(ctx, id, models.EntryRejected, approverID, reason)
}

// allowedTransitions maps a target state to the states it may come from.
var allowedTransitions = map[models.EntryState][]models.EntryState{
	models.EntryApproved: {models.EntryPending},
	models.EntryRejected: {models.EntryPending},
}

func (s *Service) transitionEntry(ctx context.Context, id string, to models.EntryState, actorID, reason string) (*models.ScheduleEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var entry models.ScheduleEntry
	err := tx.Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("load entry: %w", err)
	}

	if !transitionAllowed(entry.State, to) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.State, to)
	}

	updates := map[string]any{
		"state":      to,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UTC(),
	}
	switch to {
	case models.EntryApproved:
		updates["approved_by"] = actorID
		updates["reject_reason"] = ""
	case models.EntryRejected:
		updates["reject_reason"] = reason
	}

	if err := tx.Model(&models.ScheduleEntry{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("transition entry: %w", err)
	}

	if to == models.EntryApproved {
		if err := promoteContent(tx, entry.ContentID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	var updated models.ScheduleEntry
	if err := tx.Where("id = ?", id).First(&updated).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("reload entry: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	screens, err := s.screenIDsForTarget(ctx, updated.TargetKind, updated.TargetID)
	if err != nil {
		s.logger.Error().Err(err).Str("entry_id", id).Msg("resolve affected screens")
		screens = nil
	}

	eventType := events.EventEntryApproved
	if to == models.EntryRejected {
		eventType = events.EventEntryRejected
	}
	s.publish(eventType, events.Payload{
		"entry_id": updated.ID,
		"actor_id": actorID,
	}, screens)

	s.logger.Info().
		Str("entry_id", updated.ID).
		Str("state", string(updated.State)).
		Str("actor_id", actorID).
		Msg("schedule entry state changed")

	return &updated, nil
}

func transitionAllowed(from, to models.EntryState) bool {
	for _, allowed := range allowedTransitions[to] {
		if from == allowed {
			return true
		}
	}
	return false
}

// GetEntry loads a single entry by ID.
func (s *Service) GetEntry(ctx context.Context, id string) (*models.ScheduleEntry, error) {
	var entry models.ScheduleEntry
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	return &entry, nil
}

// ListEntries returns entries matching the filter, ordered by ID for stable
// keyset pagination.
func (s *Service) ListEntries(ctx context.Context, filter EntryFilter) ([]models.ScheduleEntry, error) {
	query := s.db.WithContext(ctx).Model(&models.ScheduleEntry{})

	if filter.TargetKind != "" {
		query = query.Where("target_kind = ?", filter.TargetKind)
	}
	if filter.TargetID != "" {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.CreatedBy != "" {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.From != nil && filter.To != nil {
		query = query.Where("kind = ? OR (start_at < ? AND end_at > ?)",
			interval.KindRecurring, *filter.To, *filter.From)
	}
	if filter.After != "" {
		query = query.Where("id > ?", filter.After)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var entries []models.ScheduleEntry
	if err := query.Order("id ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// ListActiveFor returns the approved entries targeting the screen, directly
// or through group membership, whose interval contains the instant.
func (s *Service) ListActiveFor(ctx context.Context, screenID string, at time.Time) ([]models.ScheduleEntry, error) {
	entries, err := s.entriesTargeting(ctx, screenID)
	if err != nil {
		return nil, err
	}

	active := entries[:0]
	for _, entry := range entries {
		if entry.Interval().Contains(at) {
			active = append(active, entry)
		}
	}
	return active, nil
}

// ListRelevantFor returns the approved entries targeting the screen with any
// present or future applicability relative to now. Expired one-shots and
// recurring entries past their validity range are excluded; unbounded
// recurring entries repeat indefinitely and always qualify.
func (s *Service) ListRelevantFor(ctx context.Context, screenID string, now time.Time) ([]models.ScheduleEntry, error) {
	entries, err := s.entriesTargeting(ctx, screenID)
	if err != nil {
		return nil, err
	}

	relevant := entries[:0]
	for _, entry := range entries {
		if entry.Kind == interval.KindOneShot && !entry.EndAt.After(now) {
			continue
		}
		if entry.Kind == interval.KindRecurring && entry.ValidUntil != nil && !entry.ValidUntil.After(now) {
			continue
		}
		relevant = append(relevant, entry)
	}
	return relevant, nil
}

// entriesTargeting fetches approved entries whose target resolves to the
// screen. Group expansion happens here, at query time, so membership edits
// take effect without touching entries. Entries whose content has been
// blocked lose eligibility until the asset is unblocked.
func (s *Service) entriesTargeting(ctx context.Context, screenID string) ([]models.ScheduleEntry, error) {
	var groupIDs []string
	err := s.db.WithContext(ctx).
		Model(&models.ScreenGroupMember{}).
		Where("screen_id = ?", screenID).
		Pluck("group_id", &groupIDs).Error
	if err != nil {
		return nil, fmt.Errorf("load group memberships: %w", err)
	}

	query := s.db.WithContext(ctx).
		Where("state = ?", models.EntryApproved).
		Where("content_id NOT IN (SELECT id FROM content_assets WHERE state = ?)", models.AssetBlocked)
	if len(groupIDs) > 0 {
		query = query.Where(
			"(target_kind = ? AND target_id = ?) OR (target_kind = ? AND target_id IN ?)",
			models.TargetScreen, screenID, models.TargetGroup, groupIDs,
		)
	} else {
		query = query.Where("target_kind = ? AND target_id = ?", models.TargetScreen, screenID)
	}

	var entries []models.ScheduleEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load entries for screen: %w", err)
	}
	return entries, nil
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(a, b...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
