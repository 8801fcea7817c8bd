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
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateScreenRequest describes a new screen registration.
type CreateScreenRequest struct {
	Name          string
	Location      string
	Timezone      string
	IdleContentID string
	Metadata      map[string]any
}

// UpdateScreenRequest is a partial screen update. Nil fields are untouched.
type UpdateScreenRequest struct {
	Name          *string
	Location      *string
	Timezone      *string
	IdleContentID *string
	Metadata      map[string]any
}

// CreateScreen registers a screen and starts its lifecycle. The engine picks
// up the created event and spawns a worker for it.
func (s *Service) CreateScreen(ctx context.Context, req CreateScreenRequest) (*models.Screen, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return nil, fmt.Errorf("%w: %q", interval.ErrBadTimezone, req.Timezone)
		}
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var count int64
	if err := tx.Model(&models.Screen{}).Where("name = ?", name).Count(&count).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("check screen name: %w", err)
	}
	if count > 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: screen %q", ErrNameTaken, name)
	}

	if req.IdleContentID != "" {
		if err := contentUsable(tx, req.IdleContentID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	screen := &models.Screen{
		ID:            uuid.NewString(),
		Name:          name,
		Location:      req.Location,
		Timezone:      req.Timezone,
		IdleContentID: req.IdleContentID,
		Metadata:      req.Metadata,
	}
	if err := tx.Create(screen).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("create screen: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit screen: %w", err)
	}

	s.publish(events.EventScreenCreated, events.Payload{
		"screen_id": screen.ID,
		"name":      screen.Name,
	}, []string{screen.ID})

	s.logger.Info().
		Str("screen_id", screen.ID).
		Str("name", screen.Name).
		Msg("screen registered")

	return screen, nil
}

// UpdateScreen applies a partial update. Timezone and idle content changes
// affect decisions, so the updated event marks the screen dirty.
func (s *Service) UpdateScreen(ctx context.Context, id string, req UpdateScreenRequest) (*models.Screen, error) {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var screen models.Screen
	err := tx.Where("id = ?", id).First(&screen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, fmt.Errorf("%w: screen %s", ErrNotFound, id)
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("load screen: %w", err)
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			tx.Rollback()
			return nil, ErrEmptyName
		}
		var count int64
		if err := tx.Model(&models.Screen{}).Where("name = ? AND id <> ?", name, id).Count(&count).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("check screen name: %w", err)
		}
		if count > 0 {
			tx.Rollback()
			return nil, fmt.Errorf("%w: screen %q", ErrNameTaken, name)
		}
		screen.Name = name
	}
	if req.Location != nil {
		screen.Location = *req.Location
	}
	if req.Timezone != nil {
		if *req.Timezone != "" {
			if _, err := time.LoadLocation(*req.Timezone); err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("%w: %q", interval.ErrBadTimezone, *req.Timezone)
			}
		}
		screen.Timezone = *req.Timezone
	}
	if req.IdleContentID != nil {
		if *req.IdleContentID != "" {
			if err := contentUsable(tx, *req.IdleContentID); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		screen.IdleContentID = *req.IdleContentID
	}
	if req.Metadata != nil {
		screen.Metadata = req.Metadata
	}

	if err := tx.Save(&screen).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("update screen: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit screen update: %w", err)
	}

	s.publish(events.EventScreenUpdated, events.Payload{
		"screen_id": screen.ID,
	}, []string{screen.ID})

	s.logger.Info().Str("screen_id", screen.ID).Msg("screen updated")
	return &screen, nil
}

// DeleteScreen removes a screen with its memberships, decision and session
// rows. Entries targeting it directly become inert, not deleted.
func (s *Service) DeleteScreen(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	res := tx.Where("id = ?", id).Delete(&models.Screen{})
	if res.Error != nil {
		tx.Rollback()
		return fmt.Errorf("delete screen: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: screen %s", ErrNotFound, id)
	}

	if err := tx.Where("screen_id = ?", id).Delete(&models.ScreenGroupMember{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("delete memberships: %w", err)
	}
	if err := tx.Where("screen_id = ?", id).Delete(&models.Decision{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("delete decision: %w", err)
	}
	if err := tx.Where("screen_id = ?", id).Delete(&models.DeviceSession{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("delete device session: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit screen delete: %w", err)
	}

	s.publish(events.EventScreenDeleted, events.Payload{
		"screen_id": id,
	}, []string{id})

	s.logger.Info().Str("screen_id", id).Msg("screen deleted")
	return nil
}

// GetScreen loads a screen by ID.
func (s *Service) GetScreen(ctx context.Context, id string) (*models.Screen, error) {
	var screen models.Screen
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&screen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: screen %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load screen: %w", err)
	}
	return &screen, nil
}

// GetScreenByName loads a screen by its unique name.
func (s *Service) GetScreenByName(ctx context.Context, name string) (*models.Screen, error) {
	var screen models.Screen
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&screen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: screen %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load screen: %w", err)
	}
	return &screen, nil
}

// ListScreens returns screens ordered by ID with keyset pagination.
func (s *Service) ListScreens(ctx context.Context, after string, limit int) ([]models.Screen, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := s.db.WithContext(ctx).Model(&models.Screen{})
	if after != "" {
		query = query.Where("id > ?", after)
	}

	var screens []models.Screen
	if err := query.Order("id ASC").Limit(limit).Find(&screens).Error; err != nil {
		return nil, fmt.Errorf("list screens: %w", err)
	}
	return screens, nil
}

// ListScreenIDs returns every screen ID. The engine uses it to build the
// worker set at startup and during sweeps.
func (s *Service) ListScreenIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Screen{}).Order("id ASC").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list screen ids: %w", err)
	}
	return ids, nil
}

// CreateGroup creates a named screen group.
func (s *Service) CreateGroup(ctx context.Context, name, description string) (*models.ScreenGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ScreenGroup{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check group name: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: group %q", ErrNameTaken, name)
	}

	group := &models.ScreenGroup{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
	}
	if err := s.db.WithContext(ctx).Create(group).Error; err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	s.publish(events.EventGroupCreated, events.Payload{
		"group_id": group.ID,
		"name":     group.Name,
	}, nil)

	s.logger.Info().Str("group_id", group.ID).Str("name", group.Name).Msg("screen group created")
	return group, nil
}

// UpdateGroup renames a group or changes its description.
func (s *Service) UpdateGroup(ctx context.Context, id string, name, description *string) (*models.ScreenGroup, error) {
	var group models.ScreenGroup
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, ErrEmptyName
		}
		group.Name = trimmed
	}
	if description != nil {
		group.Description = *description
	}

	if err := s.db.WithContext(ctx).Save(&group).Error; err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}

	s.publish(events.EventGroupUpdated, events.Payload{"group_id": group.ID}, nil)
	return &group, nil
}

// DeleteGroup removes a group and its memberships. Entries targeting the
// group stay in place and resolve to zero screens from now on.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	members, err := s.screenIDsForTarget(ctx, models.TargetGroup, id)
	if err != nil {
		return err
	}

	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	res := tx.Where("id = ?", id).Delete(&models.ScreenGroup{})
	if res.Error != nil {
		tx.Rollback()
		return fmt.Errorf("delete group: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}

	if err := tx.Where("group_id = ?", id).Delete(&models.ScreenGroupMember{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("delete group memberships: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit group delete: %w", err)
	}

	// Former members lose any entries scheduled through this group.
	s.publish(events.EventGroupDeleted, events.Payload{"group_id": id}, members)

	s.logger.Info().Str("group_id", id).Int("members", len(members)).Msg("screen group deleted")
	return nil
}

// GetGroup loads a group by ID.
func (s *Service) GetGroup(ctx context.Context, id string) (*models.ScreenGroup, error) {
	var group models.ScreenGroup
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	return &group, nil
}

// ListGroups returns groups ordered by ID with keyset pagination.
func (s *Service) ListGroups(ctx context.Context, after string, limit int) ([]models.ScreenGroup, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := s.db.WithContext(ctx).Model(&models.ScreenGroup{})
	if after != "" {
		query = query.Where("id > ?", after)
	}

	var groups []models.ScreenGroup
	if err := query.Order("id ASC").Limit(limit).Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// AddScreenToGroup adds a membership. Adding an existing member is a no-op.
func (s *Service) AddScreenToGroup(ctx context.Context, groupID, screenID string) error {
	tx := s.db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	ok, err := targetExists(tx, models.TargetGroup, groupID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !ok {
		tx.Rollback()
		return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	ok, err = targetExists(tx, models.TargetScreen, screenID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !ok {
		tx.Rollback()
		return fmt.Errorf("%w: screen %s", ErrNotFound, screenID)
	}

	var count int64
	err = tx.Model(&models.ScreenGroupMember{}).
		Where("group_id = ? AND screen_id = ?", groupID, screenID).
		Count(&count).Error
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("check membership: %w", err)
	}
	if count > 0 {
		tx.Rollback()
		return nil
	}

	member := &models.ScreenGroupMember{GroupID: groupID, ScreenID: screenID}
	if err := tx.Create(member).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("add membership: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit membership: %w", err)
	}

	s.publish(events.EventMembershipChanged, events.Payload{
		"group_id": groupID,
		"added":    screenID,
	}, []string{screenID})

	s.logger.Info().Str("group_id", groupID).Str("screen_id", screenID).Msg("screen added to group")
	return nil
}

// RemoveScreenFromGroup removes a membership. Removing a non-member is a
// no-op.
func (s *Service) RemoveScreenFromGroup(ctx context.Context, groupID, screenID string) error {
	res := s.db.WithContext(ctx).
		Where("group_id = ? AND screen_id = ?", groupID, screenID).
		Delete(&models.ScreenGroupMember{})
	if res.Error != nil {
		return fmt.Errorf("remove membership: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	s.publish(events.EventMembershipChanged, events.Payload{
		"group_id": groupID,
		"removed":  screenID,
	}, []string{screenID})

	s.logger.Info().Str("group_id", groupID).Str("screen_id", screenID).Msg("screen removed from group")
	return nil
}

// ListGroupScreens returns the screens currently in a group.
func (s *Service) ListGroupScreens(ctx context.Context, groupID string) ([]models.Screen, error) {
	var screens []models.Screen
	err := s.db.WithContext(ctx).
		Joins("JOIN screen_group_members ON screen_group_members.screen_id = screens.id").
		Where("screen_group_members.group_id = ?", groupID).
		Order("screens.id ASC").
		Find(&screens).Error
	if err != nil {
		return nil, fmt.Errorf("list group screens: %w", err)
	}
	return screens, nil
}

// ListScreenGroups returns the groups a screen belongs to.
func (s *Service) ListScreenGroups(ctx context.Context, screenID string) ([]models.ScreenGroup, error) {
	var groups []models.ScreenGroup
	err := s.db.WithContext(ctx).
		Joins("JOIN screen_group_members ON screen_group_members.group_id = screen_groups.id").
		Where("screen_group_members.screen_id = ?", screenID).
		Order("screen_groups.id ASC").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("list screen groups: %w", err)
	}
	return groups, nil
}
