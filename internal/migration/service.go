/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrJobNotFound is returned when a job ID does not exist.
var ErrJobNotFound = errors.New("migration job not found")

// Service tracks import jobs and dispatches them to registered importers.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger

	mu        sync.RWMutex
	importers map[SourceType]Importer
}

// NewService creates the migration service.
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		logger:    logger.With().Str("component", "migration").Logger(),
		importers: map[SourceType]Importer{},
	}
}

// RegisterImporter makes an importer available for a source type.
func (s *Service) RegisterImporter(sourceType SourceType, importer Importer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importers[sourceType] = importer
}

func (s *Service) importer(sourceType SourceType) (Importer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	imp, ok := s.importers[sourceType]
	if !ok {
		return nil, fmt.Errorf("no importer registered for source type %q", sourceType)
	}
	return imp, nil
}

// CreateJob validates the options and records a pending job.
func (s *Service) CreateJob(ctx context.Context, sourceType SourceType, options Options) (*Job, error) {
	imp, err := s.importer(sourceType)
	if err != nil {
		return nil, err
	}
	if err := imp.Validate(ctx, options); err != nil {
		return nil, err
	}

	job := &Job{
		ID:         uuid.NewString(),
		SourceType: sourceType,
		Status:     JobStatusPending,
		Options:    options,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create migration job: %w", err)
	}

	s.logger.Info().Str("job_id", job.ID).Str("source_type", string(sourceType)).Msg("migration job created")
	return job, nil
}

// RunJob executes a pending job and records its outcome. Progress updates
// are persisted at most once per second; the callback additionally receives
// every update for live display.
func (s *Service) RunJob(ctx context.Context, jobID string, progress ProgressCallback) (*Result, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	imp, err := s.importer(job.SourceType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}

	var lastPersist time.Time
	wrapped := func(p Progress) {
		if progress != nil {
			progress(p)
		}
		if time.Since(lastPersist) < time.Second {
			return
		}
		lastPersist = time.Now()
		if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).
			Update("progress", p).Error; err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist job progress")
		}
	}

	result, runErr := imp.Import(ctx, job.Options, wrapped)

	done := time.Now().UTC()
	job.CompletedAt = &done
	if runErr != nil {
		job.Status = JobStatusFailed
		job.Error = runErr.Error()
	} else {
		job.Status = JobStatusCompleted
		job.Result = result
	}
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("persist job outcome")
	}

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// GetJob loads a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load migration job: %w", err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list migration jobs: %w", err)
	}
	return jobs, nil
}
