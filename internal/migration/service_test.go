/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package migration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/heimdall_signage/internal/models"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	_ = db.AutoMigrate(&Job{})
	return NewService(db, zerolog.Nop())
}

type stubImporter struct {
	validateErr error
	importErr   error
	result      *Result
	progressed  bool
}

func (s *stubImporter) Validate(ctx context.Context, options Options) error {
	return s.validateErr
}

func (s *stubImporter) Analyze(ctx context.Context, options Options) (*Result, error) {
	return s.result, nil
}

func (s *stubImporter) Import(ctx context.Context, options Options, progress ProgressCallback) (*Result, error) {
	if progress != nil {
		progress(Progress{Phase: "importing", CurrentStep: "stub step", Percentage: 50})
		s.progressed = true
	}
	return s.result, s.importErr
}

func TestJobLifecycle(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	stub := &stubImporter{result: &Result{ScreensCreated: 3, EntriesCreated: 5}}
	svc.RegisterImporter(SourceTypeLegacy, stub)

	job, err := svc.CreateJob(ctx, SourceTypeLegacy, Options{DBHost: "legacy.local"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != JobStatusPending {
		t.Fatalf("status = %q, want pending", job.Status)
	}

	var sawProgress bool
	result, err := svc.RunJob(ctx, job.ID, func(p Progress) {
		if p.CurrentStep == "stub step" {
			sawProgress = true
		}
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if result.ScreensCreated != 3 {
		t.Fatalf("screens created = %d, want 3", result.ScreensCreated)
	}
	if !sawProgress {
		t.Fatal("progress callback never fired")
	}

	stored, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != JobStatusCompleted {
		t.Fatalf("status = %q, want completed", stored.Status)
	}
	if stored.Result == nil || stored.Result.EntriesCreated != 5 {
		t.Fatalf("persisted result = %+v", stored.Result)
	}
	if stored.StartedAt == nil || stored.CompletedAt == nil {
		t.Fatal("expected started and completed timestamps")
	}
}

func TestRunJobRecordsFailure(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	stub := &stubImporter{importErr: errors.New("source unreachable")}
	svc.RegisterImporter(SourceTypeLegacy, stub)

	job, err := svc.CreateJob(ctx, SourceTypeLegacy, Options{})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	if _, err := svc.RunJob(ctx, job.ID, nil); err == nil {
		t.Fatal("expected run error")
	}

	stored, err := svc.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.Status != JobStatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
	if !strings.Contains(stored.Error, "source unreachable") {
		t.Fatalf("error = %q", stored.Error)
	}
}

func TestCreateJobRejectsUnknownSourceAndBadOptions(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	if _, err := svc.CreateJob(ctx, SourceType("vhs"), Options{}); err == nil {
		t.Fatal("expected error for unregistered source type")
	}

	svc.RegisterImporter(SourceTypeLegacy, &stubImporter{
		validateErr: ValidationErrors{{Field: "db_host", Message: "database host is required"}},
	})
	if _, err := svc.CreateJob(ctx, SourceTypeLegacy, Options{}); err == nil {
		t.Fatal("expected validation error")
	}

	var jobs []Job
	if err := svc.db.Find(&jobs).Error; err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no persisted jobs, got %d", len(jobs))
	}
}

func TestGetJobNotFound(t *testing.T) {
	svc := setupService(t)

	_, err := svc.GetJob(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestBuildLegacyDSN(t *testing.T) {
	dsn := buildLegacyDSN(Options{DBHost: "10.0.0.5", DBName: "signage", DBUser: "reader"})
	for _, want := range []string{"host=10.0.0.5", "port=5432", "dbname=signage", "user=reader", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
	if strings.Contains(dsn, "password=") {
		t.Fatalf("dsn %q should omit empty password", dsn)
	}

	dsn = buildLegacyDSN(Options{DBHost: "h", DBName: "d", DBUser: "u", DBPassword: "hunter2", DBPort: 5433, DBSSLMode: "require"})
	for _, want := range []string{"port=5433", "sslmode=require", "password=hunter2"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
}

func TestLegacyValidateRequiresOptions(t *testing.T) {
	imp := NewLegacyImporter(nil, nil, zerolog.Nop())

	err := imp.Validate(context.Background(), Options{})
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("err = %T, want ValidationErrors", err)
	}

	fields := map[string]bool{}
	for _, ve := range verrs {
		fields[ve.Field] = true
	}
	for _, want := range []string{"db_host", "db_name", "db_user", "media_path"} {
		if !fields[want] {
			t.Fatalf("missing validation error for %s, got %v", want, fields)
		}
	}

	// Skipping media lifts the media path requirement.
	err = imp.Validate(context.Background(), Options{SkipMedia: true})
	if errors.As(err, &verrs) {
		for _, ve := range verrs {
			if ve.Field == "media_path" {
				t.Fatal("media_path should not be required with media skipped")
			}
		}
	}

	// A database file replaces the connection fields entirely.
	dbFile := filepath.Join(t.TempDir(), "legacy.db")
	if err := os.WriteFile(dbFile, nil, 0o644); err != nil {
		t.Fatalf("write db file: %v", err)
	}
	if err := imp.Validate(context.Background(), Options{DBFile: dbFile, SkipMedia: true}); err != nil {
		t.Fatalf("validate with db file: %v", err)
	}

	err = imp.Validate(context.Background(), Options{DBFile: filepath.Join(t.TempDir(), "missing.db"), SkipMedia: true})
	if !errors.As(err, &verrs) || verrs[0].Field != "db_file" {
		t.Fatalf("err = %v, want db_file validation error", err)
	}
}

func TestLegacyRoleMapping(t *testing.T) {
	tests := []struct {
		in   string
		want models.RoleName
	}{
		{"admin", models.RoleAdmin},
		{"Owner", models.RoleAdmin},
		{"approver", models.RoleApprover},
		{"supervisor", models.RoleApprover},
		{"editor", models.RoleEditor},
		{"manager", models.RoleEditor},
		{"scheduler", models.RoleEditor},
		{"kiosk", models.RoleViewer},
		{"", models.RoleViewer},
	}
	for _, tt := range tests {
		if got := legacyRole(tt.in); got != tt.want {
			t.Fatalf("legacyRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
