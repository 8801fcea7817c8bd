package config

import (
	"testing"
	"time"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("HEIMDALL_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HEIMDALL_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HEIMDALL_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("unexpected default heartbeat interval: %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxMissedHeartbeats != 3 {
		t.Fatalf("unexpected default max missed heartbeats: %d", cfg.MaxMissedHeartbeats)
	}
}

func TestLoadAcceptsLegacyPrefix(t *testing.T) {
	t.Setenv("SIGNAGE_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("SIGNAGE_DB_BACKEND", "sqlite")
	t.Setenv("SIGNAGE_JWT_SIGNING_KEY", "supersecret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("expected sqlite backend, got %q", cfg.DBBackend)
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("HEIMDALL_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HEIMDALL_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("JWT_SIGNING_KEY", "legacy")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("HEIMDALL_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HEIMDALL_JWT_SIGNING_KEY", "supersecret")

	t.Setenv("HEIMDALL_DB_BACKEND", "oracle")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown db backend to fail")
	}
	t.Setenv("HEIMDALL_DB_BACKEND", "sqlite")

	t.Setenv("HEIMDALL_CONTENT_STORAGE", "ftp")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown content backend to fail")
	}
	t.Setenv("HEIMDALL_CONTENT_STORAGE", "fs")

	t.Setenv("HEIMDALL_BUS_BACKEND", "kafka")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown bus backend to fail")
	}
}

func TestLoadProductionRequiresStrongSigningKey(t *testing.T) {
	t.Setenv("HEIMDALL_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HEIMDALL_ENV", "production")
	t.Setenv("HEIMDALL_JWT_SIGNING_KEY", "short")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail with a short signing key")
	}

	t.Setenv("HEIMDALL_JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load with a strong key to succeed: %v", err)
	}
}

func TestLoadS3StorageRequiresBucket(t *testing.T) {
	t.Setenv("HEIMDALL_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HEIMDALL_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HEIMDALL_CONTENT_STORAGE", "s3")
	t.Setenv("S3_BUCKET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected s3 storage without a bucket to fail")
	}

	t.Setenv("HEIMDALL_S3_BUCKET", "signage-content")
	if _, err := Load(); err != nil {
		t.Fatalf("expected s3 storage with a bucket to succeed: %v", err)
	}
}
