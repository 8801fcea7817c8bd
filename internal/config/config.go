/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Content storage backend selection.
type ContentBackend string

const (
	ContentBackendFS ContentBackend = "fs"
	ContentBackendS3 ContentBackend = "s3"
)

// Event bus backend selection.
type BusBackend string

const (
	BusMemory BusBackend = "memory"
	BusRedis  BusBackend = "redis"
	BusNATS   BusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment     string
	HTTPBind        string
	HTTPPort        int
	BaseURL         string // Public base URL (e.g., http://signage.example.com:8080)
	DBBackend       DatabaseBackend
	DBDSN           string
	JWTSigningKey   string
	DeviceTokenTTL  time.Duration // Lifetime of minted device tokens
	MetricsBind     string
	MaxUploadSizeMB int // Optional global multipart upload limit override (MB)

	// Bootstrap operator created on first run when no operators exist.
	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	// Content storage configuration
	ContentStorage ContentBackend
	ContentRoot    string // Filesystem root when ContentStorage is "fs"
	StagedAssetTTL time.Duration

	// S3 object storage configuration
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // For S3-compatible services (MinIO, Spaces, etc.)
	S3PublicBaseURL   string // Optional CDN/CloudFront URL
	S3UsePathStyle    bool   // Required for MinIO
	S3SSE             bool   // Request AES256 server side encryption on upload

	// Reconciliation engine timings
	SweepInterval  time.Duration // Full-fleet dirty sweep period
	RecheckCeiling time.Duration // Max boundary timer sleep before a forced re-check
	EvalBackoffMin time.Duration
	EvalBackoffMax time.Duration

	// Device synchronizer timings
	AckTimeout          time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	Bus                   BusBackend
	NATSURL               string
	LeaderElectionEnabled bool
	CacheEnabled          bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:     getEnvAny([]string{"HEIMDALL_ENV", "SIGNAGE_ENV"}, "development"),
		HTTPBind:        getEnvAny([]string{"HEIMDALL_HTTP_BIND", "SIGNAGE_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:        getEnvIntAny([]string{"HEIMDALL_HTTP_PORT", "SIGNAGE_HTTP_PORT"}, 8080),
		BaseURL:         getEnvAny([]string{"HEIMDALL_BASE_URL", "SIGNAGE_BASE_URL"}, ""),
		DBBackend:       DatabaseBackend(getEnvAny([]string{"HEIMDALL_DB_BACKEND", "SIGNAGE_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:           getEnvAny([]string{"HEIMDALL_DB_DSN", "SIGNAGE_DB_DSN"}, ""),
		JWTSigningKey:   getEnvAny([]string{"HEIMDALL_JWT_SIGNING_KEY", "SIGNAGE_JWT_SIGNING_KEY"}, ""),
		DeviceTokenTTL:  time.Duration(getEnvIntAny([]string{"HEIMDALL_DEVICE_TOKEN_TTL_HOURS", "SIGNAGE_DEVICE_TOKEN_TTL_HOURS"}, 720)) * time.Hour,
		MetricsBind:     getEnvAny([]string{"HEIMDALL_METRICS_BIND", "SIGNAGE_METRICS_BIND"}, "127.0.0.1:9000"),
		MaxUploadSizeMB: getEnvIntAny([]string{"HEIMDALL_MAX_UPLOAD_SIZE_MB", "SIGNAGE_MAX_UPLOAD_SIZE_MB"}, 0),

		BootstrapAdminEmail:    getEnvAny([]string{"HEIMDALL_BOOTSTRAP_ADMIN_EMAIL", "SIGNAGE_BOOTSTRAP_ADMIN_EMAIL"}, ""),
		BootstrapAdminPassword: getEnvAny([]string{"HEIMDALL_BOOTSTRAP_ADMIN_PASSWORD", "SIGNAGE_BOOTSTRAP_ADMIN_PASSWORD"}, ""),

		// Content storage configuration
		ContentStorage: ContentBackend(getEnvAny([]string{"HEIMDALL_CONTENT_STORAGE", "SIGNAGE_CONTENT_STORAGE"}, string(ContentBackendFS))),
		ContentRoot:    getEnvAny([]string{"HEIMDALL_CONTENT_ROOT", "SIGNAGE_CONTENT_ROOT"}, "./content"),
		StagedAssetTTL: time.Duration(getEnvIntAny([]string{"HEIMDALL_STAGED_ASSET_TTL_HOURS", "SIGNAGE_STAGED_ASSET_TTL_HOURS"}, 24)) * time.Hour,

		// S3 object storage configuration
		S3AccessKeyID:     getEnvAny([]string{"HEIMDALL_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"HEIMDALL_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"HEIMDALL_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"HEIMDALL_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"HEIMDALL_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL:   getEnvAny([]string{"HEIMDALL_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"HEIMDALL_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),
		S3SSE:             getEnvBoolAny([]string{"HEIMDALL_S3_SSE", "S3_SSE"}, false),

		// Reconciliation engine timings
		SweepInterval:  time.Duration(getEnvIntAny([]string{"HEIMDALL_SWEEP_INTERVAL_SECONDS", "SIGNAGE_SWEEP_INTERVAL_SECONDS"}, 60)) * time.Second,
		RecheckCeiling: time.Duration(getEnvIntAny([]string{"HEIMDALL_RECHECK_CEILING_SECONDS", "SIGNAGE_RECHECK_CEILING_SECONDS"}, 300)) * time.Second,
		EvalBackoffMin: time.Duration(getEnvIntAny([]string{"HEIMDALL_EVAL_BACKOFF_MIN_SECONDS", "SIGNAGE_EVAL_BACKOFF_MIN_SECONDS"}, 1)) * time.Second,
		EvalBackoffMax: time.Duration(getEnvIntAny([]string{"HEIMDALL_EVAL_BACKOFF_MAX_SECONDS", "SIGNAGE_EVAL_BACKOFF_MAX_SECONDS"}, 30)) * time.Second,

		// Device synchronizer timings
		AckTimeout:          time.Duration(getEnvIntAny([]string{"HEIMDALL_ACK_TIMEOUT_SECONDS", "SIGNAGE_ACK_TIMEOUT_SECONDS"}, 10)) * time.Second,
		HeartbeatInterval:   time.Duration(getEnvIntAny([]string{"HEIMDALL_HEARTBEAT_INTERVAL_SECONDS", "SIGNAGE_HEARTBEAT_INTERVAL_SECONDS"}, 15)) * time.Second,
		MaxMissedHeartbeats: getEnvIntAny([]string{"HEIMDALL_MAX_MISSED_HEARTBEATS", "SIGNAGE_MAX_MISSED_HEARTBEATS"}, 3),

		// Tracing configuration
		TracingEnabled:    getEnvBoolAny([]string{"HEIMDALL_TRACING_ENABLED", "SIGNAGE_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"HEIMDALL_OTLP_ENDPOINT", "SIGNAGE_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"HEIMDALL_TRACING_SAMPLE_RATE", "SIGNAGE_TRACING_SAMPLE_RATE"}, 1.0),

		// Multi-instance configuration
		Bus:                   BusBackend(getEnvAny([]string{"HEIMDALL_BUS_BACKEND", "SIGNAGE_BUS_BACKEND"}, string(BusMemory))),
		NATSURL:               getEnvAny([]string{"HEIMDALL_NATS_URL", "SIGNAGE_NATS_URL"}, "nats://localhost:4222"),
		LeaderElectionEnabled: getEnvBoolAny([]string{"HEIMDALL_LEADER_ELECTION_ENABLED", "SIGNAGE_LEADER_ELECTION_ENABLED"}, false),
		CacheEnabled:          getEnvBoolAny([]string{"HEIMDALL_CACHE_ENABLED", "SIGNAGE_CACHE_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"HEIMDALL_REDIS_ADDR", "SIGNAGE_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"HEIMDALL_REDIS_PASSWORD", "SIGNAGE_REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"HEIMDALL_REDIS_DB", "SIGNAGE_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"HEIMDALL_INSTANCE_ID", "SIGNAGE_INSTANCE_ID"}, ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("HEIMDALL_DB_DSN or SIGNAGE_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("HEIMDALL_JWT_SIGNING_KEY or SIGNAGE_JWT_SIGNING_KEY must be provided")
	}

	if cfg.ContentStorage != ContentBackendFS && cfg.ContentStorage != ContentBackendS3 {
		return nil, fmt.Errorf("unsupported content storage backend %q", cfg.ContentStorage)
	}

	if cfg.ContentStorage == ContentBackendS3 && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("HEIMDALL_S3_BUCKET must be provided when content storage is s3")
	}

	if cfg.Bus != BusMemory && cfg.Bus != BusRedis && cfg.Bus != BusNATS {
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.Bus)
	}

	if cfg.MaxMissedHeartbeats < 1 {
		return nil, fmt.Errorf("HEIMDALL_MAX_MISSED_HEARTBEATS must be at least 1")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if len(cfg.JWTSigningKey) < 32 {
			return nil, fmt.Errorf("HEIMDALL_JWT_SIGNING_KEY must be at least 32 bytes in production")
		}

		if cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 12 {
			return nil, fmt.Errorf("HEIMDALL_BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters in production")
		}
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":             "use HEIMDALL_ENV (or SIGNAGE_ENV)",
		"LEADER_ELECTION_ENABLED": "use HEIMDALL_LEADER_ELECTION_ENABLED",
		"JWT_SIGNING_KEY":         "use HEIMDALL_JWT_SIGNING_KEY (or SIGNAGE_JWT_SIGNING_KEY)",
		"TRACING_ENABLED":         "use HEIMDALL_TRACING_ENABLED (or SIGNAGE_TRACING_ENABLED)",
		"OTLP_ENDPOINT":           "use HEIMDALL_OTLP_ENDPOINT (or SIGNAGE_OTLP_ENDPOINT)",
		"TRACING_SAMPLE_RATE":     "use HEIMDALL_TRACING_SAMPLE_RATE (or SIGNAGE_TRACING_SAMPLE_RATE)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// MaxUploadSizeBytes returns the configured upload limit in bytes.
// A value of 0 means "not configured" and callers should use endpoint defaults.
func (c *Config) MaxUploadSizeBytes() int64 {
	if c == nil || c.MaxUploadSizeMB <= 0 {
		return 0
	}
	return int64(c.MaxUploadSizeMB) * 1024 * 1024
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
