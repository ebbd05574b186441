// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration loaded from environment variables
// and an optional YAML config file.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml) for persistent settings
//  3. Environment Variables: Override any setting via environment variables
//
// Thread Safety:
// Config is immutable after Load() and safe for concurrent read access from
// multiple goroutines.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Detect   DetectConfig   `koanf:"detect"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DatabaseConfig holds DuckDB settings.
//
// Environment Variables:
//   - DATABASE_PATH: DuckDB database file path (default: /data/daruma.duckdb)
//   - DATABASE_MAX_MEMORY: DuckDB memory limit (default: 2GB)
//   - DATABASE_THREADS: DuckDB thread count (0 = runtime.NumCPU())
type DatabaseConfig struct {
	Path                   string `koanf:"path"`
	MaxMemory              string `koanf:"max_memory"`
	Threads                int    `koanf:"threads"`
	PreserveInsertionOrder bool   `koanf:"preserve_insertion_order"`

	// SkipIndexes disables index creation during schema init. Used by tests to
	// avoid repeated index builds on throwaway in-memory databases.
	SkipIndexes bool `koanf:"skip_indexes"`
}

// ServerConfig holds HTTP server settings.
//
// Environment Variables:
//   - HOST: Listen address (default: 0.0.0.0)
//   - PORT: Listen port (default: 4326, after the WGS84 SRID)
//   - SERVER_TIMEOUT: Per-request wall-clock budget (default: 30s)
//   - EXPORT_TIMEOUT: Budget for streaming export requests (default: 30m)
type ServerConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	Timeout       time.Duration `koanf:"timeout"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
}

// SecurityConfig holds the shared-secret API authentication and rate limiting.
//
// Environment Variables:
//   - API_KEY: Shared secret for the X-API-Key header (required)
//   - RATE_LIMIT_REQUESTS / RATE_LIMIT_WINDOW / RATE_LIMIT_DISABLED
//   - CORS_ORIGINS: Comma-separated allowed origins
type SecurityConfig struct {
	APIKey            string        `koanf:"api_key"`
	RateLimitReqs     int           `koanf:"rate_limit_requests"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// IngestConfig holds ingestion engine settings.
//
// Environment Variables:
//   - INGEST_EPOCH: Watermark default for sources that have never run
//     (RFC3339, default: 1970-01-01T00:00:00Z)
//   - INGEST_INTERVAL: Scheduler cadence for periodic runs (default: 1h)
//   - INGEST_RATE_LIMIT: Upserts per second per run, 0 = unlimited (default: 0)
//   - ENRICH_SOURCE: Backbone source for location enrichment (default: arc)
//   - ARC_EXPORT_DIR: Directory of Arc app daily JSON exports
type IngestConfig struct {
	Epoch        time.Time     `koanf:"epoch"`
	Interval     time.Duration `koanf:"interval"`
	RateLimit    float64       `koanf:"rate_limit"`
	EnrichSource string        `koanf:"enrich_source"`
	ArcExportDir string        `koanf:"arc_export_dir"`
}

// DetectConfig holds place/visit detection parameters.
//
// Environment Variables: DETECT_EPSILON_METERS, DETECT_MIN_SAMPLES,
// DETECT_MIN_VISIT_COUNT, DETECT_MIN_DWELL_HOURS, DETECT_MAX_GAP,
// DETECT_MIN_DWELL.
type DetectConfig struct {
	EpsilonMeters      float64       `koanf:"epsilon_meters"`
	MinSamples         int           `koanf:"min_samples"`
	MinVisitCount      int           `koanf:"min_visit_count"`
	MinTotalDwellHours float64       `koanf:"min_dwell_hours"`
	MaxGap             time.Duration `koanf:"max_gap"`
	MinDwell           time.Duration `koanf:"min_dwell"`
}

// LoggingConfig holds log level and format settings.
//
// Environment Variables: LOG_LEVEL, LOG_FORMAT, LOG_CALLER.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for required fields and malformed values.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required (DATABASE_PATH)")
	}
	if c.Security.APIKey == "" {
		return fmt.Errorf("API key is required (API_KEY)")
	}
	if len(c.Security.APIKey) < 16 {
		return fmt.Errorf("API key must be at least 16 characters")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Ingest.Interval <= 0 {
		return fmt.Errorf("ingest interval must be positive")
	}
	if c.Detect.EpsilonMeters <= 0 {
		return fmt.Errorf("detect epsilon must be positive")
	}
	return nil
}

// Addr returns the host:port listen address for the HTTP server.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
