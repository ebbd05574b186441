// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_KEY", "test-api-key-0123456789abcdef")
	t.Setenv("DATABASE_PATH", ":memory:")
	// Keep the search away from any config.yaml in the working directory
	t.Setenv("CONFIG_PATH", "/nonexistent/config.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "2GB", cfg.Database.MaxMemory)
	assert.Equal(t, 4326, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Server.ExportTimeout)
	assert.Equal(t, time.Hour, cfg.Ingest.Interval)
	assert.Equal(t, "arc", cfg.Ingest.EnrichSource)
	assert.True(t, cfg.Ingest.Epoch.Equal(time.Unix(0, 0).UTC()))
	assert.Equal(t, 100.0, cfg.Detect.EpsilonMeters)
	assert.Equal(t, 30*time.Minute, cfg.Detect.MaxGap)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "test-api-key-0123456789abcdef")
	t.Setenv("DATABASE_PATH", "/tmp/daruma-test.duckdb")
	t.Setenv("PORT", "8080")
	t.Setenv("INGEST_INTERVAL", "15m")
	t.Setenv("ARC_EXPORT_DIR", "/exports/arc")
	t.Setenv("DETECT_MIN_SAMPLES", "10")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CONFIG_PATH", "/nonexistent/config.yaml")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/daruma-test.duckdb", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Ingest.Interval)
	assert.Equal(t, "/exports/arc", cfg.Ingest.ArcExportDir)
	assert.Equal(t, 10, cfg.Detect.MinSamples)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.CORSOrigins)
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("DATABASE_PATH", ":memory:")
	t.Setenv("CONFIG_PATH", "/nonexistent/config.yaml")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Security.APIKey = "test-api-key-0123456789abcdef"
		return cfg
	}

	assert.NoError(t, base().Validate())

	short := base()
	short.Security.APIKey = "too-short"
	assert.Error(t, short.Validate())

	badPort := base()
	badPort.Server.Port = 0
	assert.Error(t, badPort.Validate())

	noPath := base()
	noPath.Database.Path = ""
	assert.Error(t, noPath.Validate())

	badInterval := base()
	badInterval.Ingest.Interval = 0
	assert.Error(t, badInterval.Validate())

	badEpsilon := base()
	badEpsilon.Detect.EpsilonMeters = 0
	assert.Error(t, badEpsilon.Validate())
}

func TestAddr(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 4326}
	assert.Equal(t, "127.0.0.1:4326", cfg.Addr())
}
