// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

/*
database_extensions.go - DuckDB Extension Installation

Required Extensions:
  - httpfs: Enables HTTPS downloads for extension installation
  - spatial: Provides GEOMETRY types, ST_* functions, and R-tree spatial indexes
  - icu: Timezone-aware timestamp operations
  - json: JSON payload processing and path-based extraction

Installation Strategy:
Each extension follows a fallback installation pattern:
 1. Try INSTALL <extension>
 2. If install fails, try LOAD <extension> (may already be installed)
 3. If load fails, try FORCE INSTALL <extension>
 4. If optional=true and all fail, disable feature gracefully

Environment Variables:
  - DUCKDB_SPATIAL_OPTIONAL=true: Allow startup without extensions (testing only)
  - DUCKDB_EXTENSION_TIMEOUT: Override the default 30s extension operation timeout
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/tomtom215/daruma/internal/logging"
)

// extensionTimeout is the hard timeout for extension operations. CGO calls
// don't respect context cancellation, so timeouts are goroutine-based.
var extensionTimeout = getExtensionTimeout()

// extensionRetryConfig controls retry behavior for extension operations
type extensionRetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BackoffMult float64
}

// defaultRetryConfig provides sensible defaults for extension loading retries
var defaultRetryConfig = extensionRetryConfig{
	MaxRetries:  3,
	BaseDelay:   2 * time.Second,
	MaxDelay:    30 * time.Second,
	BackoffMult: 2.0,
}

func getExtensionTimeout() time.Duration {
	if timeoutStr := os.Getenv("DUCKDB_EXTENSION_TIMEOUT"); timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// duckdbVersion is the DuckDB version used for extension paths.
// This must match the duckdb-go-bindings version in go.mod.
const duckdbVersion = "v1.4.3"

// isExtensionInstalledLocally checks if an extension file exists in the local
// DuckDB extension directory, allowing network INSTALL commands to be skipped
// when extensions are pre-installed.
func isExtensionInstalledLocally(extensionName string) bool {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return false
	}

	// ~/.duckdb/extensions/{version}/{platform}/{name}.duckdb_extension
	platform := runtime.GOOS + "_" + runtime.GOARCH
	extPath := filepath.Join(homeDir, ".duckdb", "extensions", duckdbVersion, platform, extensionName+".duckdb_extension")

	_, err = os.Stat(extPath)
	return err == nil
}

// execResult holds the result of an async exec operation
type execResult struct {
	err error
}

// execWithHardTimeout executes a SQL statement with a goroutine-based hard
// timeout, since DuckDB CGO calls don't respect context cancellation.
func (db *DB) execWithHardTimeout(query string) error {
	resultCh := make(chan execResult, 1)

	ctx, cancel := extensionContext()
	defer cancel()

	go func() {
		_, err := db.conn.ExecContext(ctx, query)
		resultCh <- execResult{err: err}
	}()

	select {
	case result := <-resultCh:
		return result.err
	case <-time.After(extensionTimeout):
		return fmt.Errorf("operation timed out after %v", extensionTimeout)
	}
}

// execWithRetry executes a SQL statement with retry logic and exponential
// backoff, handling transient network failures during extension downloads.
func (db *DB) execWithRetry(query string, config extensionRetryConfig) error {
	var lastErr error
	delay := config.BaseDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			logging.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("query", query).
				Msg("Retrying extension operation")
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * config.BackoffMult)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		err := db.execWithHardTimeout(query)
		if err == nil {
			return nil
		}
		lastErr = err

		errStr := err.Error()
		isRetryable := strings.Contains(errStr, "timed out") ||
			strings.Contains(errStr, "timeout") ||
			strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "503") ||
			strings.Contains(errStr, "temporary failure")

		if !isRetryable {
			return err
		}

		logging.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Msg("Extension operation failed, will retry")
	}

	return fmt.Errorf("extension operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// extensionSpec defines the specification for installing a DuckDB extension
type extensionSpec struct {
	Name              string
	VerifyQuery       string
	AvailabilityField func(*DB) *bool
	WarningMessage    string
}

// installCoreExtension installs a core extension using the standard pattern.
// Uses retry logic for INSTALL commands to handle transient network failures.
func (db *DB) installCoreExtension(spec *extensionSpec, optional bool) error {
	if isExtensionInstalledLocally(spec.Name) {
		logging.Debug().Str("extension", spec.Name).Msg("Extension found locally, skipping download")
	}

	var installErr error

	if err := db.execWithRetry(fmt.Sprintf("INSTALL %s;", spec.Name), defaultRetryConfig); err != nil {
		installErr = err
		if loadErr := db.execWithHardTimeout(fmt.Sprintf("LOAD %s;", spec.Name)); loadErr != nil {
			if forceErr := db.execWithRetry(fmt.Sprintf("FORCE INSTALL %s;", spec.Name), defaultRetryConfig); forceErr != nil {
				if optional {
					db.setExtensionUnavailable(spec)
					return nil
				}
				return fmt.Errorf("failed to install %s extension after retries: install error: %w, load error: %w, force install error: %w",
					spec.Name, installErr, loadErr, forceErr)
			}
		} else {
			// LOAD succeeded - extension is already installed
			return db.verifyExtension(spec, optional)
		}
	}

	if err := db.execWithHardTimeout(fmt.Sprintf("LOAD %s;", spec.Name)); err != nil {
		if optional {
			db.setExtensionUnavailable(spec)
			logging.Warn().Str("extension", spec.Name).Err(err).Msg("Failed to load extension")
			return nil
		}
		return fmt.Errorf("failed to load %s extension: %w", spec.Name, err)
	}

	return db.verifyExtension(spec, optional)
}

// verifyExtension verifies an extension is working by running a test query
func (db *DB) verifyExtension(spec *extensionSpec, optional bool) error {
	if spec.VerifyQuery != "" {
		resultCh := make(chan execResult, 1)
		ctx, cancel := extensionContext()
		defer cancel()

		go func() {
			var discard any
			err := db.conn.QueryRowContext(ctx, spec.VerifyQuery).Scan(&discard)
			resultCh <- execResult{err: err}
		}()

		var err error
		select {
		case result := <-resultCh:
			err = result.err
		case <-time.After(extensionTimeout):
			err = fmt.Errorf("verify query timed out after %v", extensionTimeout)
		}

		if err != nil {
			if optional {
				db.setExtensionUnavailable(spec)
				logging.Warn().Str("extension", spec.Name).Err(err).Msg("Extension functions unavailable")
				return nil
			}
			return fmt.Errorf("%s extension loaded but functions unavailable: %w", spec.Name, err)
		}
	}

	db.setExtensionAvailable(spec)
	return nil
}

func (db *DB) setExtensionUnavailable(spec *extensionSpec) {
	if field := spec.AvailabilityField; field != nil {
		*field(db) = false
	}
	if spec.WarningMessage != "" {
		logging.Warn().Str("extension", spec.Name).Msg(spec.WarningMessage)
	}
}

func (db *DB) setExtensionAvailable(spec *extensionSpec) {
	if field := spec.AvailabilityField; field != nil {
		*field(db) = true
	}
}

// installExtensions installs and loads all required DuckDB extensions.
// Returns error if required extensions fail to load, unless
// DUCKDB_SPATIAL_OPTIONAL=true allows a degraded startup.
func (db *DB) installExtensions() error {
	spatialOptional := os.Getenv("DUCKDB_SPATIAL_OPTIONAL") == "true"

	if err := db.configureExtensionRepository(); err != nil {
		logging.Warn().Err(err).Msg("Failed to set custom extension repository, will use default")
	}

	// httpfs first - it is the download path for the others
	if err := db.installHttpfs(); err != nil {
		logging.Warn().Err(err).Msg("Failed to install/load httpfs extension, spatial extension may fail")
	}

	specs := []*extensionSpec{
		{
			Name:              "spatial",
			VerifyQuery:       "SELECT ST_X(ST_Point(1.0, 2.0))",
			AvailabilityField: func(db *DB) *bool { return &db.spatialAvailable },
			WarningMessage:    "Spatial extension unavailable (DUCKDB_SPATIAL_OPTIONAL=true), creating tables without GEOMETRY columns",
		},
		{
			Name:              "icu",
			VerifyQuery:       "SELECT timezone('America/New_York', TIMESTAMP '2024-01-01 12:00:00')::VARCHAR",
			AvailabilityField: func(db *DB) *bool { return &db.icuAvailable },
			WarningMessage:    "ICU extension unavailable (DUCKDB_SPATIAL_OPTIONAL=true), timezone operations will be limited",
		},
		{
			Name:              "json",
			VerifyQuery:       "SELECT json_extract('{\"name\":\"test\"}', '$.name')::VARCHAR",
			AvailabilityField: func(db *DB) *bool { return &db.jsonAvailable },
			WarningMessage:    "JSON extension unavailable (DUCKDB_SPATIAL_OPTIONAL=true), rename propagation will use the row-scan path",
		},
	}
	for _, spec := range specs {
		if err := db.installCoreExtension(spec, spatialOptional); err != nil {
			return err
		}
	}

	return nil
}

// configureExtensionRepository sets HTTPS for extension downloads
func (db *DB) configureExtensionRepository() error {
	return db.execWithHardTimeout("SET custom_extension_repository = 'https://extensions.duckdb.org';")
}

// installHttpfs installs the httpfs extension for HTTPS downloads
func (db *DB) installHttpfs() error {
	if isExtensionInstalledLocally("httpfs") {
		logging.Debug().Msg("httpfs extension found locally")
	}

	if err := db.execWithRetry("INSTALL httpfs;", defaultRetryConfig); err != nil {
		if loadErr := db.execWithHardTimeout("LOAD httpfs;"); loadErr != nil {
			return fmt.Errorf("httpfs install error: %w, load error: %w", err, loadErr)
		}
		return nil
	}
	return db.execWithHardTimeout("LOAD httpfs;")
}
