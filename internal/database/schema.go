// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

/*
schema.go - Database Schema Management

Tables:
  - entities: The unified store. One row per timestamped, optionally located
    record of any type (GPS fix, listened track, photo, place, visit, ...).
  - source_state: Per-source ingestion watermarks.
  - schema_migrations: Versioned migration tracking (see migrations.go).

Derived columns:
DuckDB has no triggers, so the derived columns (geom, t_range_start,
t_range_end, updated_at) are maintained by the store's write path in
crud_entity.go. Callers never set them; any values supplied are ignored.
The t_range closed interval is stored as the column pair
(t_range_start, t_range_end) = (t_start, coalesce(t_end, t_start)).

Index Strategy:
  - (type, t_start DESC): composite index driving time queries and the
    per-bin bounded lookups of the uniform-time resampler
  - t_range_start / t_range_end: interval overlap predicate
  - (source, external_id) UNIQUE: upsert dedup key. DuckDB allows multiple
    NULLs in unique indexes, so rows without a dedup key are unconstrained
  - RTREE on geom (spatial builds only): bbox envelope queries
*/

//nolint:staticcheck // File documentation, not package doc
package database

import (
	"fmt"
)

// createTables creates the core database tables
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	queries := db.getTableCreationQueries()

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}

// getTableCreationQueries returns the table creation SQL statements
func (db *DB) getTableCreationQueries() []string {
	var queries []string

	// Entities table (varies based on spatial availability)
	if db.spatialAvailable {
		queries = append(queries, `CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			t_start TIMESTAMP NOT NULL,
			t_end TIMESTAMP,
			lat DOUBLE,
			lon DOUBLE,
			geom GEOMETRY,
			t_range_start TIMESTAMP NOT NULL,
			t_range_end TIMESTAMP NOT NULL,
			name TEXT,
			color TEXT,
			render_offset DOUBLE NOT NULL DEFAULT 0,
			source TEXT,
			external_id TEXT,
			loc_source TEXT,
			payload TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`)
	} else {
		queries = append(queries, `CREATE TABLE IF NOT EXISTS entities (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			t_start TIMESTAMP NOT NULL,
			t_end TIMESTAMP,
			lat DOUBLE,
			lon DOUBLE,
			t_range_start TIMESTAMP NOT NULL,
			t_range_end TIMESTAMP NOT NULL,
			name TEXT,
			color TEXT,
			render_offset DOUBLE NOT NULL DEFAULT 0,
			source TEXT,
			external_id TEXT,
			loc_source TEXT,
			payload TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`)
	}

	// Source watermarks
	queries = append(queries, `CREATE TABLE IF NOT EXISTS source_state (
		source TEXT PRIMARY KEY,
		last_run TIMESTAMP NOT NULL,
		last_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`)

	return queries
}

// createIndexes creates database indexes for query optimization.
// Skips index creation if cfg.SkipIndexes is true (for fast test setup).
func (db *DB) createIndexes() error {
	if db.cfg != nil && db.cfg.SkipIndexes {
		return nil
	}

	return db.doCreateIndexes()
}

// CreateIndexes creates all database indexes.
// This is exposed for tests that specifically need indexes; most tests should
// use SkipIndexes: true for fast setup.
func (db *DB) CreateIndexes() error {
	return db.doCreateIndexes()
}

// doCreateIndexes is the internal implementation that creates all indexes.
func (db *DB) doCreateIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := db.getIndexQueries()

	for _, query := range indexes {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute index query: %s: %w", query, err)
		}
	}

	return nil
}

// getIndexQueries returns index creation SQL statements
func (db *DB) getIndexQueries() []string {
	indexes := []string{
		// Composite index for time queries and resample bin lookups
		`CREATE INDEX IF NOT EXISTS idx_entities_type_tstart ON entities(type, t_start DESC);`,

		// Individual time indexes
		`CREATE INDEX IF NOT EXISTS idx_entities_tstart ON entities(t_start);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_tend ON entities(t_end);`,

		// Interval overlap predicate: t_range_start <= t1 AND t_range_end >= t0
		`CREATE INDEX IF NOT EXISTS idx_entities_trange_start ON entities(t_range_start);`,
		`CREATE INDEX IF NOT EXISTS idx_entities_trange_end ON entities(t_range_end);`,

		// Upsert dedup key. NULLs are allowed and unconstrained - DuckDB
		// permits multiple NULLs in unique indexes.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_source_external ON entities(source, external_id);`,

		// Ingestion watermark lookups are by primary key already; index the
		// update ordering for the watermark listing endpoint.
		`CREATE INDEX IF NOT EXISTS idx_source_state_updated ON source_state(updated_at);`,
	}

	if db.spatialAvailable {
		// R-tree spatial index on geometry column for bbox envelope queries
		indexes = append(indexes,
			`CREATE INDEX IF NOT EXISTS idx_entities_geom ON entities USING RTREE (geom);`)
	}

	return indexes
}
