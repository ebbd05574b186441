// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/models"
)

// GetStats returns store totals, the by-type breakdown, time coverage, and
// on-disk sizes for the stats endpoint.
func (db *DB) GetStats(ctx context.Context) (*models.StatsResponse, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	stats := &models.StatsResponse{
		EntitiesByType: []models.TypeCount{},
		UptimeSeconds:  time.Since(db.startedAt).Seconds(),
	}

	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&stats.TotalEntities); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT type, COUNT(*) AS count FROM entities GROUP BY type ORDER BY count DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities by type: %w", err)
	}
	defer closeWithLog(rows, "type count rows")

	for rows.Next() {
		var tc models.TypeCount
		if err := rows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.EntitiesByType = append(stats.EntitiesByType, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating type counts: %w", err)
	}

	// Coverage spans from the earliest start to the latest end of any span
	var oldest, newest sql.NullTime
	err = db.conn.QueryRowContext(ctx,
		`SELECT MIN(t_start), MAX(COALESCE(t_end, t_start)) FROM entities`).Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get time coverage: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time.UTC()
		stats.TimeCoverage.Oldest = &t
	}
	if newest.Valid {
		t := newest.Time.UTC()
		stats.TimeCoverage.Newest = &t
	}

	stats.Database = db.databaseSizes(ctx)

	return stats, nil
}

// databaseSizes reports approximate on-disk sizes. DuckDB exposes used block
// counts rather than per-relation byte sizes, so the table figure is the used
// block total and the index figure is the remainder of the file. Sizes are
// zero for in-memory databases. Failures degrade to zeros rather than failing
// the stats request.
func (db *DB) databaseSizes(ctx context.Context) models.DatabaseStats {
	var sizes models.DatabaseStats

	if db.cfg.Path != ":memory:" {
		if info, err := os.Stat(db.cfg.Path); err == nil {
			sizes.SizeMB = float64(info.Size()) / (1024.0 * 1024.0)
		}
	}

	var usedBytes sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT block_size * used_blocks FROM pragma_database_size()`).Scan(&usedBytes)
	if err != nil {
		logging.Debug().Err(err).Msg("Failed to read database size pragma")
		return sizes
	}
	if usedBytes.Valid {
		sizes.TableSizeMB = float64(usedBytes.Int64) / (1024.0 * 1024.0)
	}
	if diff := sizes.SizeMB - sizes.TableSizeMB; diff > 0 {
		sizes.IndexSizeMB = diff
	}

	return sizes
}
