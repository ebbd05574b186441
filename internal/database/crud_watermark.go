// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/daruma/internal/models"
)

// GetWatermark retrieves the ingestion watermark for a source.
// Returns nil if the source has never completed a run (no error).
func (db *DB) GetWatermark(ctx context.Context, source string) (*models.Watermark, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var w models.Watermark
	err := db.conn.QueryRowContext(ctx,
		`SELECT source, last_run, last_count, updated_at FROM source_state WHERE source = ?`,
		source).Scan(&w.Source, &w.LastRun, &w.LastCount, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark for %s: %w", source, err)
	}

	w.LastRun = w.LastRun.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

// SetWatermark records a successful ingestion run: the instant used as the
// lower bound for the next run and the count of the run just finished.
func (db *DB) SetWatermark(ctx context.Context, source string, lastRun time.Time, count int) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO source_state (source, last_run, last_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source) DO UPDATE SET
			last_run = EXCLUDED.last_run,
			last_count = EXCLUDED.last_count,
			updated_at = EXCLUDED.updated_at`,
		source, lastRun.UTC(), count, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set watermark for %s: %w", source, err)
	}
	return nil
}

// ListWatermarks returns all source watermarks ordered by source name
func (db *DB) ListWatermarks(ctx context.Context) ([]*models.Watermark, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT source, last_run, last_count, updated_at FROM source_state ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer closeWithLog(rows, "watermark rows")

	var watermarks []*models.Watermark
	for rows.Next() {
		var w models.Watermark
		if err := rows.Scan(&w.Source, &w.LastRun, &w.LastCount, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		w.LastRun = w.LastRun.UTC()
		w.UpdatedAt = w.UpdatedAt.UTC()
		watermarks = append(watermarks, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watermarks: %w", err)
	}
	return watermarks, nil
}
