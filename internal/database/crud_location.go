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

	"github.com/google/uuid"

	"github.com/tomtom215/daruma/internal/models"
)

// ResolveLocation returns the coordinates of the most recent location.gps fix
// from the given backbone source at or before the instant. Returns ok=false
// when no fix precedes the instant - the resolver is a step function and never
// extrapolates forward.
func (db *DB) ResolveLocation(ctx context.Context, source string, instant time.Time) (lat, lon float64, ok bool, err error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	err = db.conn.QueryRowContext(ctx,
		`SELECT lat, lon FROM entities
		 WHERE type = ? AND source = ? AND t_start <= ? AND lat IS NOT NULL
		 ORDER BY t_start DESC
		 LIMIT 1`,
		models.TypeLocationGPS, source, instant.UTC()).Scan(&lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to resolve location at %s: %w", instant.Format(time.RFC3339), err)
	}
	return lat, lon, true, nil
}

// ListGPSPoints returns the time-ordered located GPS sequence from one source.
// The detector clusters over this slim projection rather than full entities.
func (db *DB) ListGPSPoints(ctx context.Context, source string) ([]models.GPSPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT CAST(id AS VARCHAR), t_start, lat, lon FROM entities
		 WHERE type = ? AND source = ? AND lat IS NOT NULL
		 ORDER BY t_start ASC, id ASC`,
		models.TypeLocationGPS, source)
	if err != nil {
		return nil, fmt.Errorf("failed to list GPS points: %w", err)
	}
	defer closeWithLog(rows, "GPS point rows")

	var points []models.GPSPoint
	for rows.Next() {
		var (
			idStr string
			p     models.GPSPoint
		)
		if err := rows.Scan(&idStr, &p.TStart, &p.Lat, &p.Lon); err != nil {
			return nil, fmt.Errorf("failed to scan GPS point: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid GPS point id %q: %w", idStr, err)
		}
		p.ID = id
		p.TStart = p.TStart.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating GPS points: %w", err)
	}
	return points, nil
}
