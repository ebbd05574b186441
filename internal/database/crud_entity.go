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

	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/models"
)

// UpsertEntity inserts or updates an entity.
//
// When (source, external_id) is set and already present, the writable fields
// of the existing row are replaced in place and the stable id is returned
// with status "updated". Otherwise a fresh row is inserted with a new id and
// status "inserted".
//
// The derived columns (geom, t_range_start, t_range_end, updated_at) are
// maintained here; any values the caller carries for them are ignored.
//
// Uses per-key locking to serialize concurrent upserts of the same logical
// entity, with retry on DuckDB transaction conflicts.
func (db *DB) UpsertEntity(ctx context.Context, e *models.Entity) (*models.UpsertResult, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntity, err)
	}

	if e.HasDedupeKey() {
		mu := db.acquireKeyLock(*e.Source + "|" + *e.ExternalID)
		defer db.releaseKeyLock(mu)
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	// Retry logic for transaction conflicts
	const maxRetries = 3
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := db.doUpsertEntity(ctx, e)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation timed out or canceled: %w", ctx.Err())
		}

		if isInternalError(err) {
			// INTERNAL errors are fatal bugs - don't retry, fail immediately
			return nil, fmt.Errorf("FATAL: DuckDB internal error (this should not happen with per-key locking): %w", err)
		}

		if isTransactionConflict(err) {
			if attempt < maxRetries-1 {
				backoff := time.Millisecond * time.Duration(1<<uint(attempt)) // 1ms, 2ms, 4ms
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		// Other errors (validation, database closed, etc.) - don't retry
		return nil, err
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doUpsertEntity performs the actual upsert operation (internal helper)
func (db *DB) doUpsertEntity(ctx context.Context, e *models.Entity) (*models.UpsertResult, error) {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}

	tStart := e.TStart.UTC()
	// t_range is the closed interval [t_start, coalesce(t_end, t_start)]
	tRangeEnd := tStart
	if e.TEnd != nil {
		tRangeEnd = e.TEnd.UTC()
	}
	now := time.Now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logging.Warn().Err(err).Msg("Failed to roll back upsert transaction")
		}
	}()

	var existingID string
	if e.HasDedupeKey() {
		err = tx.QueryRowContext(ctx,
			`SELECT CAST(id AS VARCHAR) FROM entities WHERE source = ? AND external_id = ?`,
			*e.Source, *e.ExternalID).Scan(&existingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up existing entity: %w", err)
		}
	}

	var result models.UpsertResult

	if existingID != "" {
		id, err := uuid.Parse(existingID)
		if err != nil {
			return nil, fmt.Errorf("invalid stored entity id %q: %w", existingID, err)
		}

		var query string
		var args []any
		if db.spatialAvailable {
			// ST_Point is NULL-propagating, so absent coordinates yield NULL geom
			query = `UPDATE entities SET
				type = ?, t_start = ?, t_end = ?, lat = ?, lon = ?, geom = ST_Point(?, ?),
				t_range_start = ?, t_range_end = ?,
				name = ?, color = ?, render_offset = ?, loc_source = ?, payload = ?,
				updated_at = ?
			WHERE id = ?`
			args = []any{
				e.Type, tStart, nullTime(e.TEnd), nullFloat(e.Lat), nullFloat(e.Lon), nullFloat(e.Lon), nullFloat(e.Lat),
				tStart, tRangeEnd,
				nullString(e.Name), nullString(e.Color), e.RenderOffset, nullString(e.LocSource), payload,
				now, id.String(),
			}
		} else {
			query = `UPDATE entities SET
				type = ?, t_start = ?, t_end = ?, lat = ?, lon = ?,
				t_range_start = ?, t_range_end = ?,
				name = ?, color = ?, render_offset = ?, loc_source = ?, payload = ?,
				updated_at = ?
			WHERE id = ?`
			args = []any{
				e.Type, tStart, nullTime(e.TEnd), nullFloat(e.Lat), nullFloat(e.Lon),
				tStart, tRangeEnd,
				nullString(e.Name), nullString(e.Color), e.RenderOffset, nullString(e.LocSource), payload,
				now, id.String(),
			}
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("failed to update entity: %w", err)
		}

		result = models.UpsertResult{ID: id, Status: models.StatusUpdated}
	} else {
		id := e.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		var query string
		var args []any
		if db.spatialAvailable {
			query = `INSERT INTO entities (
				id, type, t_start, t_end, lat, lon, geom,
				t_range_start, t_range_end,
				name, color, render_offset, source, external_id, loc_source, payload,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ST_Point(?, ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			args = []any{
				id.String(), e.Type, tStart, nullTime(e.TEnd), nullFloat(e.Lat), nullFloat(e.Lon), nullFloat(e.Lon), nullFloat(e.Lat),
				tStart, tRangeEnd,
				nullString(e.Name), nullString(e.Color), e.RenderOffset, nullString(e.Source), nullString(e.ExternalID), nullString(e.LocSource), payload,
				now, now,
			}
		} else {
			query = `INSERT INTO entities (
				id, type, t_start, t_end, lat, lon,
				t_range_start, t_range_end,
				name, color, render_offset, source, external_id, loc_source, payload,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			args = []any{
				id.String(), e.Type, tStart, nullTime(e.TEnd), nullFloat(e.Lat), nullFloat(e.Lon),
				tStart, tRangeEnd,
				nullString(e.Name), nullString(e.Color), e.RenderOffset, nullString(e.Source), nullString(e.ExternalID), nullString(e.LocSource), payload,
				now, now,
			}
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("failed to insert entity: %w", err)
		}

		result = models.UpsertResult{ID: id, Status: models.StatusInserted}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}

	return &result, nil
}

// BulkUpsert upserts a batch of entities, one upsert per entity so each pair
// serializes on its own (source, external_id) lock. Entities that fail
// validation are counted as errors and skipped; storage failures abort the
// batch. Re-running an aborted batch is safe - duplicates collapse on the
// unique key.
func (db *DB) BulkUpsert(ctx context.Context, entities []*models.Entity) (*models.BatchResult, error) {
	result := &models.BatchResult{Total: len(entities)}

	for _, e := range entities {
		res, err := db.UpsertEntity(ctx, e)
		if err != nil {
			if errors.Is(err, ErrInvalidEntity) {
				result.Errors++
				continue
			}
			return nil, err
		}
		switch res.Status {
		case models.StatusInserted:
			result.Inserted++
		case models.StatusUpdated:
			result.Updated++
		}
	}

	return result, nil
}

// GetEntity retrieves a single entity by id. Returns nil if not found (no error).
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = ?`

	e, err := scanEntity(db.conn.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// GetEntityByKey retrieves a single entity by its (source, external_id)
// dedupe key. Returns nil if not found (no error).
func (db *DB) GetEntityByKey(ctx context.Context, source, externalID string) (*models.Entity, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + entityColumns + ` FROM entities WHERE source = ? AND external_id = ?`

	e, err := scanEntity(db.conn.QueryRowContext(ctx, query, source, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity by key: %w", err)
	}
	return e, nil
}

// QueryTime returns entities whose t_range overlaps [start, end] and whose
// type is in the requested set, ordered by t_start and bounded by limit.
//
// Overlap of closed intervals [a,b] and [start,end] is
// a <= end AND b >= start, planned over the t_range_start/t_range_end indexes.
func (db *DB) QueryTime(ctx context.Context, req *models.TimeQueryRequest) ([]*models.Entity, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if req.Resampling() {
		return db.resampleUniformTime(ctx, req.Types, req.Start, req.End, req.Resample.N)
	}

	placeholders, args := buildInClause(req.Types)
	query := fmt.Sprintf(`SELECT %s FROM entities
		WHERE type IN (%s)
		  AND t_range_start <= ?
		  AND t_range_end >= ?
		ORDER BY t_start %s
		LIMIT ?`, entityColumns, placeholders, orderDirection(req.Order))
	args = append(args, req.End.UTC(), req.Start.UTC(), req.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities by time: %w", err)
	}
	defer closeWithLog(rows, "time query rows")

	return collectEntities(rows)
}

// resampleUniformTime implements the uniform-time resample operator.
//
// [start, end) is partitioned into n adjacent half-open bins of equal width.
// For each bin the row whose t_start is nearest the bin center wins; ties
// break to the earlier t_start, then the lower id. Each bin costs two bounded
// lookups on the (type, t_start) index - one descending probe below the
// center, one ascending probe at or above it - never a full scan.
//
// Results come back in ascending t_start order by construction; empty bins
// contribute nothing, so the result size is in [0, n].
func (db *DB) resampleUniformTime(ctx context.Context, types []string, start, end time.Time, n int) ([]*models.Entity, error) {
	start = start.UTC()
	end = end.UTC()
	span := end.Sub(start).Seconds()

	placeholders, typeArgs := buildInClause(types)

	belowQuery := fmt.Sprintf(`SELECT %s FROM entities
		WHERE type IN (%s) AND t_start >= ? AND t_start < ?
		ORDER BY t_start DESC, id ASC
		LIMIT 1`, entityColumns, placeholders)
	aboveQuery := fmt.Sprintf(`SELECT %s FROM entities
		WHERE type IN (%s) AND t_start >= ? AND t_start < ?
		ORDER BY t_start ASC, id ASC
		LIMIT 1`, entityColumns, placeholders)

	results := make([]*models.Entity, 0, n)

	for i := 0; i < n; i++ {
		binStart := start.Add(time.Duration(span * float64(i) / float64(n) * float64(time.Second)))
		binEnd := start.Add(time.Duration(span * float64(i+1) / float64(n) * float64(time.Second)))
		center := start.Add(time.Duration(span * (float64(i) + 0.5) / float64(n) * float64(time.Second)))

		below, err := db.queryOneEntity(ctx, belowQuery, typeArgs, binStart, center)
		if err != nil {
			return nil, err
		}
		above, err := db.queryOneEntity(ctx, aboveQuery, typeArgs, center, binEnd)
		if err != nil {
			return nil, err
		}

		switch {
		case below == nil && above == nil:
			// Empty bin
		case above == nil:
			results = append(results, below)
		case below == nil:
			results = append(results, above)
		default:
			distBelow := center.Sub(below.TStart)
			distAbove := above.TStart.Sub(center)
			// Equidistant candidates break to the earlier t_start
			if distBelow <= distAbove {
				results = append(results, below)
			} else {
				results = append(results, above)
			}
		}
	}

	return results, nil
}

// queryOneEntity runs a single-row bounded lookup, returning nil on no match
func (db *DB) queryOneEntity(ctx context.Context, query string, typeArgs []any, lo, hi time.Time) (*models.Entity, error) {
	args := make([]any, 0, len(typeArgs)+2)
	args = append(args, typeArgs...)
	args = append(args, lo, hi)

	e, err := scanEntity(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resample bin lookup failed: %w", err)
	}
	return e, nil
}

// QueryBBox returns located entities inside the envelope
// [minLon, minLat, maxLon, maxLat], optionally intersecting a time window,
// ordered by t_start or randomized and bounded by limit.
//
// With the spatial extension the envelope predicate runs against the RTREE
// index on geom; without it the scalar lat/lon columns serve the same
// predicate.
func (db *DB) QueryBBox(ctx context.Context, req *models.BBoxQueryRequest) ([]*models.Entity, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	minLon, minLat, maxLon, maxLat := req.BBox[0], req.BBox[1], req.BBox[2], req.BBox[3]

	placeholders, args := buildInClause(req.Types)

	var spatialPred string
	if db.spatialAvailable {
		// ST_Intersects keeps points on the envelope boundary; ST_Within
		// would drop them, disagreeing with the scalar path's >=/<=
		spatialPred = `geom IS NOT NULL AND ST_Intersects(geom, ST_MakeEnvelope(?, ?, ?, ?))`
		args = append(args, minLon, minLat, maxLon, maxLat)
	} else {
		spatialPred = `lat IS NOT NULL AND lon >= ? AND lat >= ? AND lon <= ? AND lat <= ?`
		args = append(args, minLon, minLat, maxLon, maxLat)
	}

	timePred := ""
	if req.Time != nil {
		timePred = ` AND t_range_start <= ? AND t_range_end >= ?`
		args = append(args, req.Time.End.UTC(), req.Time.Start.UTC())
	}

	// The random order is a uniform-distribution hint for marker sampling,
	// not a reproducible shuffle
	orderClause := "t_start " + orderDirection(req.Order)
	if req.Order == models.OrderRandom {
		orderClause = "random()"
	}

	query := fmt.Sprintf(`SELECT %s FROM entities
		WHERE type IN (%s) AND %s%s
		ORDER BY %s
		LIMIT ?`, entityColumns, placeholders, spatialPred, timePred, orderClause)
	args = append(args, req.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities by bbox: %w", err)
	}
	defer closeWithLog(rows, "bbox query rows")

	return collectEntities(rows)
}

// DeleteVisits deletes all place.visit entities, returning the count
func (db *DB) DeleteVisits(ctx context.Context) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx, `DELETE FROM entities WHERE type = ?`, models.TypePlaceVisit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete visits: %w", err)
	}
	return res.RowsAffected()
}

// DeleteVisitsInWindow deletes place.visit entities whose t_range overlaps
// [start, end], returning the count
func (db *DB) DeleteVisitsInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM entities WHERE type = ? AND t_range_start <= ? AND t_range_end >= ?`,
		models.TypePlaceVisit, end.UTC(), start.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete visits in window: %w", err)
	}
	return res.RowsAffected()
}

// CountEntities returns the number of rows matching the (source, external_id)
// pair. Used by tests asserting upsert idempotency.
func (db *DB) CountEntities(ctx context.Context, source, externalID string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE source = ? AND external_id = ?`,
		source, externalID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}
