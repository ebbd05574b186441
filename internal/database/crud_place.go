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
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/models"
)

// recentVisitLimit bounds the visit list on the place detail endpoint
const recentVisitLimit = 20

// ListPlaces returns all place entities with their detection stats, most
// visited first.
func (db *DB) ListPlaces(ctx context.Context) ([]*models.PlaceSummary, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + entityColumns + ` FROM entities WHERE type = ? ORDER BY t_start ASC, id ASC`
	rows, err := db.conn.QueryContext(ctx, query, models.TypePlace)
	if err != nil {
		return nil, fmt.Errorf("failed to list places: %w", err)
	}
	defer closeWithLog(rows, "place rows")

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}

	summaries := make([]*models.PlaceSummary, 0, len(entities))
	for _, e := range entities {
		s := &models.PlaceSummary{Entity: *e}
		var meta models.PlaceMeta
		if e.Payload != nil {
			if err := e.Payload.Decode(&meta); err != nil {
				logging.Warn().Str("place_id", e.ID.String()).Err(err).Msg("Malformed place payload")
			}
		}
		s.VisitCount = meta.VisitCount
		s.TotalDwellHours = meta.TotalDwellHours
		s.RadiusM = meta.RadiusM
		summaries = append(summaries, s)
	}

	// Most visited first, stable for equal counts
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].VisitCount > summaries[j].VisitCount
	})

	return summaries, nil
}

// GetPlace returns one place with its most recent visits.
// Returns ErrNotFound when the id does not name a place entity.
func (db *DB) GetPlace(ctx context.Context, id uuid.UUID) (*models.PlaceDetail, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	place, err := db.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if place == nil || place.Type != models.TypePlace {
		return nil, fmt.Errorf("%w: place %s", ErrNotFound, id)
	}

	visits, err := db.visitsForPlace(ctx, id, recentVisitLimit)
	if err != nil {
		return nil, err
	}

	return &models.PlaceDetail{Place: place, RecentVisits: visits}, nil
}

// visitsForPlace returns the newest visits whose payload references the place.
// With the json extension the payload link is filtered in SQL; otherwise the
// visit set is scanned and filtered here.
func (db *DB) visitsForPlace(ctx context.Context, placeID uuid.UUID, limit int) ([]*models.Entity, error) {
	if db.jsonAvailable {
		query := `SELECT ` + entityColumns + ` FROM entities
			WHERE type = ? AND json_extract_string(payload, '$.place_id') = ?
			ORDER BY t_start DESC
			LIMIT ?`
		rows, err := db.conn.QueryContext(ctx, query, models.TypePlaceVisit, placeID.String(), limit)
		if err != nil {
			return nil, fmt.Errorf("failed to query visits for place: %w", err)
		}
		defer closeWithLog(rows, "visit rows")
		return collectEntities(rows)
	}

	// Fallback: scan visits newest-first and filter by the decoded payload link
	query := `SELECT ` + entityColumns + ` FROM entities WHERE type = ? ORDER BY t_start DESC`
	rows, err := db.conn.QueryContext(ctx, query, models.TypePlaceVisit)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer closeWithLog(rows, "visit rows")

	var visits []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		if id, ok := e.Payload.PlaceID(); ok && id == placeID {
			visits = append(visits, e)
			if len(visits) >= limit {
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visits: %w", err)
	}
	return visits, nil
}

// RenamePlace updates a place's name and/or color and propagates the change
// to every place.visit whose payload references the place, in a single
// transaction. Returns the number of visits updated.
//
// The place payload is marked user_named so detector re-runs preserve the
// user's label instead of clobbering it.
func (db *DB) RenamePlace(ctx context.Context, id uuid.UUID, name, color *string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	place, err := db.GetEntity(ctx, id)
	if err != nil {
		return 0, err
	}
	if place == nil || place.Type != models.TypePlace {
		return 0, fmt.Errorf("%w: place %s", ErrNotFound, id)
	}

	newName := place.Name
	if name != nil {
		newName = name
	}
	newColor := place.Color
	if color != nil {
		newColor = color
	}

	payload := place.Payload
	if payload == nil {
		payload = models.Payload{}
	}
	if name != nil {
		payload["user_named"] = true
	}
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rename transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logging.Warn().Err(err).Msg("Failed to roll back rename transaction")
		}
	}()

	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET name = ?, color = ?, payload = ?, updated_at = ? WHERE id = ?`,
		nullString(newName), nullString(newColor), payloadJSON, now, id.String())
	if err != nil {
		return 0, fmt.Errorf("failed to update place: %w", err)
	}

	var updatedVisits int64
	if db.jsonAvailable {
		res, err := tx.ExecContext(ctx,
			`UPDATE entities SET name = ?, color = ?, updated_at = ?
			 WHERE type = ? AND json_extract_string(payload, '$.place_id') = ?`,
			nullString(newName), nullString(newColor), now, models.TypePlaceVisit, id.String())
		if err != nil {
			return 0, fmt.Errorf("failed to propagate rename to visits: %w", err)
		}
		updatedVisits, err = res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count updated visits: %w", err)
		}
	} else {
		updatedVisits, err = db.renameVisitsScan(ctx, tx, id, newName, newColor, now)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rename: %w", err)
	}

	return updatedVisits, nil
}

// renameVisitsScan is the no-json-extension propagation path: collect the
// linked visit ids by decoding payloads, then update them inside the same
// transaction.
func (db *DB) renameVisitsScan(ctx context.Context, tx *sql.Tx, placeID uuid.UUID, name, color *string, now time.Time) (int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT CAST(id AS VARCHAR), payload FROM entities WHERE type = ?`, models.TypePlaceVisit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan visits for rename: %w", err)
	}

	var ids []string
	for rows.Next() {
		var idStr string
		var payloadJSON sql.NullString
		if err := rows.Scan(&idStr, &payloadJSON); err != nil {
			closeQuietly(rows)
			return 0, fmt.Errorf("failed to scan visit row: %w", err)
		}
		if !payloadJSON.Valid {
			continue
		}
		var p models.Payload
		if err := unmarshalPayload(payloadJSON.String, &p); err != nil {
			continue
		}
		if id, ok := p.PlaceID(); ok && id == placeID {
			ids = append(ids, idStr)
		}
	}
	if err := rows.Err(); err != nil {
		closeQuietly(rows)
		return 0, fmt.Errorf("error iterating visits for rename: %w", err)
	}
	closeQuietly(rows)

	for _, idStr := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET name = ?, color = ?, updated_at = ? WHERE id = ?`,
			nullString(name), nullString(color), now, idStr); err != nil {
			return 0, fmt.Errorf("failed to update visit %s: %w", idStr, err)
		}
	}

	return int64(len(ids)), nil
}
