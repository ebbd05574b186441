// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/daruma/internal/models"
)

// entityColumns is the select list shared by every entity read path.
// Coordinates are always read from the scalar lat/lon columns; geom exists
// only to drive the spatial index.
const entityColumns = `CAST(id AS VARCHAR), type, t_start, t_end, lat, lon,
	name, color, render_offset, source, external_id, loc_source, payload,
	created_at, updated_at`

// buildInClause builds a parameterized IN clause for a string list
func buildInClause(values []string) (placeholders string, args []any) {
	parts := make([]string, len(values))
	args = make([]any, len(values))
	for i, v := range values {
		parts[i] = "?"
		args[i] = v
	}
	return strings.Join(parts, ", "), args
}

// orderDirection maps the API order values onto a SQL direction keyword
func orderDirection(order string) string {
	if order == models.OrderTStartDesc {
		return "DESC"
	}
	return "ASC"
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanEntity
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntity reads one entity row from the shared entityColumns select list
func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		idStr        string
		tEnd         sql.NullTime
		lat, lon     sql.NullFloat64
		name, color  sql.NullString
		source       sql.NullString
		externalID   sql.NullString
		locSource    sql.NullString
		payloadJSON  sql.NullString
		renderOffset sql.NullFloat64
	)

	e := &models.Entity{}
	err := row.Scan(
		&idStr, &e.Type, &e.TStart, &tEnd, &lat, &lon,
		&name, &color, &renderOffset, &source, &externalID, &locSource, &payloadJSON,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid entity id %q: %w", idStr, err)
	}
	e.ID = id

	// Stored instants are UTC; the driver scans them as local-less timestamps
	e.TStart = e.TStart.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if tEnd.Valid {
		t := tEnd.Time.UTC()
		e.TEnd = &t
	}
	if lat.Valid {
		e.Lat = &lat.Float64
	}
	if lon.Valid {
		e.Lon = &lon.Float64
	}
	if name.Valid {
		e.Name = &name.String
	}
	if color.Valid {
		e.Color = &color.String
	}
	if renderOffset.Valid {
		e.RenderOffset = renderOffset.Float64
	}
	if source.Valid {
		e.Source = &source.String
	}
	if externalID.Valid {
		e.ExternalID = &externalID.String
	}
	if locSource.Valid {
		e.LocSource = &locSource.String
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		var p models.Payload
		if err := json.Unmarshal([]byte(payloadJSON.String), &p); err != nil {
			return nil, fmt.Errorf("invalid payload JSON for entity %s: %w", idStr, err)
		}
		e.Payload = p
	}

	return e, nil
}

// collectEntities scans all rows into a slice
func collectEntities(rows *sql.Rows) ([]*models.Entity, error) {
	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// marshalPayload encodes a payload to its stored JSON text, or NULL
func marshalPayload(p models.Payload) (any, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(raw), nil
}

// unmarshalPayload decodes stored payload JSON text
func unmarshalPayload(raw string, p *models.Payload) error {
	return json.Unmarshal([]byte(raw), p)
}

// nullTime converts an optional instant to a driver value, normalized to UTC
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// nullString converts an optional string to a driver value
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullFloat converts an optional float to a driver value
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
