// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tomtom215/daruma/internal/models"
)

// ExportCursor is a lazy, finite, non-restartable scan over the entity table.
// It yields the total count up front, then one entity at a time with constant
// memory. Close must be called on every exit path; closing releases the
// underlying connection back to the pool.
type ExportCursor struct {
	total int64
	rows  *sql.Rows
}

// Total returns the row count captured before the scan started
func (c *ExportCursor) Total() int64 {
	return c.total
}

// Next returns the next entity, or nil when the scan is exhausted
func (c *ExportCursor) Next() (*models.Entity, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, fmt.Errorf("export scan failed: %w", err)
		}
		return nil, nil
	}
	e, err := scanEntity(c.rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan export row: %w", err)
	}
	return e, nil
}

// Close releases the cursor
func (c *ExportCursor) Close() error {
	return c.rows.Close()
}

// StreamExport opens a server-side cursor over all entities, optionally
// filtered by type, sorted by t_start DESC ("newest") or ASC ("oldest").
//
// The caller's context bounds the whole scan; no default timeout is applied
// because exports legitimately run for minutes. Cancellation (client
// disconnect) aborts the scan between fetches.
func (db *DB) StreamExport(ctx context.Context, types []string, order string) (*ExportCursor, error) {
	dir := "DESC"
	if order == models.ExportOldest {
		dir = "ASC"
	}

	var (
		countQuery string
		where      string
		args       []any
	)
	if len(types) > 0 {
		placeholders, typeArgs := buildInClause(types)
		where = fmt.Sprintf(" WHERE type IN (%s)", placeholders)
		countQuery = "SELECT COUNT(*) FROM entities" + where
		args = typeArgs
	} else {
		countQuery = "SELECT COUNT(*) FROM entities"
	}

	var total int64
	if err := db.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count export rows: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM entities%s ORDER BY t_start %s`, entityColumns, where, dir)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to open export cursor: %w", err)
	}

	return &ExportCursor{total: total, rows: rows}, nil
}
