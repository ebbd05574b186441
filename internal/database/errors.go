// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package database

import "errors"

// Sentinel errors returned by the store. Handlers map these onto HTTP codes;
// everything else is a 500-class storage failure.
var (
	// ErrInvalidEntity wraps a structural validation failure on a write
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNotFound is returned by lookups that require the row to exist
	ErrNotFound = errors.New("not found")
)
