// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

// Package ingest implements the source-plugin ingestion engine.
//
// Every data source (the Arc GPS exporter, a music scrobbler, a photo
// library) implements Source. The engine drives the run protocol: read the
// source's watermark, discover raw items newer than it, extract entities,
// enrich unlocated entities from the GPS backbone, upsert everything, and
// advance the watermark only when the run completed cleanly. Upserts are
// idempotent on (source, external_id), so overlapping discovery windows and
// re-runs after failures are harmless.
package ingest

import (
	"context"
	"time"

	"github.com/tomtom215/daruma/internal/models"
)

// Source is one ingestable data source.
//
// Discover returns a lazy sequence of opaque raw items (files, API pages)
// that may contain records newer than since. Sources may over-discover:
// extraction output is deduplicated by the store's upsert key. Extract
// converts one raw item into entities; it must set Source and ExternalID on
// every entity it emits.
type Source interface {
	// Name is the unique source identifier, stored in entities.source and
	// source_state.source.
	Name() string

	// Schedule is a cron expression describing the source's preferred run
	// cadence. Informational: the scheduler currently runs all sources on a
	// single interval.
	Schedule() string

	// HasNativeLocation reports whether the source supplies its own
	// coordinates. Native sources bypass backbone enrichment.
	HasNativeLocation() bool

	Discover(ctx context.Context, since time.Time) (Iterator, error)
	Extract(ctx context.Context, raw any) ([]*models.Entity, error)
}

// Iterator is a lazy, finite, non-restartable sequence of discovered raw
// items. Raw items are never nil: Next returns (nil, nil) when the sequence
// is exhausted. The engine holds at most one raw item in memory at a time,
// so a multi-year backbone ingests with per-item memory, not per-run.
// Close must be called on every exit path.
type Iterator interface {
	Next() (any, error)
	Close() error
}

// sliceIterator serves sources whose discovery is naturally small and
// in-memory (a single API page, test fixtures).
type sliceIterator struct {
	items []any
}

// NewSliceIterator wraps an already-materialized item slice in the Iterator
// contract.
func NewSliceIterator(items []any) Iterator {
	return &sliceIterator{items: items}
}

func (it *sliceIterator) Next() (any, error) {
	if len(it.items) == 0 {
		return nil, nil
	}
	raw := it.items[0]
	it.items = it.items[1:]
	return raw, nil
}

func (it *sliceIterator) Close() error { return nil }
