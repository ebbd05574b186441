// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"context"
	"time"

	"github.com/tomtom215/daruma/internal/metrics"
	"github.com/tomtom215/daruma/internal/models"
)

// LocationResolver answers "where was I at instant T" from the stored GPS
// backbone. Satisfied by *database.DB.
type LocationResolver interface {
	ResolveLocation(ctx context.Context, source string, instant time.Time) (lat, lon float64, ok bool, err error)
}

// Resolver enriches unlocated entities with coordinates from the GPS
// backbone source. The answer is a step function over the backbone's fixes:
// the most recent fix at or before the entity's t_start wins, and nothing is
// extrapolated before the first fix.
type Resolver struct {
	store  LocationResolver
	source string
}

// NewResolver creates a resolver over the given backbone source name.
func NewResolver(store LocationResolver, source string) *Resolver {
	return &Resolver{store: store, source: source}
}

// BackboneSource returns the name of the backbone source used for lookups.
func (r *Resolver) BackboneSource() string {
	return r.source
}

// Enrich fills in coordinates and loc_source on an entity from a non-native
// source. Entities that already carry coordinates are marked native; entities
// with no resolvable location are left unlocated with loc_source unset.
func (r *Resolver) Enrich(ctx context.Context, e *models.Entity) error {
	if e.HasLocation() {
		if e.LocSource == nil {
			native := models.LocSourceNative
			e.LocSource = &native
		}
		metrics.EnrichmentLookups.WithLabelValues("native").Inc()
		return nil
	}

	lat, lon, ok, err := r.store.ResolveLocation(ctx, r.source, e.TStart)
	if err != nil {
		metrics.EnrichmentLookups.WithLabelValues("error").Inc()
		return err
	}
	if !ok {
		metrics.EnrichmentLookups.WithLabelValues("miss").Inc()
		return nil
	}

	inferred := models.LocSourceInferred
	e.Lat = &lat
	e.Lon = &lon
	e.LocSource = &inferred
	metrics.EnrichmentLookups.WithLabelValues("hit").Inc()
	return nil
}
