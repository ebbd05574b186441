// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

// Package models defines the data structures shared between the store, the
// ingestion engine, and the HTTP API.
//
// The central type is Entity: a single timestamped, optionally located record
// of any type (a GPS fix, a listened track, a photo, a calendar event, a
// detected place or visit). All sources normalize into this one shape.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity type tags used by the core itself. Source plugins may introduce
// further dot-namespaced types (music, photo, calendar.event, ...).
const (
	TypeLocationGPS = "location.gps"
	TypePlace       = "place"
	TypePlaceVisit  = "place.visit"
)

// Location provenance values for Entity.LocSource.
const (
	LocSourceNative   = "native"   // coordinates supplied by the originating source
	LocSourceInferred = "inferred" // coordinates filled in from the GPS backbone
)

// Entity is a single record in the unified store.
//
// Optional attributes are pointers; nil means absent. Geometry and the
// temporal range are derived inside the store's write path and never carried
// on this struct: callers cannot set them.
type Entity struct {
	ID           uuid.UUID  `json:"id"`
	Type         string     `json:"type"`
	TStart       time.Time  `json:"t_start"`
	TEnd         *time.Time `json:"t_end,omitempty"`
	Lat          *float64   `json:"lat,omitempty"`
	Lon          *float64   `json:"lon,omitempty"`
	Name         *string    `json:"name,omitempty"`
	Color        *string    `json:"color,omitempty"`
	RenderOffset float64    `json:"render_offset"`
	Source       *string    `json:"source,omitempty"`
	ExternalID   *string    `json:"external_id,omitempty"`
	LocSource    *string    `json:"loc_source,omitempty"`
	Payload      Payload    `json:"payload,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// HasLocation reports whether both coordinates are present.
func (e *Entity) HasLocation() bool {
	return e.Lat != nil && e.Lon != nil
}

// HasDedupeKey reports whether the (source, external_id) upsert key is set.
func (e *Entity) HasDedupeKey() bool {
	return e.Source != nil && *e.Source != "" && e.ExternalID != nil && *e.ExternalID != ""
}

// Validate checks the structural invariants every entity must satisfy before
// it reaches the store: time ordering, paired coordinates, WGS84 bounds, and
// color format.
func (e *Entity) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.TStart.IsZero() {
		return fmt.Errorf("t_start is required")
	}
	if e.TEnd != nil && e.TEnd.Before(e.TStart) {
		return fmt.Errorf("t_end must be >= t_start")
	}
	if (e.Lat == nil) != (e.Lon == nil) {
		return fmt.Errorf("lat and lon must both be provided or both be null")
	}
	if e.Lat != nil {
		if *e.Lat < -90 || *e.Lat > 90 {
			return fmt.Errorf("latitude out of range: %v", *e.Lat)
		}
		if *e.Lon < -180 || *e.Lon > 180 {
			return fmt.Errorf("longitude out of range: %v", *e.Lon)
		}
	}
	if e.Color != nil && !validColor(*e.Color) {
		return fmt.Errorf("color must be #RRGGBB format")
	}
	return nil
}

// validColor reports whether s is a 7-character #RRGGBB string.
func validColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// UpsertStatus reports whether an upsert inserted a fresh row or updated an
// existing one.
type UpsertStatus string

const (
	StatusInserted UpsertStatus = "inserted"
	StatusUpdated  UpsertStatus = "updated"
)

// UpsertResult is the outcome of a single upsert.
type UpsertResult struct {
	ID     uuid.UUID    `json:"id"`
	Status UpsertStatus `json:"status"`
}

// BatchResult aggregates the outcome of a batch upsert.
type BatchResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Errors   int `json:"errors"`
	Total    int `json:"total"`
}

// GPSPoint is the slim projection of a location.gps entity used by the
// place/visit detector: full entities are not needed to cluster, only the
// sample id, instant, and coordinates.
type GPSPoint struct {
	ID     uuid.UUID
	TStart time.Time
	Lat    float64
	Lon    float64
}

// Watermark is the per-source ingestion state: the UTC instant used as the
// lower bound for the next run and the count of the last run.
type Watermark struct {
	Source    string    `json:"source"`
	LastRun   time.Time `json:"last_run"`
	LastCount int       `json:"last_count"`
	UpdatedAt time.Time `json:"updated_at"`
}
