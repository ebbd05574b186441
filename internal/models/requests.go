// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package models

import (
	"fmt"
	"time"
)

// Query limit bounds. Each endpoint has its own default; the cap is shared.
const (
	DefaultTimeLimit = 2000
	DefaultBBoxLimit = 5000
	MaxQueryLimit    = 10000
	MaxResampleN     = 10000
)

// Sort orders accepted by the query endpoints.
const (
	OrderTStartAsc  = "t_start_asc"
	OrderTStartDesc = "t_start_desc"
	OrderRandom     = "random"
)

// ResampleConfig selects uniform-time downsampling for a time query. When
// present, N bins partition the window and the sample nearest each bin center
// is returned; limit does not apply.
type ResampleConfig struct {
	Method string `json:"method" validate:"required,oneof=none uniform_time"`
	N      int    `json:"n" validate:"omitempty,min=1,max=10000"`
}

// TimeQueryRequest is the body of POST /v1/query/time.
type TimeQueryRequest struct {
	Types    []string        `json:"types" validate:"required,min=1,dive,required"`
	Start    time.Time       `json:"start" validate:"required"`
	End      time.Time       `json:"end" validate:"required"`
	Limit    int             `json:"limit" validate:"omitempty,min=1,max=10000"`
	Order    string          `json:"order" validate:"omitempty,oneof=t_start_asc t_start_desc"`
	Resample *ResampleConfig `json:"resample,omitempty"`
}

// Normalize applies defaults and checks cross-field constraints that the tag
// validator cannot express.
func (r *TimeQueryRequest) Normalize() error {
	if r.Limit == 0 {
		r.Limit = DefaultTimeLimit
	}
	if r.Order == "" {
		r.Order = OrderTStartAsc
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end must be > start")
	}
	if r.Resample != nil && r.Resample.Method == "uniform_time" && r.Resample.N < 1 {
		return fmt.Errorf("resample.n is required when method is 'uniform_time'")
	}
	return nil
}

// Resampling reports whether uniform-time resampling is in effect.
func (r *TimeQueryRequest) Resampling() bool {
	return r.Resample != nil && r.Resample.Method == "uniform_time"
}

// TimeWindow is the optional temporal filter on a bbox query.
type TimeWindow struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}

// BBoxQueryRequest is the body of POST /v1/query/bbox. BBox is
// [minLon, minLat, maxLon, maxLat] in WGS84.
type BBoxQueryRequest struct {
	Types []string    `json:"types" validate:"required,min=1,dive,required"`
	BBox  []float64   `json:"bbox" validate:"required,len=4"`
	Time  *TimeWindow `json:"time,omitempty"`
	Limit int         `json:"limit" validate:"omitempty,min=1,max=10000"`
	Order string      `json:"order" validate:"omitempty,oneof=t_start_asc t_start_desc random"`
}

// Normalize applies defaults and validates the envelope geometry.
func (r *BBoxQueryRequest) Normalize() error {
	if r.Limit == 0 {
		r.Limit = DefaultBBoxLimit
	}
	if r.Order == "" {
		r.Order = OrderTStartDesc
	}
	if len(r.BBox) != 4 {
		return fmt.Errorf("bbox must have exactly 4 values")
	}
	minLon, minLat, maxLon, maxLat := r.BBox[0], r.BBox[1], r.BBox[2], r.BBox[3]
	if minLon < -180 || minLon > 180 || maxLon < -180 || maxLon > 180 {
		return fmt.Errorf("longitude must be between -180 and 180")
	}
	if minLat < -90 || minLat > 90 || maxLat < -90 || maxLat > 90 {
		return fmt.Errorf("latitude must be between -90 and 90")
	}
	if minLon >= maxLon {
		return fmt.Errorf("minLon must be < maxLon")
	}
	if minLat >= maxLat {
		return fmt.Errorf("minLat must be < maxLat")
	}
	if r.Time != nil && !r.Time.End.After(r.Time.Start) {
		return fmt.Errorf("time.end must be > time.start")
	}
	return nil
}

// QueryResponse is the body returned by both query endpoints.
type QueryResponse struct {
	Entities []*Entity `json:"entities"`
}

// ExportOrder values for GET /v1/query/export.
const (
	ExportNewest = "newest"
	ExportOldest = "oldest"
)

// PlaceUpdateRequest is the body of PATCH /v1/places/{id}. Nil fields are
// left unchanged.
type PlaceUpdateRequest struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty" validate:"omitempty,hexcolor"`
}

// PlaceUpdateResponse reports how far a rename propagated.
type PlaceUpdateResponse struct {
	ID            string `json:"id"`
	UpdatedVisits int    `json:"updated_visits"`
}

// PlaceSummary is one row of GET /v1/places.
type PlaceSummary struct {
	Entity
	VisitCount      int     `json:"visit_count"`
	TotalDwellHours float64 `json:"total_dwell_hours"`
	RadiusM         float64 `json:"radius_m"`
}

// PlaceDetail is the body of GET /v1/places/{id}.
type PlaceDetail struct {
	Place        *Entity   `json:"place"`
	RecentVisits []*Entity `json:"recent_visits"`
}

// DeleteVisitsResponse reports a bulk visit deletion.
type DeleteVisitsResponse struct {
	Deleted int `json:"deleted"`
}

// TypeCount is one row of the by-type breakdown in the stats response.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// TimeCoverage is the stored time extent in the stats response.
type TimeCoverage struct {
	Oldest *time.Time `json:"oldest"`
	Newest *time.Time `json:"newest"`
}

// DatabaseStats reports on-disk sizes in the stats response.
type DatabaseStats struct {
	SizeMB      float64 `json:"size_mb"`
	TableSizeMB float64 `json:"table_size_mb"`
	IndexSizeMB float64 `json:"index_size_mb"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	TotalEntities  int64         `json:"total_entities"`
	EntitiesByType []TypeCount   `json:"entities_by_type"`
	TimeCoverage   TimeCoverage  `json:"time_coverage"`
	Database       DatabaseStats `json:"database"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
}
