// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package models

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Payload is the free-form per-type document attached to an entity. It is
// stored as JSON and round-tripped verbatim; the typed accessors below decode
// the documents the core itself writes (places, visits) and the common shapes
// the bundled sources emit.
type Payload map[string]any

// Decode unmarshals the payload into a typed view. Unknown keys are ignored,
// so payloads written by newer sources still decode.
func (p Payload) Decode(out any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// PayloadFrom builds a Payload from any JSON-marshalable value.
func PayloadFrom(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// PlaceMeta is the payload of a "place" entity produced by the detector.
type PlaceMeta struct {
	VisitCount      int     `json:"visit_count"`
	TotalDwellHours float64 `json:"total_dwell_hours"`
	RadiusM         float64 `json:"radius_m"`
	SampleCount     int     `json:"sample_count"`
	UserNamed       bool    `json:"user_named,omitempty"`
}

// VisitMeta is the payload of a "place.visit" entity. PlaceID links the visit
// back to its place entity; rename propagation follows this link.
type VisitMeta struct {
	PlaceID          uuid.UUID  `json:"place_id"`
	DwellMinutes     float64    `json:"dwell_minutes"`
	GapBeforeMinutes *float64   `json:"gap_before_minutes,omitempty"`
	RadiusM          float64    `json:"radius_m"`
	SampleCount      int        `json:"sample_count"`
	EntrySample      *time.Time `json:"entry_sample,omitempty"`
	ExitSample       *time.Time `json:"exit_sample,omitempty"`
}

// PlaceID extracts the place_id link from a visit payload. Returns false when
// the payload is not a visit or the id is malformed.
func (p Payload) PlaceID() (uuid.UUID, bool) {
	raw, ok := p["place_id"].(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// TrackMeta is the payload shape emitted by listening-history sources.
type TrackMeta struct {
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Track    string `json:"track,omitempty"`
	DurMS    int64  `json:"duration_ms,omitempty"`
	PlayedAt string `json:"played_at,omitempty"`
}

// GPSMeta is the payload shape emitted by the Arc GPS source for raw samples.
type GPSMeta struct {
	Altitude         *float64 `json:"altitude,omitempty"`
	HorizontalAccM   *float64 `json:"horizontal_accuracy_m,omitempty"`
	SpeedMS          *float64 `json:"speed_ms,omitempty"`
	ActivityType     string   `json:"activity_type,omitempty"`
	RecordedTimezone string   `json:"timezone,omitempty"`
}

// EventMeta is the payload shape emitted by calendar sources.
type EventMeta struct {
	CalendarName string     `json:"calendar,omitempty"`
	Location     string     `json:"location,omitempty"`
	AllDay       bool       `json:"all_day,omitempty"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
}
