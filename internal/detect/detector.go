// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

// Package detect derives place and place.visit entities from the raw GPS
// backbone: density clustering finds the places, a dwell scan over the
// time-ordered sample sequence finds the visits.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/metrics"
	"github.com/tomtom215/daruma/internal/models"
)

// DetectorSource is the source name stamped on detector-emitted entities.
// Their external ids (cluster_<k>, visit_<entry>_cluster_<k>) make re-runs
// update the same rows instead of duplicating them.
const DetectorSource = "detector"

// placeEpoch is the timeless marker stored as t_start on place entities:
// places have no temporal extent, but the column is NOT NULL.
var placeEpoch = time.Unix(0, 0).UTC()

// Store is the slice of the database layer the detector reads and writes.
// Satisfied by *database.DB.
type Store interface {
	ListGPSPoints(ctx context.Context, source string) ([]models.GPSPoint, error)
	GetEntityByKey(ctx context.Context, source, externalID string) (*models.Entity, error)
	UpsertEntity(ctx context.Context, e *models.Entity) (*models.UpsertResult, error)
}

// Detector runs place/visit detection over one backbone source.
type Detector struct {
	store  Store
	cfg    config.DetectConfig
	source string
}

// NewDetector creates a detector over the configured backbone source.
func NewDetector(store Store, cfg config.DetectConfig, source string) *Detector {
	return &Detector{store: store, cfg: cfg, source: source}
}

// cluster is one density cluster of GPS samples with its derived geometry.
type cluster struct {
	index       int
	members     []int // indices into the point slice
	centroidLat float64
	centroidLon float64
	radiusM     float64
}

// visit is one closed dwell span inside a cluster's radius.
type visit struct {
	entry       time.Time
	exit        time.Time
	sampleCount int
}

// Run executes one full detection pass: cluster the backbone, derive visits,
// apply the significance filter, and upsert the qualifying places and their
// visits. Re-runs preserve names on places a user has renamed.
func (d *Detector) Run(ctx context.Context) error {
	started := time.Now()

	points, err := d.store.ListGPSPoints(ctx, d.source)
	if err != nil {
		metrics.DetectionRuns.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to load GPS backbone: %w", err)
	}
	if len(points) < d.cfg.MinSamples {
		logging.Info().
			Int("points", len(points)).
			Msg("Not enough GPS samples for place detection")
		metrics.DetectionRuns.WithLabelValues("success").Inc()
		return nil
	}

	clusters := d.findClusters(points)

	placeCount, visitCount := 0, 0
	for _, c := range clusters {
		visits := d.findVisits(points, c)
		if !d.significant(visits) {
			continue
		}
		emitted, err := d.emitPlace(ctx, c, visits)
		if err != nil {
			metrics.DetectionRuns.WithLabelValues("failure").Inc()
			return err
		}
		placeCount++
		visitCount += emitted
	}

	metrics.DetectionRuns.WithLabelValues("success").Inc()
	metrics.DetectedPlaces.Set(float64(placeCount))
	metrics.DetectedVisits.Set(float64(visitCount))

	logging.Info().
		Int("points", len(points)).
		Int("clusters", len(clusters)).
		Int("places", placeCount).
		Int("visits", visitCount).
		Dur("elapsed", time.Since(started)).
		Msg("Place detection complete")

	return nil
}

// findClusters runs DBSCAN and derives each cluster's centroid and radius.
// The radius is the 95th-percentile distance from centroid, so a handful of
// outlier samples cannot inflate a place to neighborhood size.
func (d *Detector) findClusters(points []models.GPSPoint) []cluster {
	labels := dbscan(points, d.cfg.EpsilonMeters, d.cfg.MinSamples)

	byLabel := make(map[int][]int)
	maxLabel := -1
	for i, label := range labels {
		if label < 0 {
			continue
		}
		byLabel[label] = append(byLabel[label], i)
		if label > maxLabel {
			maxLabel = label
		}
	}

	clusters := make([]cluster, 0, len(byLabel))
	for k := 0; k <= maxLabel; k++ {
		members := byLabel[k]
		if len(members) == 0 {
			continue
		}

		var sumLat, sumLon float64
		for _, i := range members {
			sumLat += points[i].Lat
			sumLon += points[i].Lon
		}
		c := cluster{
			index:       k,
			members:     members,
			centroidLat: sumLat / float64(len(members)),
			centroidLon: sumLon / float64(len(members)),
		}

		distances := make([]float64, len(members))
		for j, i := range members {
			distances[j] = haversineMeters(c.centroidLat, c.centroidLon, points[i].Lat, points[i].Lon)
		}
		c.radiusM = percentile(distances, 95)

		clusters = append(clusters, c)
	}
	return clusters
}

// findVisits scans the time-ordered sample sequence against one cluster.
// A visit opens at the first sample inside the radius, extends while inside
// samples arrive within MaxGap of the previous one, and closes otherwise.
// Only visits dwelling at least MinDwell survive. The dangling visit at the
// end of the sequence is finalized like any other: ingestion re-runs will
// extend it in place via its stable external id.
func (d *Detector) findVisits(points []models.GPSPoint, c cluster) []visit {
	var visits []visit
	var current *visit

	closeCurrent := func() {
		if current != nil && current.exit.Sub(current.entry) >= d.cfg.MinDwell {
			visits = append(visits, *current)
		}
		current = nil
	}

	for _, p := range points {
		if haversineMeters(c.centroidLat, c.centroidLon, p.Lat, p.Lon) > c.radiusM {
			continue
		}
		if current != nil && p.TStart.Sub(current.exit) > d.cfg.MaxGap {
			closeCurrent()
		}
		if current == nil {
			current = &visit{entry: p.TStart, exit: p.TStart}
		} else {
			current.exit = p.TStart
		}
		current.sampleCount++
	}
	closeCurrent()

	return visits
}

// significant applies the cluster significance filter: enough distinct
// visits and enough total dwell time.
func (d *Detector) significant(visits []visit) bool {
	if len(visits) < d.cfg.MinVisitCount {
		return false
	}
	var totalDwell time.Duration
	for _, v := range visits {
		totalDwell += v.exit.Sub(v.entry)
	}
	return totalDwell.Hours() >= d.cfg.MinTotalDwellHours
}

// emitPlace upserts one place and its visits, returning the visit count.
func (d *Detector) emitPlace(ctx context.Context, c cluster, visits []visit) (int, error) {
	externalID := fmt.Sprintf("cluster_%d", c.index)

	// A user rename sets user_named on the place payload; detection re-runs
	// must not clobber that label with nothing.
	var name, color *string
	existing, err := d.store.GetEntityByKey(ctx, DetectorSource, externalID)
	if err != nil {
		return 0, fmt.Errorf("failed to look up existing place: %w", err)
	}
	userNamed := false
	if existing != nil && existing.Payload != nil {
		var meta models.PlaceMeta
		if err := existing.Payload.Decode(&meta); err == nil && meta.UserNamed {
			userNamed = true
			name = existing.Name
			color = existing.Color
		}
	}

	var totalDwell time.Duration
	sampleCount := 0
	for _, v := range visits {
		totalDwell += v.exit.Sub(v.entry)
		sampleCount += v.sampleCount
	}

	placePayload, err := models.PayloadFrom(models.PlaceMeta{
		VisitCount:      len(visits),
		TotalDwellHours: totalDwell.Hours(),
		RadiusM:         c.radiusM,
		SampleCount:     len(c.members),
		UserNamed:       userNamed,
	})
	if err != nil {
		return 0, err
	}

	source := DetectorSource
	lat, lon := c.centroidLat, c.centroidLon
	place := &models.Entity{
		Type:       models.TypePlace,
		TStart:     placeEpoch,
		Lat:        &lat,
		Lon:        &lon,
		Name:       name,
		Color:      color,
		Source:     &source,
		ExternalID: &externalID,
		Payload:    placePayload,
	}
	result, err := d.store.UpsertEntity(ctx, place)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert place %s: %w", externalID, err)
	}
	placeID := result.ID

	if err := d.emitVisits(ctx, placeID, c, visits, name, color); err != nil {
		return 0, err
	}
	return len(visits), nil
}

// emitVisits upserts the visit entities for one place. Visits inherit the
// place's current name and color so timeline rendering needs no join.
func (d *Detector) emitVisits(ctx context.Context, placeID uuid.UUID, c cluster, visits []visit, name, color *string) error {
	var prevExit *time.Time
	for _, v := range visits {
		var gapBefore *float64
		if prevExit != nil {
			gap := v.entry.Sub(*prevExit).Minutes()
			gapBefore = &gap
		}
		exit := v.exit

		meta := models.VisitMeta{
			PlaceID:          placeID,
			DwellMinutes:     v.exit.Sub(v.entry).Minutes(),
			GapBeforeMinutes: gapBefore,
			RadiusM:          c.radiusM,
			SampleCount:      v.sampleCount,
			EntrySample:      &v.entry,
			ExitSample:       &exit,
		}
		payload, err := models.PayloadFrom(meta)
		if err != nil {
			return err
		}

		source := DetectorSource
		externalID := fmt.Sprintf("visit_%s_cluster_%d", v.entry.UTC().Format(time.RFC3339), c.index)
		lat, lon := c.centroidLat, c.centroidLon
		entry, end := v.entry, v.exit

		entity := &models.Entity{
			Type:       models.TypePlaceVisit,
			TStart:     entry,
			TEnd:       &end,
			Lat:        &lat,
			Lon:        &lon,
			Name:       name,
			Color:      color,
			Source:     &source,
			ExternalID: &externalID,
			Payload:    payload,
		}
		if _, err := d.store.UpsertEntity(ctx, entity); err != nil {
			return fmt.Errorf("failed to upsert visit %s: %w", externalID, err)
		}

		prevExit = &exit
	}
	return nil
}
