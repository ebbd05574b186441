// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/models"
)

// arcColor marks GPS backbone entities on the timeline.
const arcColor = "#4CAF50"

// ArcSource ingests GPS samples from Arc app daily exports: gzip-compressed
// JSON files (YYYY-MM-DD.json.gz) holding timeline items, each with location
// samples. Arc is the GPS backbone: it carries native coordinates that other
// sources' entities are enriched from.
type ArcSource struct {
	exportDir string
}

// NewArcSource creates the Arc source over the given export directory.
func NewArcSource(exportDir string) *ArcSource {
	return &ArcSource{exportDir: exportDir}
}

func (s *ArcSource) Name() string { return "arc" }

// Schedule is hourly: Arc exports update throughout the day.
func (s *ArcSource) Schedule() string { return "0 * * * *" }

func (s *ArcSource) HasNativeLocation() bool { return true }

// arcSample is one discovered location sample, ready for Extract.
type arcSample struct {
	Timestamp string
	Instant   time.Time
	Latitude  float64
	Longitude float64
	Sample    map[string]any
}

// Discover lists the export directory and returns an iterator yielding every
// location sample newer than since, file by file. Files decode lazily as the
// iterator advances: at most one daily export is held in memory at a time. A
// file that cannot be read or parsed is logged and skipped rather than
// failing the run: Arc keeps rewriting recent daily files and a partially
// synced file will be complete by the next run.
func (s *ArcSource) Discover(ctx context.Context, since time.Time) (Iterator, error) {
	paths, err := filepath.Glob(filepath.Join(s.exportDir, "*.json.gz"))
	if err != nil {
		return nil, fmt.Errorf("failed to list Arc exports: %w", err)
	}
	if len(paths) == 0 {
		logging.Warn().Str("dir", s.exportDir).Msg("No Arc export files found")
		return NewSliceIterator(nil), nil
	}
	sort.Strings(paths)

	logging.Debug().
		Int("files", len(paths)).
		Time("since", since).
		Msg("Arc discovery started")

	return &arcIterator{src: s, ctx: ctx, since: since, paths: paths}, nil
}

// arcIterator walks the discovered export files in name order, decoding one
// file at a time.
type arcIterator struct {
	src   *ArcSource
	ctx   context.Context
	since time.Time
	paths []string // files not yet decoded
	buf   []any    // samples of the current file not yet yielded
}

func (it *arcIterator) Next() (any, error) {
	for {
		if len(it.buf) > 0 {
			raw := it.buf[0]
			it.buf = it.buf[1:]
			return raw, nil
		}
		if len(it.paths) == 0 {
			return nil, nil
		}
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}

		path := it.paths[0]
		it.paths = it.paths[1:]
		samples, err := it.src.readExport(path, it.since)
		if err != nil {
			logging.Warn().Str("file", path).Err(err).Msg("Skipping unreadable Arc export")
			continue
		}
		it.buf = samples
	}
}

func (it *arcIterator) Close() error { return nil }

// readExport decodes one daily export and returns its samples newer than
// since.
func (s *ArcSource) readExport(path string, since time.Time) ([]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(f)

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip file: %w", err)
	}
	defer closeQuietly(gz)

	// Decode twice-over: once into the typed shape for the fields we use,
	// once generically so the payload keeps the full original sample.
	var generic struct {
		TimelineItems []struct {
			Samples []map[string]any `json:"samples"`
		} `json:"timelineItems"`
	}
	if err := json.NewDecoder(gz).Decode(&generic); err != nil {
		return nil, fmt.Errorf("malformed export JSON: %w", err)
	}

	var samples []any
	for _, item := range generic.TimelineItems {
		for _, raw := range item.Samples {
			sample, ok := parseArcSample(raw)
			if !ok {
				continue
			}
			if sample.Instant.After(since) {
				samples = append(samples, sample)
			}
		}
	}
	return samples, nil
}

// parseArcSample pulls the timestamp and coordinates out of one raw sample.
// Samples without location data are skipped.
func parseArcSample(raw map[string]any) (arcSample, bool) {
	location, ok := raw["location"].(map[string]any)
	if !ok || location == nil {
		return arcSample{}, false
	}
	timestamp, ok := location["timestamp"].(string)
	if !ok || timestamp == "" {
		return arcSample{}, false
	}
	lat, latOK := location["latitude"].(float64)
	lon, lonOK := location["longitude"].(float64)
	if !latOK || !lonOK {
		return arcSample{}, false
	}
	instant, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return arcSample{}, false
	}
	return arcSample{
		Timestamp: timestamp,
		Instant:   instant.UTC(),
		Latitude:  lat,
		Longitude: lon,
		Sample:    raw,
	}, true
}

// Extract converts one discovered sample into a location.gps entity. The
// export's own timestamp string is the dedupe key, so re-discovering a file
// updates rather than duplicates.
func (s *ArcSource) Extract(ctx context.Context, raw any) ([]*models.Entity, error) {
	sample, ok := raw.(arcSample)
	if !ok {
		return nil, fmt.Errorf("unexpected raw item type %T", raw)
	}

	source := s.Name()
	color := arcColor
	native := models.LocSourceNative
	lat, lon := sample.Latitude, sample.Longitude
	externalID := sample.Timestamp

	return []*models.Entity{{
		Type:       models.TypeLocationGPS,
		TStart:     sample.Instant,
		Lat:        &lat,
		Lon:        &lon,
		Color:      &color,
		Source:     &source,
		ExternalID: &externalID,
		LocSource:  &native,
		Payload: models.Payload{
			"source_type":     "arc_app",
			"original_sample": sample.Sample,
		},
	}}, nil
}

// closeQuietly closes a reader where a close failure is not actionable.
func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Debug().Err(err).Msg("Failed to close reader")
	}
}
