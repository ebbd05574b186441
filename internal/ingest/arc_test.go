// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/daruma/internal/models"
)

// writeArcExport writes a gzip-compressed daily export with the given samples.
func writeArcExport(t *testing.T, dir, name string, samples []map[string]any) {
	t.Helper()

	doc := map[string]any{
		"timelineItems": []map[string]any{
			{"samples": samples},
		},
	}

	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	require.NoError(t, json.NewEncoder(gz).Encode(doc))
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func arcExportSample(timestamp string, lat, lon float64) map[string]any {
	return map[string]any{
		"location": map[string]any{
			"timestamp": timestamp,
			"latitude":  lat,
			"longitude": lon,
		},
		"recordingState": "recording",
	}
}

// drainDiscovered runs a full discovery and collects every yielded item.
func drainDiscovered(t *testing.T, src Source, since time.Time) []any {
	t.Helper()

	it, err := src.Discover(context.Background(), since)
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()

	var items []any
	for {
		raw, err := it.Next()
		require.NoError(t, err)
		if raw == nil {
			return items
		}
		items = append(items, raw)
	}
}

func TestArcDiscoverFiltersBySince(t *testing.T) {
	dir := t.TempDir()
	writeArcExport(t, dir, "2024-01-15.json.gz", []map[string]any{
		arcExportSample("2024-01-15T09:00:00Z", 51.5, -0.1),
		arcExportSample("2024-01-15T10:00:00Z", 51.6, -0.2),
	})
	writeArcExport(t, dir, "2024-01-16.json.gz", []map[string]any{
		arcExportSample("2024-01-16T08:00:00Z", 51.7, -0.3),
	})

	src := NewArcSource(dir)

	since := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	items := drainDiscovered(t, src, since)
	require.Len(t, items, 2, "only samples strictly after the watermark")

	first, ok := items[0].(arcSample)
	require.True(t, ok)
	assert.Equal(t, "2024-01-15T10:00:00Z", first.Timestamp)
}

func TestArcDiscoverEmptyDirectory(t *testing.T) {
	src := NewArcSource(t.TempDir())

	items := drainDiscovered(t, src, time.Unix(0, 0))
	assert.Empty(t, items, "an empty export directory is not an error")
}

func TestArcDiscoverSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	writeArcExport(t, dir, "2024-01-15.json.gz", []map[string]any{
		arcExportSample("2024-01-15T09:00:00Z", 51.5, -0.1),
	})
	// A half-synced file is plain garbage, not gzip
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-01-16.json.gz"), []byte("not gzip"), 0o600))

	src := NewArcSource(dir)
	items := drainDiscovered(t, src, time.Unix(0, 0))
	assert.Len(t, items, 1, "corrupt files are skipped, not fatal")
}

func TestArcDiscoverDecodesLazily(t *testing.T) {
	dir := t.TempDir()
	writeArcExport(t, dir, "2024-01-15.json.gz", []map[string]any{
		arcExportSample("2024-01-15T09:00:00Z", 51.5, -0.1),
	})
	later := filepath.Join(dir, "2024-01-16.json.gz")
	writeArcExport(t, dir, "2024-01-16.json.gz", []map[string]any{
		arcExportSample("2024-01-16T08:00:00Z", 51.7, -0.3),
	})

	src := NewArcSource(dir)
	it, err := src.Discover(context.Background(), time.Unix(0, 0))
	require.NoError(t, err)
	defer func() { require.NoError(t, it.Close()) }()

	// The second file vanishes after discovery; only a reader that opens
	// files as the scan reaches them notices
	require.NoError(t, os.Remove(later))

	var items []any
	for {
		raw, err := it.Next()
		require.NoError(t, err)
		if raw == nil {
			break
		}
		items = append(items, raw)
	}
	require.Len(t, items, 1, "files decode as the scan reaches them, not up front")
	sample, ok := items[0].(arcSample)
	require.True(t, ok)
	assert.Equal(t, "2024-01-15T09:00:00Z", sample.Timestamp)
}

func TestArcExtract(t *testing.T) {
	src := NewArcSource("")

	sample := arcSample{
		Timestamp: "2024-01-15T09:00:00Z",
		Instant:   time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		Latitude:  51.5074,
		Longitude: -0.1278,
		Sample:    arcExportSample("2024-01-15T09:00:00Z", 51.5074, -0.1278),
	}

	entities, err := src.Extract(context.Background(), sample)
	require.NoError(t, err)
	require.Len(t, entities, 1)

	e := entities[0]
	assert.Equal(t, models.TypeLocationGPS, e.Type)
	assert.True(t, e.TStart.Equal(sample.Instant))
	assert.InDelta(t, 51.5074, *e.Lat, 1e-9)
	assert.InDelta(t, -0.1278, *e.Lon, 1e-9)
	assert.Equal(t, "arc", *e.Source)
	assert.Equal(t, "2024-01-15T09:00:00Z", *e.ExternalID, "the sample timestamp is the dedupe key")
	assert.Equal(t, models.LocSourceNative, *e.LocSource)
	assert.Equal(t, arcColor, *e.Color)
	assert.Equal(t, "arc_app", e.Payload["source_type"])
	assert.NotNil(t, e.Payload["original_sample"])
}

func TestArcExtractRejectsForeignItems(t *testing.T) {
	src := NewArcSource("")
	_, err := src.Extract(context.Background(), "not a sample")
	assert.Error(t, err)
}

func TestParseArcSample(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		ok   bool
	}{
		{"valid", arcExportSample("2024-01-15T09:00:00Z", 1, 2), true},
		{"no location", map[string]any{"recordingState": "off"}, false},
		{"missing timestamp", map[string]any{"location": map[string]any{"latitude": 1.0, "longitude": 2.0}}, false},
		{"bad timestamp", arcExportSample("yesterday", 1, 2), false},
		{"missing coordinates", map[string]any{"location": map[string]any{"timestamp": "2024-01-15T09:00:00Z"}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sample, ok := parseArcSample(tc.raw)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.False(t, sample.Instant.IsZero())
			}
		})
	}
}

func TestParseArcSampleOffsetTimestamp(t *testing.T) {
	// Arc exports carry local-offset timestamps; parsing normalizes to UTC
	sample, ok := parseArcSample(arcExportSample("2024-06-01T10:00:00+02:00", 1, 2))
	require.True(t, ok)
	assert.True(t, sample.Instant.Equal(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)))
}
