// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/models"
)

// testDBSemaphore fully serializes test database lifecycles. Concurrent
// DuckDB CGO calls from parallel tests can hang under CI resource pressure,
// so only one test holds an active connection at a time.
var testDBSemaphore = make(chan struct{}, 1)

// testDBMutex serializes the New() call itself.
var testDBMutex sync.Mutex

// setupTestDB creates an in-memory test database. The semaphore is held for
// the ENTIRE test lifecycle (released via t.Cleanup), not just creation.
// Database creation runs with a 120s timeout to fail fast if DuckDB hangs.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	testDBSemaphore <- struct{}{}
	t.Cleanup(func() {
		<-testDBSemaphore
	})

	cfg := &config.DatabaseConfig{
		Path:        ":memory:",
		MaxMemory:   "1GB",
		SkipIndexes: true, // throwaway databases don't need index builds
	}

	type result struct {
		db  *DB
		err error
	}

	resultCh := make(chan result, 1)
	go func() {
		testDBMutex.Lock()
		db, err := New(cfg)
		testDBMutex.Unlock()
		resultCh <- result{db: db, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("Failed to create test database: %v", res.err)
		}
		t.Cleanup(func() {
			if err := res.db.Close(); err != nil {
				t.Logf("Failed to close test database: %v", err)
			}
		})
		return res.db
	case <-time.After(120 * time.Second):
		t.Fatalf("Timeout: database creation took longer than 120s")
		return nil
	}
}

func strPtr(s string) *string       { return &s }
func f64Ptr(f float64) *float64     { return &f }
func timePtr(t time.Time) *time.Time { return &t }

// gpsFix builds a located location.gps entity with a dedupe key.
func gpsFix(source, externalID string, at time.Time, lat, lon float64) *models.Entity {
	return &models.Entity{
		Type:       models.TypeLocationGPS,
		TStart:     at,
		Lat:        f64Ptr(lat),
		Lon:        f64Ptr(lon),
		Source:     strPtr(source),
		ExternalID: strPtr(externalID),
		LocSource:  strPtr(models.LocSourceNative),
	}
}

func TestUpsertEntityIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	e := gpsFix("arc", "2024-01-15T09:00:00Z", at, 51.5074, -0.1278)

	first, err := db.UpsertEntity(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInserted, first.Status)

	second, err := db.UpsertEntity(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUpdated, second.Status)
	assert.Equal(t, first.ID, second.ID, "upsert must keep the stable id")

	count, err := db.CountEntities(ctx, "arc", "2024-01-15T09:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "re-upserting the same key must not duplicate")
}

func TestUpsertAdvancesUpdatedAt(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := gpsFix("arc", "fix-1", at, 40.0, -70.0)

	first, err := db.UpsertEntity(ctx, e)
	require.NoError(t, err)

	stored, err := db.GetEntity(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	firstUpdated := stored.UpdatedAt

	time.Sleep(10 * time.Millisecond)

	e.Name = strPtr("renamed fix")
	_, err = db.UpsertEntity(ctx, e)
	require.NoError(t, err)

	stored, err = db.GetEntity(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.UpdatedAt.After(firstUpdated), "updated_at must advance on update")
	require.NotNil(t, stored.Name)
	assert.Equal(t, "renamed fix", *stored.Name)
}

func TestUpsertWithoutDedupeKeyAlwaysInserts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := &models.Entity{
		Type:   "note",
		TStart: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}

	first, err := db.UpsertEntity(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInserted, first.Status)

	second, err := db.UpsertEntity(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInserted, second.Status)
	assert.NotEqual(t, first.ID, second.ID, "keyless entities always insert fresh rows")
}

func TestUpsertRejectsInvalidEntity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		entity *models.Entity
	}{
		{"missing type", &models.Entity{TStart: end}},
		{"end before start", &models.Entity{Type: "x", TStart: end.Add(time.Hour), TEnd: &end}},
		{"lat without lon", &models.Entity{Type: "x", TStart: end, Lat: f64Ptr(1)}},
		{"latitude out of range", &models.Entity{Type: "x", TStart: end, Lat: f64Ptr(91), Lon: f64Ptr(0)}},
		{"bad color", &models.Entity{Type: "x", TStart: end, Color: strPtr("green")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.UpsertEntity(ctx, tc.entity)
			assert.ErrorIs(t, err, ErrInvalidEntity)
		})
	}
}

func TestDerivedColumns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)

	spanned := &models.Entity{
		Type:       "music",
		TStart:     start,
		TEnd:       &end,
		Lat:        f64Ptr(48.8566),
		Lon:        f64Ptr(2.3522),
		Source:     strPtr("scrobbler"),
		ExternalID: strPtr("play-1"),
	}
	res, err := db.UpsertEntity(ctx, spanned)
	require.NoError(t, err)

	var rangeStart, rangeEnd time.Time
	err = db.Conn().QueryRowContext(ctx,
		`SELECT t_range_start, t_range_end FROM entities WHERE id = ?`, res.ID.String()).
		Scan(&rangeStart, &rangeEnd)
	require.NoError(t, err)
	assert.True(t, rangeStart.UTC().Equal(start), "t_range_start mirrors t_start")
	assert.True(t, rangeEnd.UTC().Equal(end), "t_range_end mirrors t_end")

	// Instantaneous entity: the range collapses to [t_start, t_start]
	instant := gpsFix("arc", "fix-derived", start, 48.85, 2.35)
	res2, err := db.UpsertEntity(ctx, instant)
	require.NoError(t, err)

	err = db.Conn().QueryRowContext(ctx,
		`SELECT t_range_start, t_range_end FROM entities WHERE id = ?`, res2.ID.String()).
		Scan(&rangeStart, &rangeEnd)
	require.NoError(t, err)
	assert.True(t, rangeEnd.UTC().Equal(start), "t_range_end falls back to t_start")

	if db.IsSpatialAvailable() {
		var x, y float64
		err = db.Conn().QueryRowContext(ctx,
			`SELECT ST_X(geom), ST_Y(geom) FROM entities WHERE id = ?`, res.ID.String()).
			Scan(&x, &y)
		require.NoError(t, err)
		assert.InDelta(t, 2.3522, x, 1e-9, "geom x is longitude")
		assert.InDelta(t, 48.8566, y, 1e-9, "geom y is latitude")

		// Unlocated entity derives NULL geom
		bare := &models.Entity{Type: "note", TStart: start, Source: strPtr("s"), ExternalID: strPtr("n-1")}
		res3, err := db.UpsertEntity(ctx, bare)
		require.NoError(t, err)

		var geomNull bool
		err = db.Conn().QueryRowContext(ctx,
			`SELECT geom IS NULL FROM entities WHERE id = ?`, res3.ID.String()).Scan(&geomNull)
		require.NoError(t, err)
		assert.True(t, geomNull, "absent coordinates must derive NULL geom")
	}
}

func TestGetEntityByKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 2, 2, 2, 0, 0, 0, time.UTC)
	_, err := db.UpsertEntity(ctx, gpsFix("arc", "k-1", at, 10, 20))
	require.NoError(t, err)

	found, err := db.GetEntityByKey(ctx, "arc", "k-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.TypeLocationGPS, found.Type)

	missing, err := db.GetEntityByKey(ctx, "arc", "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConcurrentUpsertsSameKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpsertEntity(ctx, gpsFix("arc", "contended", at, 1, 2))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	count, err := db.CountEntities(ctx, "arc", "contended")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "per-key locking must serialize to one row")
}

func TestBulkUpsertCountsOutcomes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

	// Seed one row so the batch sees an update
	_, err := db.UpsertEntity(ctx, gpsFix("arc", "b-0", at, 1, 1))
	require.NoError(t, err)

	batch := []*models.Entity{
		gpsFix("arc", "b-0", at, 1, 1),                   // update
		gpsFix("arc", "b-1", at.Add(time.Minute), 2, 2),  // insert
		gpsFix("arc", "b-2", at.Add(2*time.Minute), 3, 3), // insert
		{Type: "", TStart: at}, // invalid
	}

	result, err := db.BulkUpsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 4, result.Total)
}
