// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/models"
)

// fakeStore is an in-memory Store recording watermarks and upserts.
type fakeStore struct {
	mu         sync.Mutex
	watermarks map[string]*models.Watermark
	upserted   []*models.Entity
	upsertErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{watermarks: make(map[string]*models.Watermark)}
}

func (s *fakeStore) GetWatermark(ctx context.Context, source string) (*models.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[source], nil
}

func (s *fakeStore) SetWatermark(ctx context.Context, source string, lastRun time.Time, lastCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[source] = &models.Watermark{Source: source, LastRun: lastRun, LastCount: lastCount}
	return nil
}

func (s *fakeStore) UpsertEntity(ctx context.Context, e *models.Entity) (*models.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	s.upserted = append(s.upserted, e)
	return &models.UpsertResult{Status: models.StatusInserted}, nil
}

func (s *fakeStore) watermark(source string) *models.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[source]
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserted)
}

// fakeSource is a scriptable Source capturing the since bound it was given.
// streamErr, when set, surfaces from the iterator after the scripted items
// are exhausted rather than from Discover itself.
type fakeSource struct {
	name        string
	native      bool
	items       []any
	discoverErr error
	streamErr   error
	extractErr  error

	mu        sync.Mutex
	sinceSeen []time.Time
}

func (s *fakeSource) Name() string            { return s.name }
func (s *fakeSource) Schedule() string        { return "0 * * * *" }
func (s *fakeSource) HasNativeLocation() bool { return s.native }

func (s *fakeSource) Discover(ctx context.Context, since time.Time) (Iterator, error) {
	s.mu.Lock()
	s.sinceSeen = append(s.sinceSeen, since)
	s.mu.Unlock()
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	if s.streamErr != nil {
		return &erringIterator{items: s.items, err: s.streamErr}, nil
	}
	return NewSliceIterator(s.items), nil
}

// erringIterator yields its items, then fails.
type erringIterator struct {
	items []any
	err   error
}

func (it *erringIterator) Next() (any, error) {
	if len(it.items) > 0 {
		raw := it.items[0]
		it.items = it.items[1:]
		return raw, nil
	}
	return nil, it.err
}

func (it *erringIterator) Close() error { return nil }

func (s *fakeSource) Extract(ctx context.Context, raw any) ([]*models.Entity, error) {
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	e, ok := raw.(*models.Entity)
	if !ok {
		return nil, fmt.Errorf("unexpected raw item %T", raw)
	}
	return []*models.Entity{e}, nil
}

func (s *fakeSource) lastSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinceSeen[len(s.sinceSeen)-1]
}

// testEntity builds a keyed entity claiming no source; the engine stamps it.
func testEntity(externalID string, at time.Time) *models.Entity {
	return &models.Entity{
		Type:       "note",
		TStart:     at,
		ExternalID: &externalID,
	}
}

func newTestEngine(t *testing.T, store Store, sources ...Source) *Engine {
	t.Helper()
	registry := NewRegistry()
	for _, src := range sources {
		require.NoError(t, registry.Register(src))
	}
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewEngine(store, registry, nil, &config.IngestConfig{Epoch: epoch})
}

func TestRunSourceAdvancesWatermark(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		name:   "test",
		native: true,
		items:  []any{testEntity("a", at), testEntity("b", at.Add(time.Minute))},
	}
	engine := newTestEngine(t, store, src)

	before := time.Now().UTC()
	count, err := engine.RunSource(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, store.upsertCount())

	// First run discovers from the configured epoch
	assert.True(t, src.lastSince().Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))

	// Watermark lands at the run start, not at the newest record
	wm := store.watermark("test")
	require.NotNil(t, wm)
	assert.False(t, wm.LastRun.Before(before))
	assert.False(t, wm.LastRun.After(time.Now().UTC()))
	assert.Equal(t, 2, wm.LastCount)

	// The next run resumes from the recorded watermark
	_, err = engine.RunSource(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, src.lastSince().Equal(wm.LastRun))
}

func TestRunSourceUnknown(t *testing.T) {
	engine := newTestEngine(t, newFakeStore())
	_, err := engine.RunSource(context.Background(), "nope")
	assert.Error(t, err)
}

func TestFailedDiscoveryLeavesWatermark(t *testing.T) {
	store := newFakeStore()
	src := &fakeSource{name: "test", native: true, discoverErr: errors.New("export dir gone")}
	engine := newTestEngine(t, store, src)

	_, err := engine.RunSource(context.Background(), "test")
	require.Error(t, err)
	assert.Nil(t, store.watermark("test"), "a failed run must not advance the watermark")
}

func TestMidStreamDiscoveryErrorLeavesWatermark(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		name:      "test",
		native:    true,
		items:     []any{testEntity("a", at)},
		streamErr: errors.New("api page 2 unreachable"),
	}
	engine := newTestEngine(t, store, src)

	count, err := engine.RunSource(context.Background(), "test")
	require.Error(t, err)

	// The item before the failure was already extracted and upserted:
	// discovery and upserts interleave item by item
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, store.upsertCount())
	assert.Nil(t, store.watermark("test"), "a partial run must not advance the watermark")
}

func TestFailedExtractionLeavesWatermark(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{
		name:       "test",
		native:     true,
		items:      []any{testEntity("a", at)},
		extractErr: errors.New("malformed record"),
	}
	engine := newTestEngine(t, store, src)

	_, err := engine.RunSource(context.Background(), "test")
	require.Error(t, err)
	assert.Nil(t, store.watermark("test"))
	assert.Equal(t, 0, store.upsertCount())
}

func TestFailedUpsertLeavesWatermark(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("database closed")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "test", native: true, items: []any{testEntity("a", at)}}
	engine := newTestEngine(t, store, src)

	_, err := engine.RunSource(context.Background(), "test")
	require.Error(t, err)
	assert.Nil(t, store.watermark("test"))
}

func TestPrepareStampsSource(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "test", native: true, items: []any{testEntity("a", at)}}
	engine := newTestEngine(t, store, src)

	_, err := engine.RunSource(context.Background(), "test")
	require.NoError(t, err)
	require.Equal(t, 1, store.upsertCount())
	require.NotNil(t, store.upserted[0].Source)
	assert.Equal(t, "test", *store.upserted[0].Source)
}

func TestPrepareRejectsForeignSourceClaim(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rogue := testEntity("a", at)
	other := "someone-else"
	rogue.Source = &other
	src := &fakeSource{name: "test", native: true, items: []any{rogue}}
	engine := newTestEngine(t, store, src)

	_, err := engine.RunSource(context.Background(), "test")
	require.Error(t, err)
	assert.Nil(t, store.watermark("test"))
}

func TestPrepareRejectsMissingDedupeKey(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	keyless := &models.Entity{Type: "note", TStart: at}
	src := &fakeSource{name: "test", native: true, items: []any{keyless}}
	engine := newTestEngine(t, store, src)

	_, err := engine.RunSource(context.Background(), "test")
	require.Error(t, err)
	assert.Equal(t, 0, store.upsertCount())
}

// staticResolver is a LocationResolver pinned to one answer.
type staticResolver struct {
	lat, lon float64
	ok       bool
}

func (r *staticResolver) ResolveLocation(ctx context.Context, source string, instant time.Time) (float64, float64, bool, error) {
	return r.lat, r.lon, r.ok, nil
}

func TestEngineEnrichesNonNativeSources(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "spotify", native: false, items: []any{testEntity("track-1", at)}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(src))
	resolver := NewResolver(&staticResolver{lat: 51.5, lon: -0.1, ok: true}, "arc")
	engine := NewEngine(store, registry, resolver, &config.IngestConfig{})

	_, err := engine.RunSource(context.Background(), "spotify")
	require.NoError(t, err)
	require.Equal(t, 1, store.upsertCount())

	e := store.upserted[0]
	require.NotNil(t, e.Lat)
	assert.InDelta(t, 51.5, *e.Lat, 1e-9)
	require.NotNil(t, e.LocSource)
	assert.Equal(t, models.LocSourceInferred, *e.LocSource)
}

func TestEngineLeavesUnresolvableEntitiesUnlocated(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "spotify", native: false, items: []any{testEntity("track-1", at)}}

	registry := NewRegistry()
	require.NoError(t, registry.Register(src))
	resolver := NewResolver(&staticResolver{ok: false}, "arc")
	engine := NewEngine(store, registry, resolver, &config.IngestConfig{})

	_, err := engine.RunSource(context.Background(), "spotify")
	require.NoError(t, err)
	require.Equal(t, 1, store.upsertCount())

	e := store.upserted[0]
	assert.Nil(t, e.Lat)
	assert.Nil(t, e.LocSource)
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	store := newFakeStore()
	src := &fakeSource{name: "flaky", native: true, discoverErr: errors.New("down")}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.RunSource(ctx, "flaky")
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	// Fourth attempt is rejected without touching the source
	_, err := engine.RunSource(ctx, "flaky")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	src.mu.Lock()
	attempts := len(src.sinceSeen)
	src.mu.Unlock()
	assert.Equal(t, 3, attempts, "an open breaker short-circuits discovery")
}

func TestRunAllAggregatesErrors(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := &fakeSource{name: "good", native: true, items: []any{testEntity("a", at)}}
	bad := &fakeSource{name: "bad", native: true, discoverErr: errors.New("broken")}
	engine := newTestEngine(t, store, good, bad)

	err := engine.RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	// The failing source does not stop the healthy one
	assert.Equal(t, 1, store.upsertCount())
	assert.NotNil(t, store.watermark("good"))
	assert.Nil(t, store.watermark("bad"))
}
