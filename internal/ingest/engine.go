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
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/metrics"
	"github.com/tomtom215/daruma/internal/models"
)

// Store is the slice of the database layer the engine writes through.
// Satisfied by *database.DB.
type Store interface {
	GetWatermark(ctx context.Context, source string) (*models.Watermark, error)
	SetWatermark(ctx context.Context, source string, lastRun time.Time, lastCount int) error
	UpsertEntity(ctx context.Context, e *models.Entity) (*models.UpsertResult, error)
}

// Engine drives the ingestion run protocol over all registered sources.
//
// Watermark protocol: a run reads the source's watermark (the configured
// epoch if the source has never run), records the run start instant BEFORE
// discovery, and advances the watermark to that instant only after every
// discovered item has been extracted, enriched, and upserted. A failed run
// leaves the watermark untouched, so the next run re-covers the same window;
// idempotent upserts make the overlap safe.
type Engine struct {
	store    Store
	registry *Registry
	resolver *Resolver
	epoch    time.Time
	limiter  *rate.Limiter

	// runLocks serializes runs per source; concurrent runs of the same
	// source would race on the watermark.
	runLocks sync.Map

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[any]
}

// NewEngine creates an ingestion engine. A rate limit of 0 means unlimited.
func NewEngine(store Store, registry *Registry, resolver *Resolver, cfg *config.IngestConfig) *Engine {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Unix(0, 0).UTC()
	}

	return &Engine{
		store:    store,
		registry: registry,
		resolver: resolver,
		epoch:    epoch,
		limiter:  limiter,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// RunAll runs every registered source once, in name order. A failing source
// does not stop the others; the combined error is returned.
func (e *Engine) RunAll(ctx context.Context) error {
	var errs []error
	for _, name := range e.registry.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.RunSource(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// RunSource runs one source through the full protocol and returns the number
// of entities upserted. The watermark advances only on a clean run.
func (e *Engine) RunSource(ctx context.Context, name string) (int, error) {
	src := e.registry.Get(name)
	if src == nil {
		return 0, fmt.Errorf("unknown source: %q", name)
	}

	lockIface, _ := e.runLocks.LoadOrStore(name, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	count, err := e.runLocked(ctx, src)
	metrics.IngestRunDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.IngestRuns.WithLabelValues(name, "failure").Inc()
		logging.Error().Str("source", name).Err(err).Msg("Ingestion run failed")
		return count, err
	}
	metrics.IngestRuns.WithLabelValues(name, "success").Inc()
	return count, nil
}

func (e *Engine) runLocked(ctx context.Context, src Source) (int, error) {
	name := src.Name()

	since := e.epoch
	wm, err := e.store.GetWatermark(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	if wm != nil {
		since = wm.LastRun
	}

	// The next watermark is captured before discovery so records arriving
	// mid-run fall into the next window instead of being skipped.
	runStart := time.Now().UTC()

	logging.Info().
		Str("source", name).
		Time("since", since).
		Msg("Starting ingestion run")

	items, err := e.discover(ctx, src, since)
	if err != nil {
		return 0, fmt.Errorf("discovery failed: %w", err)
	}
	defer func() {
		if err := items.Close(); err != nil {
			logging.Warn().Str("source", name).Err(err).Msg("Failed to close discovery iterator")
		}
	}()

	// One raw item at a time: discovery suspends between items, so memory
	// stays bounded no matter how far behind the watermark is
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		raw, err := items.Next()
		if err != nil {
			return count, fmt.Errorf("discovery failed: %w", err)
		}
		if raw == nil {
			break
		}

		entities, err := e.extract(ctx, src, raw)
		if err != nil {
			return count, fmt.Errorf("extraction failed: %w", err)
		}

		for _, entity := range entities {
			if err := e.prepare(ctx, src, entity); err != nil {
				return count, err
			}
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return count, err
				}
			}
			result, err := e.store.UpsertEntity(ctx, entity)
			if err != nil {
				metrics.EntityUpserts.WithLabelValues(entity.Type, "error").Inc()
				return count, fmt.Errorf("upsert failed: %w", err)
			}
			metrics.EntityUpserts.WithLabelValues(entity.Type, string(result.Status)).Inc()
			count++
		}
	}

	if err := e.store.SetWatermark(ctx, name, runStart, count); err != nil {
		return count, fmt.Errorf("failed to advance watermark: %w", err)
	}
	metrics.IngestWatermark.WithLabelValues(name).Set(float64(runStart.Unix()))
	metrics.IngestEntities.WithLabelValues(name).Add(float64(count))

	logging.Info().
		Str("source", name).
		Int("entities", count).
		Time("watermark", runStart).
		Msg("Ingestion run complete")

	return count, nil
}

// prepare stamps the source name, validates the dedupe key, and enriches
// location for non-native sources.
func (e *Engine) prepare(ctx context.Context, src Source, entity *models.Entity) error {
	if entity.Source == nil {
		name := src.Name()
		entity.Source = &name
	} else if *entity.Source != src.Name() {
		return fmt.Errorf("source %s emitted entity claiming source %q", src.Name(), *entity.Source)
	}
	if !entity.HasDedupeKey() {
		return fmt.Errorf("source %s emitted entity without external_id", src.Name())
	}

	if src.HasNativeLocation() && entity.HasLocation() && entity.LocSource == nil {
		native := models.LocSourceNative
		entity.LocSource = &native
		return nil
	}
	if e.resolver == nil || src.HasNativeLocation() {
		return nil
	}
	return e.resolver.Enrich(ctx, entity)
}

// discover and extract run behind a per-source circuit breaker so a
// misbehaving source (unreachable API, corrupt export directory) backs off
// instead of hammering on every scheduled run.
func (e *Engine) discover(ctx context.Context, src Source, since time.Time) (Iterator, error) {
	result, err := e.breaker(src.Name()).Execute(func() (any, error) {
		return src.Discover(ctx, since)
	})
	if err != nil {
		return nil, err
	}
	items, ok := result.(Iterator)
	if !ok {
		return nil, fmt.Errorf("unexpected discovery result type %T", result)
	}
	return items, nil
}

func (e *Engine) extract(ctx context.Context, src Source, raw any) ([]*models.Entity, error) {
	result, err := e.breaker(src.Name()).Execute(func() (any, error) {
		return src.Extract(ctx, raw)
	})
	if err != nil {
		return nil, err
	}
	entities, ok := result.([]*models.Entity)
	if !ok {
		return nil, fmt.Errorf("unexpected extraction result type %T", result)
	}
	return entities, nil
}

func (e *Engine) breaker(name string) *gobreaker.CircuitBreaker[any] {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()

	if cb, ok := e.breakers[name]; ok {
		return cb
	}

	cbName := "source-" + name
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := breakerStateString(from), breakerStateString(to)
			logging.Warn().
				Str("breaker", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Source circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})
	e.breakers[name] = cb
	return cb
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func breakerStateFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
