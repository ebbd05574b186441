// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package ingest

import (
	"context"
	"time"

	"github.com/tomtom215/daruma/internal/logging"
)

// Scheduler runs the ingestion engine on a fixed interval as a supervised
// service. After every successful sweep it invokes the after-run hook, which
// the server wires to place/visit detection so detection always sees the
// freshest backbone.
//
// Serve implements suture.Service: it runs one sweep immediately, then one
// per interval tick, and returns the context error on shutdown. A failed
// sweep is logged and retried on the next tick rather than restarting the
// service; failures inside a sweep already leave watermarks unadvanced.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	afterRun func(ctx context.Context) error
}

// NewScheduler creates the ingestion scheduler. afterRun may be nil.
func NewScheduler(engine *Engine, interval time.Duration, afterRun func(ctx context.Context) error) *Scheduler {
	return &Scheduler{engine: engine, interval: interval, afterRun: afterRun}
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs all sources once, then the after-run hook.
func (s *Scheduler) sweep(ctx context.Context) {
	if err := s.engine.RunAll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Error().Err(err).Msg("Ingestion sweep finished with errors")
	}
	if s.afterRun == nil {
		return
	}
	if err := s.afterRun(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Post-ingestion hook failed")
	}
}

// String implements fmt.Stringer for suture's logging.
func (s *Scheduler) String() string {
	return "ingest-scheduler"
}
