// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

// Package main is the entry point for the Daruma server.
//
// Daruma is a self-hosted personal timeline engine: every timestamped,
// optionally located record of a life (GPS fixes, listened tracks, photos,
// calendar events) lands in one unified entity store, queryable by time
// window, bounding box, or uniform-time resample, and exportable as NDJSON.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered load (defaults, config.yaml, env vars)
//  2. Database: DuckDB with the spatial extension
//  3. Sources: the plugin registry with the bundled Arc GPS source
//  4. Ingestion: engine + scheduler, with place/visit detection after sweeps
//  5. HTTP server: the API behind X-API-Key auth
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests (10s budget), the ingestion scheduler stops at its next
// cancellation point, and the database checkpoints before closing.
//
// # Port 4326
//
// The default port references EPSG:4326 (WGS84), the coordinate system every
// stored coordinate lives in.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/daruma/internal/api"
	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/database"
	"github.com/tomtom215/daruma/internal/detect"
	"github.com/tomtom215/daruma/internal/ingest"
	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	logging.Info().
		Str("database", cfg.Database.Path).
		Str("addr", cfg.Server.Addr()).
		Msg("Starting Daruma")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close database")
		}
	}()

	// Source registry: a duplicate name is a wiring bug, so it aborts startup
	registry := ingest.NewRegistry()
	if cfg.Ingest.ArcExportDir != "" {
		if err := registry.Register(ingest.NewArcSource(cfg.Ingest.ArcExportDir)); err != nil {
			logging.Fatal().Err(err).Msg("Failed to register Arc source")
		}
	} else {
		logging.Warn().Msg("ARC_EXPORT_DIR not set; Arc GPS source disabled")
	}

	resolver := ingest.NewResolver(db, cfg.Ingest.EnrichSource)
	engine := ingest.NewEngine(db, registry, resolver, &cfg.Ingest)
	detector := detect.NewDetector(db, cfg.Detect, cfg.Ingest.EnrichSource)

	scheduler := ingest.NewScheduler(engine, cfg.Ingest.Interval, detector.Run)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(db, cfg),
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout must cover the longest legitimate response: a full
		// NDJSON export
		WriteTimeout: cfg.Server.ExportTimeout,
	}

	treeLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	tree := supervisor.NewTree(treeLogger, supervisor.DefaultTreeConfig())
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))
	tree.AddIngestService(scheduler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Root().Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("Supervisor tree failed")
	}

	logging.Info().Msg("Shutdown complete")
}
