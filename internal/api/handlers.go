// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/tomtom215/daruma/internal/config"
	"github.com/tomtom215/daruma/internal/database"
	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/models"
)

// maxBatchSize bounds POST /v1/entities/batch.
const maxBatchSize = 1000

// Handler carries the dependencies shared by all endpoint methods.
type Handler struct {
	db  *database.DB
	cfg *config.Config
}

// NewHandler creates the API handler set.
func NewHandler(db *database.DB, cfg *config.Config) *Handler {
	return &Handler{db: db, cfg: cfg}
}

// Health is the unauthenticated liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"spatial": h.db.IsSpatialAvailable(),
	})
}

// Stats returns store totals, type breakdown, time coverage, sizes, and
// uptime.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats(r.Context())
	if err != nil {
		h.storeError(w, r, err, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// EntityResponse is the body of POST /v1/entity.
type EntityResponse struct {
	ID     string              `json:"id"`
	Status models.UpsertStatus `json:"status"`
}

// CreateEntity upserts a single entity. An entity carrying a known
// (source, external_id) key replaces the existing row and reports "updated".
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var entity models.Entity
	if err := decodeJSON(r, &entity); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.db.UpsertEntity(r.Context(), &entity)
	if err != nil {
		if errors.Is(err, database.ErrInvalidEntity) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.storeError(w, r, err, "failed to upsert entity")
		return
	}

	writeJSON(w, http.StatusOK, EntityResponse{ID: result.ID.String(), Status: result.Status})
}

// CreateEntitiesBatch upserts up to maxBatchSize entities from a JSON array
// body. Invalid entities are counted as errors without aborting the batch.
func (h *Handler) CreateEntitiesBatch(w http.ResponseWriter, r *http.Request) {
	var entities []*models.Entity
	if err := decodeJSON(r, &entities); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(entities) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "Maximum 1000 entities per batch")
		return
	}

	result, err := h.db.BulkUpsert(r.Context(), entities)
	if err != nil {
		h.storeError(w, r, err, "failed to upsert batch")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// storeError maps store failures onto the transport: timeouts surface their
// reason, everything else is an opaque 500 with the detail in the log.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	logging.Ctx(r.Context()).Error().Err(err).Msg(msg)

	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusInternalServerError, "query exceeded its time budget")
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; the status is never seen
		writeError(w, http.StatusInternalServerError, "request canceled")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal server error")
}
