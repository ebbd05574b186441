// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tomtom215/daruma/internal/database"
	"github.com/tomtom215/daruma/internal/models"
	"github.com/tomtom215/daruma/internal/validation"
)

// ListPlaces serves GET /v1/places: all detected places with their stats,
// most visited first.
func (h *Handler) ListPlaces(w http.ResponseWriter, r *http.Request) {
	places, err := h.db.ListPlaces(r.Context())
	if err != nil {
		h.storeError(w, r, err, "failed to list places")
		return
	}
	if places == nil {
		places = []*models.PlaceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": places})
}

// GetPlace serves GET /v1/places/{id}: one place with its recent visits.
func (h *Handler) GetPlace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid place id")
		return
	}

	detail, err := h.db.GetPlace(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "place not found")
			return
		}
		h.storeError(w, r, err, "failed to get place")
		return
	}
	if detail.RecentVisits == nil {
		detail.RecentVisits = []*models.Entity{}
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdatePlace serves PATCH /v1/places/{id}: rename and/or recolor a place,
// propagating the change to every linked visit in one transaction.
func (h *Handler) UpdatePlace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid place id")
		return
	}

	var req models.PlaceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == nil && req.Color == nil {
		writeError(w, http.StatusBadRequest, "at least one of name or color is required")
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	updated, err := h.db.RenamePlace(r.Context(), id, req.Name, req.Color)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "place not found")
			return
		}
		h.storeError(w, r, err, "failed to update place")
		return
	}

	writeJSON(w, http.StatusOK, models.PlaceUpdateResponse{
		ID:            id.String(),
		UpdatedVisits: int(updated),
	})
}

// DeleteVisits serves DELETE /v1/visits: bulk deletion of place.visit
// entities, gated on confirm=yes. Optional start/end parameters (RFC3339)
// restrict deletion to visits overlapping the window.
func (h *Handler) DeleteVisits(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "yes" {
		writeError(w, http.StatusBadRequest, "bulk deletion requires confirm=yes")
		return
	}

	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	var deleted int64
	var err error
	if startStr != "" || endStr != "" {
		var start, end time.Time
		if start, err = time.Parse(time.RFC3339, startStr); err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		if end, err = time.Parse(time.RFC3339, endStr); err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		if !end.After(start) {
			writeError(w, http.StatusBadRequest, "end must be > start")
			return
		}
		deleted, err = h.db.DeleteVisitsInWindow(r.Context(), start, end)
	} else {
		deleted, err = h.db.DeleteVisits(r.Context())
	}
	if err != nil {
		h.storeError(w, r, err, "failed to delete visits")
		return
	}

	writeJSON(w, http.StatusOK, models.DeleteVisitsResponse{Deleted: int(deleted)})
}
