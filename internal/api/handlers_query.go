// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package api

import (
	"net/http"

	"github.com/tomtom215/daruma/internal/models"
	"github.com/tomtom215/daruma/internal/validation"
)

// QueryTime serves POST /v1/query/time: entities overlapping [start, end],
// optionally downsampled to n uniform-time bins.
func (h *Handler) QueryTime(w http.ResponseWriter, r *http.Request) {
	var req models.TimeQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entities, err := h.db.QueryTime(r.Context(), &req)
	if err != nil {
		h.storeError(w, r, err, "time query failed")
		return
	}
	if entities == nil {
		entities = []*models.Entity{}
	}
	writeJSON(w, http.StatusOK, models.QueryResponse{Entities: entities})
}

// QueryBBox serves POST /v1/query/bbox: located entities inside a WGS84
// envelope, optionally intersected with a time window.
func (h *Handler) QueryBBox(w http.ResponseWriter, r *http.Request) {
	var req models.BBoxQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := req.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entities, err := h.db.QueryBBox(r.Context(), &req)
	if err != nil {
		h.storeError(w, r, err, "bbox query failed")
		return
	}
	if entities == nil {
		entities = []*models.Entity{}
	}
	writeJSON(w, http.StatusOK, models.QueryResponse{Entities: entities})
}
