// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package api

import (
	"context"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/metrics"
	"github.com/tomtom215/daruma/internal/models"
)

// exportFlushEvery bounds how many lines buffer before an explicit flush.
const exportFlushEvery = 1000

// Export serves GET /v1/query/export: the full entity table as NDJSON.
// The first line is {"total": N}; each following line is one entity.
// Optional query parameters: types (repeatable or comma-separated) and
// order (newest|oldest, default newest). Gzip is negotiated upstream by the
// compression middleware.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	types := parseTypesParam(r)

	order := r.URL.Query().Get("order")
	switch order {
	case "":
		order = models.ExportNewest
	case models.ExportNewest, models.ExportOldest:
	default:
		writeError(w, http.StatusBadRequest, "order must be 'newest' or 'oldest'")
		return
	}

	// Exports get their own wall-clock budget; the per-request default is
	// far too small for a full-table scan
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Server.ExportTimeout)
	defer cancel()

	cursor, err := h.db.StreamExport(ctx, types, order)
	if err != nil {
		h.storeError(w, r, err, "failed to open export")
		return
	}
	defer func() {
		if err := cursor.Close(); err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Msg("Failed to close export cursor")
		}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	// Headers are sent; mid-stream failures can only truncate the output
	if err := enc.Encode(map[string]int64{"total": cursor.Total()}); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Export aborted on metadata line")
		return
	}
	if flusher != nil {
		flusher.Flush()
	}

	written := 0
	for {
		entity, err := cursor.Next()
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Int("written", written).Msg("Export scan aborted")
			return
		}
		if entity == nil {
			break
		}
		if err := enc.Encode(entity); err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Int("written", written).Msg("Export client went away")
			return
		}
		written++
		if flusher != nil && written%exportFlushEvery == 0 {
			flusher.Flush()
		}
	}
	if flusher != nil {
		flusher.Flush()
	}

	metrics.ExportedEntities.Add(float64(written))
	logging.Ctx(r.Context()).Info().
		Int("entities", written).
		Int64("total", cursor.Total()).
		Msg("Export complete")
}

// parseTypesParam reads the types filter, accepting both repeated parameters
// (?types=a&types=b) and comma-separated lists (?types=a,b).
func parseTypesParam(r *http.Request) []string {
	var types []string
	for _, raw := range r.URL.Query()["types"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	return types
}
