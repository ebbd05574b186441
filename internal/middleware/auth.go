// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package middleware

import (
	"crypto/subtle"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/daruma/internal/logging"
	"github.com/tomtom215/daruma/internal/metrics"
)

// APIKeyAuth authenticates requests with a shared secret in the X-API-Key
// header. Missing and mismatched keys both get 401 with the same body, so
// the response does not reveal whether a key exists. The comparison is
// constant-time.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get("X-API-Key"))
			if subtle.ConstantTimeCompare(provided, expected) != 1 {
				metrics.AuthFailures.Inc()
				logging.Ctx(r.Context()).Warn().
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Msg("Rejected request with invalid API key")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				if err := json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid or missing API key"}); err != nil {
					logging.Debug().Err(err).Msg("Failed to write auth error")
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
