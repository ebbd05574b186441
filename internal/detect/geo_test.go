// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineMeters(t *testing.T) {
	// Same point
	assert.InDelta(t, 0, haversineMeters(51.5, -0.1, 51.5, -0.1), 1e-9)

	// One degree of longitude at the equator is ~111.19 km
	assert.InDelta(t, 111195, haversineMeters(0, 0, 0, 1), 100)

	// London (51.5074, -0.1278) to Paris (48.8566, 2.3522) is ~344 km
	d := haversineMeters(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 344000, d, 2000)

	// Symmetric
	assert.InDelta(t, d, haversineMeters(48.8566, 2.3522, 51.5074, -0.1278), 1e-6)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 95))
	assert.Equal(t, 7.0, percentile([]float64{7}, 95))

	values := []float64{10, 1, 5, 3, 8, 2, 9, 4, 6, 7}
	assert.Equal(t, 10.0, percentile(values, 100))
	assert.Equal(t, 1.0, percentile(values, 0))
	// Nearest rank: ceil(0.95*10) = 10th smallest
	assert.Equal(t, 10.0, percentile(values, 95))
	// ceil(0.5*10) = 5th smallest
	assert.Equal(t, 5.0, percentile(values, 50))

	// The input is not mutated
	assert.Equal(t, []float64{10, 1, 5, 3, 8, 2, 9, 4, 6, 7}, values)
}
