// Daruma - Personal Spatiotemporal Timeline Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/daruma

package detect

import (
	"math"

	"github.com/tomtom215/daruma/internal/models"
)

// Cluster labels. Points start unvisited; noise points stay labeled noise
// unless a later core point absorbs them as border points.
const (
	labelUnvisited = -2
	labelNoise     = -1
)

// dbscan labels each point with a cluster index (0-based) or labelNoise.
//
// The metric is great-circle distance with epsilon in meters. Neighbor
// queries run against a geographic grid whose cell edge is ~epsilon, so each
// query inspects only the 3x3 cell neighborhood instead of every point.
// Clusters are numbered in order of discovery; with the time-ordered input
// from the store the numbering is deterministic for a given dataset.
func dbscan(points []models.GPSPoint, epsilonMeters float64, minSamples int) []int {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = labelUnvisited
	}

	grid := buildGrid(points, epsilonMeters)
	nextCluster := 0

	for i := range points {
		if labels[i] != labelUnvisited {
			continue
		}

		neighbors := grid.neighbors(points, i, epsilonMeters)
		if len(neighbors) < minSamples {
			labels[i] = labelNoise
			continue
		}

		cluster := nextCluster
		nextCluster++
		labels[i] = cluster

		// Expand the cluster over the seed set. The slice grows as core
		// points contribute their neighborhoods.
		seeds := neighbors
		for j := 0; j < len(seeds); j++ {
			p := seeds[j]
			if labels[p] == labelNoise {
				labels[p] = cluster // noise absorbed as border point
			}
			if labels[p] != labelUnvisited {
				continue
			}
			labels[p] = cluster

			pNeighbors := grid.neighbors(points, p, epsilonMeters)
			if len(pNeighbors) >= minSamples {
				seeds = append(seeds, pNeighbors...)
			}
		}
	}

	return labels
}

// geoGrid buckets point indices into lat/lon cells of roughly epsilon edge
// length, clamped near the poles where longitude degrees degenerate.
type geoGrid struct {
	cells   map[[2]int][]int
	latStep float64
	lonStep float64
}

func buildGrid(points []models.GPSPoint, epsilonMeters float64) *geoGrid {
	// One degree of latitude is ~111.32 km everywhere; longitude shrinks
	// with cos(lat). A single lon step sized for the highest latitude in
	// the dataset keeps every cell at least epsilon wide.
	latStep := epsilonMeters / 111320.0

	maxAbsLat := 0.0
	for _, p := range points {
		if abs := math.Abs(p.Lat); abs > maxAbsLat {
			maxAbsLat = abs
		}
	}
	if maxAbsLat > 89.0 {
		maxAbsLat = 89.0
	}
	lonStep := epsilonMeters / (111320.0 * math.Cos(maxAbsLat*math.Pi/180.0))

	g := &geoGrid{
		cells:   make(map[[2]int][]int),
		latStep: latStep,
		lonStep: lonStep,
	}
	for i, p := range points {
		key := g.cellKey(p.Lat, p.Lon)
		g.cells[key] = append(g.cells[key], i)
	}
	return g
}

func (g *geoGrid) cellKey(lat, lon float64) [2]int {
	return [2]int{int(math.Floor(lat / g.latStep)), int(math.Floor(lon / g.lonStep))}
}

// neighbors returns the indices within epsilon of point i, including i itself.
func (g *geoGrid) neighbors(points []models.GPSPoint, i int, epsilonMeters float64) []int {
	p := points[i]
	key := g.cellKey(p.Lat, p.Lon)

	var result []int
	for dLat := -1; dLat <= 1; dLat++ {
		for dLon := -1; dLon <= 1; dLon++ {
			for _, j := range g.cells[[2]int{key[0] + dLat, key[1] + dLon}] {
				q := points[j]
				if haversineMeters(p.Lat, p.Lon, q.Lat, q.Lon) <= epsilonMeters {
					result = append(result, j)
				}
			}
		}
	}
	return result
}
