// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kmeans clusters latent codes with k-means (Lloyd iterations with k-means++ seeding).
package kmeans

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Result of a clustering.
type Result struct {
	// Centers of the k clusters.
	Centers [][]float64

	// Labels gives the cluster of each point.
	Labels []int

	// Inertia is the sum of the squared distances of the points to their centers.
	Inertia float64

	// Iterations run until convergence (or MaxIterations).
	Iterations int
}

// Config of the clustering. The zero value uses the defaults.
type Config struct {
	// MaxIterations of Lloyd's algorithm. Defaults to 300.
	MaxIterations int

	// Tolerance on the movement of the centers (sum of squares) to stop. Defaults to 1e-8.
	Tolerance float64

	// Seed of the random generator used to pick the initial centers.
	Seed uint64
}

// Fit clusters points (all of the same dimension) into k clusters.
func Fit(points [][]float64, k int, cfg Config) (*Result, error) {
	if k <= 0 {
		return nil, errors.Errorf("kmeans: invalid number of clusters %d", k)
	}
	if len(points) < k {
		return nil, errors.Errorf("kmeans: %d points can't be split into %d clusters", len(points), k)
	}
	dim := len(points[0])
	for ii, p := range points {
		if len(p) != dim {
			return nil, errors.Errorf("kmeans: point #%d has dimension %d, expected %d", ii, len(p), dim)
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 300
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-8
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))

	res := &Result{Centers: seed(points, k, rng), Labels: make([]int, len(points))}
	counts := make([]int, k)
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for res.Iterations = 1; res.Iterations <= cfg.MaxIterations; res.Iterations++ {
		res.Inertia = assign(points, res.Centers, res.Labels)
		for c := range k {
			counts[c] = 0
			for jj := range sums[c] {
				sums[c][jj] = 0
			}
		}
		for ii, p := range points {
			c := res.Labels[ii]
			counts[c]++
			floats.Add(sums[c], p)
		}
		var shift float64
		for c := range k {
			if counts[c] == 0 {
				// Empty cluster: restart it at the point farthest from its center.
				far := farthest(points, res.Centers, res.Labels)
				shift += sqDist(res.Centers[c], points[far])
				copy(res.Centers[c], points[far])
				res.Labels[far] = c
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += sqDist(res.Centers[c], sums[c])
			copy(res.Centers[c], sums[c])
		}
		if shift <= cfg.Tolerance {
			break
		}
	}
	res.Iterations = min(res.Iterations, cfg.MaxIterations)
	res.Inertia = assign(points, res.Centers, res.Labels)
	return res, nil
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

// nearest returns the closest center to p, and its squared distance.
func nearest(p []float64, centers [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, center := range centers {
		if d := sqDist(p, center); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// assign sets labels to the nearest center of each point, and returns the inertia.
func assign(points, centers [][]float64, labels []int) float64 {
	var inertia float64
	for ii, p := range points {
		c, d := nearest(p, centers)
		labels[ii] = c
		inertia += d
	}
	return inertia
}

func farthest(points, centers [][]float64, labels []int) int {
	best, bestDist := 0, -1.0
	for ii, p := range points {
		if d := sqDist(p, centers[labels[ii]]); d > bestDist {
			best, bestDist = ii, d
		}
	}
	return best
}

// seed picks the k initial centers with k-means++: each new center is drawn with probability
// proportional to the squared distance to the closest center already picked.
func seed(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	centers := make([][]float64, 0, k)
	centers = append(centers, append([]float64(nil), points[rng.IntN(len(points))]...))
	weights := make([]float64, len(points))
	for len(centers) < k {
		for ii, p := range points {
			_, weights[ii] = nearest(p, centers)
		}
		total := floats.Sum(weights)
		pick := 0
		if total > 0 {
			target := rng.Float64() * total
			for pick = 0; pick < len(points)-1; pick++ {
				target -= weights[pick]
				if target < 0 {
					break
				}
			}
		} else {
			pick = rng.IntN(len(points))
		}
		centers = append(centers, append([]float64(nil), points[pick]...))
	}
	return centers
}
