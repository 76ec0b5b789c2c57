// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kmeans

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	blobs := [][]float64{{0, 0}, {10, 10}, {-10, 10}}
	var points [][]float64
	for ii := range 90 {
		c := blobs[ii%3]
		points = append(points, []float64{c[0] + rng.NormFloat64()*0.3, c[1] + rng.NormFloat64()*0.3})
	}
	res, err := Fit(points, 3, Config{Seed: 7})
	require.NoError(t, err)
	require.Len(t, res.Centers, 3)

	// Points of the same blob share a label, and each blob has its own.
	for ii := 3; ii < len(points); ii++ {
		require.Equal(t, res.Labels[ii%3], res.Labels[ii])
	}
	assert.NotEqual(t, res.Labels[0], res.Labels[1])
	assert.NotEqual(t, res.Labels[1], res.Labels[2])
	assert.NotEqual(t, res.Labels[0], res.Labels[2])
	for b, blob := range blobs {
		center := res.Centers[res.Labels[b]]
		assert.InDelta(t, blob[0], center[0], 0.3)
		assert.InDelta(t, blob[1], center[1], 0.3)
	}
	assert.Less(t, res.Inertia, 90*0.5)

	// Reproducible for the same seed.
	again, err := Fit(points, 3, Config{Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, res.Labels, again.Labels)
}

func TestFitEdgeCases(t *testing.T) {
	points := [][]float64{{1}, {1}, {1}}
	res, err := Fit(points, 2, Config{})
	require.NoError(t, err)
	assert.Zero(t, res.Inertia)
	assert.Len(t, res.Centers, 2)

	_, err = Fit(points, 4, Config{})
	require.Error(t, err)
	_, err = Fit(points, 0, Config{})
	require.Error(t, err)
	_, err = Fit([][]float64{{1, 2}, {1}}, 1, Config{})
	require.Error(t, err)
}
