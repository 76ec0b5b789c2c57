// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package volume

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/cryosiren/pkg/mrc"
	"github.com/gomlx/cryosiren/pkg/particles"
)

func sum(values []float32) float64 {
	var s float64
	for _, v := range values {
		s += float64(v)
	}
	return s
}

// delta returns a cube of side n with a single 1 at (z, y, x).
func delta(n, z, y, x int) []float32 {
	vol := make([]float32, n*n*n)
	vol[(z*n+y)*n+x] = 1
	return vol
}

func TestFFT3RoundTrip(t *testing.T) {
	n := 6
	data := make([]complex128, n*n*n)
	for ii := range data {
		data[ii] = complex(math.Sin(float64(ii)), 0)
	}
	original := append([]complex128(nil), data...)
	fft3(data, n, false)
	// The DC coefficient is the sum of the values.
	var total float64
	for _, c := range original {
		total += real(c)
	}
	assert.InDelta(t, total, real(data[0]), 1e-9)
	fft3(data, n, true)
	for ii := range data {
		require.InDelta(t, real(original[ii]), real(data[ii]), 1e-9)
		require.InDelta(t, 0, imag(data[ii]), 1e-9)
	}
}

func TestBSplineFilter(t *testing.T) {
	n := 8
	vol := delta(n, 4, 4, 4)
	filtered := BSplineFilter(vol, n)
	// The B-spline amplitude spectrum has DC gain 2³=8.
	assert.InDelta(t, 8, sum(filtered), 1e-3)
	center := filtered[(4*n+4)*n+4]
	assert.Greater(t, center, filtered[(4*n+4)*n+5])
	assert.InDelta(t, filtered[(4*n+4)*n+3], filtered[(4*n+4)*n+5], 1e-5)
	assert.InDelta(t, filtered[(3*n+4)*n+4], filtered[(4*n+4)*n+5], 1e-5)

	thr := []float32{2, -2, 1e-6, 5e-7, -5e-7}
	SoftThreshold(thr, 1e-6)
	assert.InDeltaSlice(t, []float32{2 - 1e-6, -2 + 1e-6, 0, 5e-7, -5e-7}, thr, 1e-9)
}

func TestGaussianFilter3D(t *testing.T) {
	n := 9
	vol := delta(n, 4, 4, 4)
	blurred := GaussianFilter3D(vol, n, 1)
	assert.InDelta(t, 1, sum(blurred), 1e-5)
	kernel := gaussianKernel(1)
	assert.Len(t, kernel, 9)
	assert.InDelta(t, kernel[4]*kernel[4]*kernel[4], blurred[(4*n+4)*n+4], 1e-6)

	// Mirrored borders keep the mass of a corner voxel.
	corner := GaussianFilter3D(delta(n, 0, 0, 0), n, 1)
	assert.InDelta(t, 1, sum(corner), 1e-5)
	assert.Equal(t, vol, GaussianFilter3D(vol, n, 0))

	assert.Equal(t, 0, reflect(-1, 5))
	assert.Equal(t, 4, reflect(5, 5))
	assert.Equal(t, 3, reflect(6, 5))
	assert.Equal(t, 0, reflect(7, 1))
}

func TestRichardsonLucy(t *testing.T) {
	n := 8
	vol := GaussianFilter3D(delta(n, 4, 4, 4), n, 1)
	for ii := range vol {
		vol[ii] += 0.01
	}
	deconvolved := RichardsonLucy(vol, n, 3)
	require.Len(t, deconvolved, len(vol))
	for _, v := range deconvolved {
		require.False(t, math.IsNaN(float64(v)))
	}
	assert.Equal(t, vol, RichardsonLucy(vol, n, 0))
}

func TestNormalize(t *testing.T) {
	reference := []float32{1, 2, 3, 4}
	vol := []float32{10, 20, 30, 40}
	normalized := NormalizeToOther(reference, vol)
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4}, normalized, 1e-5)
	assert.Equal(t, []float32{2.5, 2.5}, NormalizeToOther(reference, []float32{7, 7}))

	// Same ranks, so the matched values are those of the reference at the same rank.
	source := []float64{0.3, 0.1, 0.2, 0.1}
	ref := []float64{5, 7, 6, 5}
	matched := MatchHistograms(source, ref)
	assert.InDelta(t, matched[1], matched[3], 1e-12)
	assert.InDelta(t, 5, matched[1], 1e-12)
	assert.InDelta(t, 7, matched[0], 1e-12)
	assert.Less(t, matched[1], matched[2])
	assert.Less(t, matched[2], matched[0])
	assert.Empty(t, MatchHistograms([]float64{}, ref))
}

func TestAssembleAndProcess(t *testing.T) {
	grid, err := particles.NewSphereGrid(6, 1, nil)
	require.NoError(t, err)
	values := [][]float32{make([]float32, grid.TotalVoxels()), make([]float32, grid.TotalVoxels())}
	for ii := range values[0] {
		values[0][ii] = 1
		values[1][ii] = -1
	}
	vols, err := Assemble(grid, values)
	require.NoError(t, err)
	require.Len(t, vols, 2)
	assert.InDelta(t, float64(grid.TotalVoxels()), sum(vols[0]), 1e-6)
	assert.Equal(t, float32(1), vols[0][(3*6+3)*6+3])
	_, err = Assemble(grid, [][]float32{{1}})
	require.Error(t, err)

	onlyPos := [][]float32{append([]float32(nil), vols[1]...)}
	require.NoError(t, Process(onlyPos, 6, Options{OnlyPositive: true, Parallelism: 2}))
	assert.Zero(t, sum(onlyPos[0]))

	// The negative part is kept when OnlyPositive is false.
	withNeg := [][]float32{append([]float32(nil), vols[1]...), append([]float32(nil), vols[0]...)}
	require.NoError(t, Process(withNeg, 6, Options{}))
	assert.Equal(t, vols[1], withNeg[0])
	assert.Equal(t, vols[0], withNeg[1])

	filtered := [][]float32{append([]float32(nil), vols[0]...)}
	require.NoError(t, Process(filtered, 6, Options{Filter: true, OnlyPositive: true}))
	assert.InDelta(t, 8*float64(grid.TotalVoxels()), sum(filtered[0]), 1e-2)

	require.Error(t, Process([][]float32{{1, 2}}, 6, Options{}))
	require.NoError(t, Sum(vols, withNeg))
	assert.InDelta(t, 0, sum(vols[0]), 1e-6)
	require.Error(t, Sum(vols, vols[:1]))
}

func TestWriteAndAddToOriginal(t *testing.T) {
	dir := t.TempDir()
	n := 4
	vols := [][]float32{make([]float32, n*n*n), make([]float32, n*n*n)}
	for ii := range vols[1] {
		vols[1][ii] = float32(ii)
	}
	w := &MRCWriter{Labels: []string{"test"}}
	paths, err := WriteAll(w, dir, "decoded_map_class_%d.mrc", vols, n, 1.5, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "decoded_map_class_1.mrc"),
		filepath.Join(dir, "decoded_map_class_2.mrc"),
	}, paths)
	read, err := mrc.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, vols[1], read.Data)
	assert.InDelta(t, 1.5, read.VoxelSize, 1e-6)
	require.Len(t, read.Labels, 2)
	assert.Contains(t, read.Labels[0], w.RunID)
	assert.Equal(t, "test", read.Labels[1])

	_, err = WriteAll(w, dir, "no_verb.mrc", vols, n, 1, Options{})
	require.Error(t, err)

	half := &MRCWriter{Float16: true}
	require.NoError(t, half.WriteVolume(filepath.Join(dir, "half.mrc"), vols[1], n, 1))
	read, err = mrc.ReadFile(filepath.Join(dir, "half.mrc"))
	require.NoError(t, err)
	assert.InDeltaSlice(t, vols[1], read.Data, 0.05)

	// No original map: no-op.
	added, err := AddToOriginal(dir, vols, n, NormalizeNone)
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, os.Rename(paths[1], filepath.Join(dir, particles.VolumeFile)))
	added, err = AddToOriginal(dir, vols, n, NormalizeNone)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, float32(5), vols[0][5])
	assert.Equal(t, float32(10), vols[1][5])

	_, err = AddToOriginal(dir, [][]float32{{1}}, n, NormalizeMoments)
	require.Error(t, err)
	_, err = AddToOriginal(dir, vols, 5, NormalizeHistogram)
	require.Error(t, err)

	norm, err := ParseNormalization("Histogram")
	require.NoError(t, err)
	assert.Equal(t, NormalizeHistogram, norm)
	_, err = ParseNormalization("zscore")
	require.Error(t, err)
	assert.Equal(t, "moments", NormalizeMoments.String())
}
