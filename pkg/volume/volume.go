// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package volume turns decoded density values into dense volumes and post-processes them on the
// host: B-spline low-pass filtering, Gaussian blurring, Richardson-Lucy deconvolution and
// normalization against a reference map. It also writes the results as MRC files.
//
// Volumes are cubes of side xsize stored as flat []float32, x varying fastest, then y, then z,
// the layout of MRC files.
package volume

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/internal/workerspool"
	"github.com/gomlx/cryosiren/pkg/particles"
)

// Options of the post-processing of decoded volumes.
type Options struct {
	// Filter applies BSplineFilter.
	Filter bool

	// OnlyPositive drops the negative densities. Otherwise the negative part is set aside before
	// deconvolution and added back afterward.
	OnlyPositive bool

	// DeconvolveIterations of RichardsonLucy applied to the positive part. 0 disables it.
	DeconvolveIterations int

	// Parallelism is the maximum number of volumes processed at once. 0 uses the number of CPUs.
	Parallelism int
}

func (o Options) pool() *workerspool.Pool {
	if o.Parallelism <= 0 {
		return workerspool.NewWithParallelism(runtime.NumCPU())
	}
	return workerspool.NewWithParallelism(o.Parallelism)
}

// Assemble scatters the values [numVolumes][grid.TotalVoxels()] at the voxels of grid, returning
// numVolumes dense cubes of side grid.XSize. Voxels outside the grid are 0.
func Assemble(grid *particles.Grid, values [][]float32) ([][]float32, error) {
	xsize := grid.XSize
	vols := make([][]float32, len(values))
	for ii, row := range values {
		if len(row) != grid.TotalVoxels() {
			return nil, errors.Errorf("volume.Assemble: volume #%d has %d values for a grid of %d voxels",
				ii, len(row), grid.TotalVoxels())
		}
		vol := make([]float32, xsize*xsize*xsize)
		for jj, idx := range grid.Indices {
			vol[(int(idx[0])*xsize+int(idx[1]))*xsize+int(idx[2])] = row[jj]
		}
		vols[ii] = vol
	}
	return vols, nil
}

// process post-processes one volume.
func process(vol []float32, xsize int, opts Options) []float32 {
	if opts.Filter {
		vol = BSplineFilter(vol, xsize)
	}
	var negative []float32
	if !opts.OnlyPositive {
		negative = make([]float32, len(vol))
	}
	for ii, v := range vol {
		if v < 0 {
			if negative != nil {
				negative[ii] = v
			}
			vol[ii] = 0
		}
	}
	if opts.DeconvolveIterations > 0 {
		vol = RichardsonLucy(vol, xsize, opts.DeconvolveIterations)
	}
	for ii, v := range negative {
		vol[ii] += v
	}
	return vol
}

// Process post-processes the cubes of side xsize in place, in parallel, according to opts.
func Process(vols [][]float32, xsize int, opts Options) error {
	for ii, vol := range vols {
		if len(vol) != xsize*xsize*xsize {
			return errors.Errorf("volume.Process: volume #%d has %d values, expected %d", ii, len(vol), xsize*xsize*xsize)
		}
	}
	return opts.pool().Run(len(vols), func(ii int) error {
		vols[ii] = process(vols[ii], xsize, opts)
		return nil
	})
}

// Sum adds src to dst, volume by volume.
func Sum(dst, src [][]float32) error {
	if len(dst) != len(src) {
		return errors.Errorf("volume.Sum: %d volumes added to %d", len(src), len(dst))
	}
	for ii := range dst {
		if len(dst[ii]) != len(src[ii]) {
			return errors.Errorf("volume.Sum: volume #%d sizes differ, %d and %d", ii, len(dst[ii]), len(src[ii]))
		}
		for jj, v := range src[ii] {
			dst[ii][jj] += v
		}
	}
	return nil
}
