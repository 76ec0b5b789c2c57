// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package volume

import (
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"
)

func toFloat64[T constraints.Float](values []T) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}

// NormalizeToOther returns vol shifted and scaled to have the mean and standard deviation of
// reference. A constant vol is only shifted.
func NormalizeToOther[T constraints.Float](reference, vol []T) []T {
	refMean, refStd := stat.PopMeanStdDev(toFloat64(reference), nil)
	mean, std := stat.PopMeanStdDev(toFloat64(vol), nil)
	out := make([]T, len(vol))
	for ii, v := range vol {
		centered := float64(v) - mean
		if std > 0 {
			centered = centered / std * refStd
		}
		out[ii] = T(centered + refMean)
	}
	return out
}

// uniqueCDF returns the sorted distinct values and their cumulative distribution.
func uniqueCDF(values []float64) (unique, cdf []float64) {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	for ii, v := range sorted {
		if ii == 0 || v != sorted[ii-1] {
			unique = append(unique, v)
			cdf = append(cdf, 0)
		}
		cdf[len(cdf)-1] = float64(ii + 1)
	}
	total := float64(len(sorted))
	for ii := range cdf {
		cdf[ii] /= total
	}
	return
}

// interpolate evaluates at x the piecewise linear function through (xs, ys), with xs increasing,
// clamping outside of the range.
func interpolate(x float64, xs, ys []float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}
	ii := sort.SearchFloat64s(xs, x)
	if xs[ii] == x {
		return ys[ii]
	}
	t := (x - xs[ii-1]) / (xs[ii] - xs[ii-1])
	return ys[ii-1] + t*(ys[ii]-ys[ii-1])
}

// MatchHistograms returns source with its values remapped so its histogram matches the one of
// reference: each value is mapped to the reference value at the same quantile.
func MatchHistograms[T constraints.Float](source, reference []T) []T {
	if len(source) == 0 || len(reference) == 0 {
		return slices.Clone(source)
	}
	src := toFloat64(source)
	srcUnique, srcCDF := uniqueCDF(src)
	refUnique, refCDF := uniqueCDF(toFloat64(reference))
	mapped := make([]float64, len(srcUnique))
	for ii, q := range srcCDF {
		mapped[ii] = interpolate(q, refCDF, refUnique)
	}
	out := make([]T, len(source))
	for ii, v := range src {
		idx, _ := slices.BinarySearch(srcUnique, v)
		out[ii] = T(mapped[idx])
	}
	return out
}
