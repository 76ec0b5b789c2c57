// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package volume

import (
	"math"

	"golang.org/x/exp/constraints"
)

// gaussianTruncate is the radius of the Gaussian kernels, in standard deviations.
const gaussianTruncate = 4.0

// gaussianKernel returns the normalized 1D Gaussian kernel of standard deviation sigma, of length
// 2·radius+1.
func gaussianKernel(sigma float64) []float64 {
	radius := int(gaussianTruncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for ii := range kernel {
		d := float64(ii - radius)
		kernel[ii] = math.Exp(-0.5 * d * d / (sigma * sigma))
		sum += kernel[ii]
	}
	for ii := range kernel {
		kernel[ii] /= sum
	}
	return kernel
}

// reflect maps an out of range index to [0, n) mirroring around the edges: d c b a | a b c d | d c b a.
func reflect[I constraints.Integer](i, n I) I {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// GaussianFilter3D blurs the cube vol of side xsize with a separable Gaussian of standard
// deviation sigma (in voxels), mirroring the volume at the borders. sigma <= 0 returns a copy.
func GaussianFilter3D(vol []float32, xsize int, sigma float64) []float32 {
	out := append([]float32(nil), vol...)
	if sigma <= 0 {
		return out
	}
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2
	line := make([]float64, xsize)
	for _, stride := range []int{1, xsize, xsize * xsize} {
		for base := range len(out) {
			if (base/stride)%xsize != 0 {
				continue
			}
			for ii := range xsize {
				line[ii] = float64(out[base+ii*stride])
			}
			for ii := range xsize {
				var acc float64
				for kk, w := range kernel {
					acc += w * line[reflect(ii+kk-radius, xsize)]
				}
				out[base+ii*stride] = float32(acc)
			}
		}
	}
	return out
}
