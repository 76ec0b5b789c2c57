// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package volume

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ThresholdEpsilon is the soft threshold applied after the Fourier filters.
const ThresholdEpsilon = 1e-6

// fft3 transforms in place the cube data of side n (x varying fastest), one axis at a time.
// If inverse is true it computes the normalized inverse transform.
func fft3(data []complex128, n int, inverse bool) {
	fft := fourier.NewCmplxFFT(n)
	line := make([]complex128, n)
	out := make([]complex128, n)
	transform := fft.Coefficients
	if inverse {
		transform = fft.Sequence
	}
	// stride of each axis: x, y, z.
	for _, stride := range []int{1, n, n * n} {
		for base := range n * n * n {
			// Only the lines starting at coordinate 0 along the axis.
			if (base/stride)%n != 0 {
				continue
			}
			for ii := range n {
				line[ii] = data[base+ii*stride]
			}
			transform(out, line)
			for ii := range n {
				data[base+ii*stride] = out[ii]
			}
		}
	}
	if inverse {
		scale := complex(1/float64(n*n*n), 0)
		for ii := range data {
			data[ii] *= scale
		}
	}
}

// filterFourier multiplies the Fourier transform of vol (cube of side n) by weights, indexed by the
// unshifted frequencies, and returns the real part of the inverse transform.
func filterFourier(vol []float32, n int, weights []float64) []float32 {
	data := make([]complex128, len(vol))
	for ii, v := range vol {
		data[ii] = complex(float64(v), 0)
	}
	fft3(data, n, false)
	for ii := range data {
		data[ii] *= complex(weights[ii], 0)
	}
	fft3(data, n, true)
	out := make([]float32, len(vol))
	for ii, c := range data {
		out[ii] = float32(real(c))
	}
	return out
}

// centeredWeights builds the weights of a separable filter given in the centered (shifted)
// Fourier domain by the 1D window w of length n, and returns them at the unshifted frequencies.
func centeredWeights(w []float64, n int) []float64 {
	unshifted := make([]float64, n)
	for k := range n {
		unshifted[k] = w[(k+n/2)%n]
	}
	weights := make([]float64, n*n*n)
	for z := range n {
		for y := range n {
			for x := range n {
				weights[(z*n+y)*n+x] = unshifted[z] * unshifted[y] * unshifted[x]
			}
		}
	}
	return weights
}

// bsplineWeights returns |FFT3(kernel)| of the [0, .5, 1, .5, 0]³ kernel centered in a cube of side n.
func bsplineWeights(n int) []float64 {
	taps := []float64{0, 0.5, 1, 0.5, 0}
	padBefore := (n - len(taps)) / 2
	kernel := make([]complex128, n)
	for ii, tap := range taps {
		pos := padBefore + ii
		if pos >= 0 && pos < n {
			kernel[pos] = complex(tap, 0)
		}
	}
	ft := fourier.NewCmplxFFT(n).Coefficients(nil, kernel)
	amplitude := make([]float64, n)
	for ii, c := range ft {
		amplitude[ii] = cmplx.Abs(c)
	}
	// The kernel is separable, and so is the amplitude of its transform.
	weights := make([]float64, n*n*n)
	for z := range n {
		for y := range n {
			for x := range n {
				weights[(z*n+y)*n+x] = amplitude[z] * amplitude[y] * amplitude[x]
			}
		}
	}
	return weights
}

// SoftThreshold shrinks by thr the values whose magnitude exceeds thr, and zeros values exactly
// equal to thr. It works in place.
func SoftThreshold(vol []float32, thr float32) {
	for ii, v := range vol {
		switch {
		case v == thr:
			vol[ii] = 0
		case v > thr:
			vol[ii] = v - thr
		case v < -thr:
			vol[ii] = v + thr
		}
	}
}

// BSplineFilter low-pass filters the cube vol of side xsize with the amplitude spectrum of a cubic
// B-spline kernel, followed by a soft threshold of ThresholdEpsilon.
func BSplineFilter(vol []float32, xsize int) []float32 {
	out := filterFourier(vol, xsize, bsplineWeights(xsize))
	SoftThreshold(out, ThresholdEpsilon)
	return out
}

// gaussianWindow returns the Gaussian window of n points and standard deviation std, peaking at
// its center.
func gaussianWindow(n int, std float64) []float64 {
	w := make([]float64, n)
	center := float64(n-1) / 2
	for ii := range n {
		d := (float64(ii) - center) / std
		w[ii] = math.Exp(-0.5 * d * d)
	}
	return w
}

// RichardsonLucy deconvolves the cube vol of side xsize with iters Richardson-Lucy iterations, for
// a Gaussian blur given in the Fourier domain with std π·sqrt(xsize).
func RichardsonLucy(vol []float32, xsize, iters int) []float32 {
	weights := centeredWeights(gaussianWindow(xsize, math.Pi*math.Sqrt(float64(xsize))), xsize)
	original := vol
	current := append([]float32(nil), vol...)
	update := make([]float32, len(vol))
	for range iters {
		blurred := filterFourier(current, xsize, weights)
		var meanSquare float64
		for _, v := range blurred {
			meanSquare += float64(v) * float64(v)
		}
		epsilon := 0.1 * meanSquare / float64(len(blurred))
		for ii, b := range blurred {
			update[ii] = float32(float64(original[ii]) * float64(b) / (float64(b)*float64(b) + epsilon))
		}
		correction := filterFourier(update, xsize, weights)
		for ii := range current {
			current[ii] *= correction[ii]
		}
		SoftThreshold(current, ThresholdEpsilon)
	}
	return current
}
