// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imageformation implements the image-formation operators used to simulate
// cryo-EM projections: Fourier-domain resizing, CTF corruption and Wiener correction,
// and the blur filters used by the encoders and the multi-resolution loss.
//
// All graph functions take images shaped [batchSize, size, size] (or with a trailing
// channel axis, where noted), with square images.
package imageformation

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// toComplex converts x to the complex dtype matching its precision.
func toComplex(x *Node) *Node {
	switch x.DType() {
	case dtypes.Complex64, dtypes.Complex128:
		return x
	case dtypes.Float64:
		return ConvertDType(x, dtypes.Complex128)
	}
	return ConvertDType(x, dtypes.Complex64)
}

// swapLastAxes transposes the last two axes of x.
func swapLastAxes(x *Node) *Node {
	rank := x.Rank()
	return Transpose(x, rank-2, rank-1)
}

// FFT2D computes the 2D discrete Fourier transform over the last two axes of x.
// Real inputs are converted to complex first.
func FFT2D(x *Node) *Node {
	x = toComplex(x)
	x = FFT(x)
	x = swapLastAxes(x)
	x = FFT(x)
	return swapLastAxes(x)
}

// InverseFFT2D is the inverse of FFT2D, also over the last two axes.
func InverseFFT2D(x *Node) *Node {
	x = InverseFFT(x)
	x = swapLastAxes(x)
	x = InverseFFT(x)
	return swapLastAxes(x)
}

// roll rolls x by shift positions along axis, like numpy.roll.
func roll(x *Node, axis, shift int) *Node {
	axis = MustAdjustAxis(axis, x)
	n := x.Shape().Dimensions[axis]
	shift = ((shift % n) + n) % n
	if shift == 0 {
		return x
	}
	return Concatenate([]*Node{
		SliceAxis(x, axis, AxisRange(n-shift, n)),
		SliceAxis(x, axis, AxisRange(0, n-shift)),
	}, axis)
}

// FFTShift2D moves the zero-frequency component to the center of the last two axes.
func FFTShift2D(x *Node) *Node {
	rank := x.Rank()
	for _, axis := range []int{rank - 2, rank - 1} {
		x = roll(x, axis, x.Shape().Dimensions[axis]/2)
	}
	return x
}

// IFFTShift2D is the inverse of FFTShift2D (they differ for odd sizes).
func IFFTShift2D(x *Node) *Node {
	rank := x.Rank()
	for _, axis := range []int{rank - 2, rank - 1} {
		n := x.Shape().Dimensions[axis]
		x = roll(x, axis, -(n / 2))
	}
	return x
}

// padOrCropAxis centers x on axis into a window of newSize elements, zero-padding
// or cropping as needed. Offsets follow the image crop-or-pad convention: the
// extra element goes after when the difference is odd.
func padOrCropAxis(x *Node, axis, newSize int) *Node {
	axis = MustAdjustAxis(axis, x)
	n := x.Shape().Dimensions[axis]
	switch {
	case n == newSize:
		return x
	case n > newSize:
		start := (n - newSize) / 2
		return SliceAxis(x, axis, AxisRange(start, start+newSize))
	}
	before := (newSize - n) / 2
	after := newSize - n - before
	parts := make([]*Node, 0, 3)
	zerosShape := func(dim int) shapes.Shape {
		s := x.Shape().Clone()
		s.Dimensions[axis] = dim
		return s
	}
	if before > 0 {
		parts = append(parts, Zeros(x.Graph(), zerosShape(before)))
	}
	parts = append(parts, x)
	if after > 0 {
		parts = append(parts, Zeros(x.Graph(), zerosShape(after)))
	}
	return Concatenate(parts, axis)
}

// PadOrCrop2D centers the last two axes of x in a size×size window.
func PadOrCrop2D(x *Node, size int) *Node {
	rank := x.Rank()
	x = padOrCropAxis(x, rank-2, size)
	return padOrCropAxis(x, rank-1, size)
}

// CenteredFFT2D zero-pads images to padSize and returns their centered spectrum.
func CenteredFFT2D(images *Node, padSize int) *Node {
	return FFTShift2D(FFT2D(PadOrCrop2D(images, padSize)))
}

// CenteredInverseFFT2D inverts CenteredFFT2D, returning the real part cropped to outSize.
func CenteredInverseFFT2D(spectrum *Node, outSize int) *Node {
	images := Real(InverseFFT2D(IFFTShift2D(spectrum)))
	return PadOrCrop2D(images, outSize)
}

// ResizeImageFourier resizes images [batchSize, size, size] to outSize by cropping (or
// zero-padding) their padded Fourier transform, so no new frequencies are created.
//
// The result is scaled by (padOut/padSize)² so the intensity is preserved under the
// inverse transform normalization. Resizing to the same size returns the input.
func ResizeImageFourier(images *Node, outSize, padFactor int) *Node {
	if images.Rank() < 2 {
		Panicf("ResizeImageFourier requires images with rank >= 2, got shape %s", images.Shape())
	}
	if padFactor < 1 {
		padFactor = 1
	}
	size := images.Shape().Dimensions[images.Rank()-1]
	padSize, padOut := padFactor*size, padFactor*outSize
	spectrum := CenteredFFT2D(images, padSize)
	spectrum = PadOrCrop2D(spectrum, padOut)
	resized := CenteredInverseFFT2D(spectrum, outSize)
	norm := float64(padOut) / float64(padSize)
	return MulScalar(resized, norm*norm)
}

// DivideNoNaN returns num/den, with 0 wherever den is 0.
// num and den must have the same shape.
func DivideNoNaN(num, den *Node) *Node {
	isZero := Equal(den, ZerosLike(den))
	safeDen := Where(isZero, OnesLike(den), den)
	return Where(isZero, ZerosLike(num), Div(num, safeDen))
}

// FourierMask returns a binary mask [size, size] that is 1 where the Fourier-resized
// mask [maskSize, maskSize] is non-zero, and 0 elsewhere.
func FourierMask(mask *Node, size int) *Node {
	if mask.Rank() == 2 {
		mask = ExpandAxes(mask, 0)
	}
	m := Abs(ResizeImageFourier(mask, size, 1))
	m = DivideNoNaN(m, m)
	return Reshape(m, size, size)
}
