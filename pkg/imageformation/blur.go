// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageformation

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

// MinBlurStd is the standard deviation of the sharpest filter in a blur filter bank.
const MinBlurStd = 0.1

// GaussianKernel1D returns the normalized 1D Gaussian kernel of the given size: each
// element holds the probability mass of N(0, std²) over its unit-width pixel.
func GaussianKernel1D(size int, std float64) []float64 {
	if size < 1 {
		Panicf("GaussianKernel1D: size must be >= 1, got %d", size)
	}
	if std <= 0 {
		Panicf("GaussianKernel1D: std must be > 0, got %g", std)
	}
	normal := distuv.Normal{Mu: 0, Sigma: std}
	center := float64(size-1) / 2
	kernel := make([]float64, size)
	var sum float64
	for i := range kernel {
		x := float64(i) - center
		kernel[i] = normal.CDF(x+0.5) - normal.CDF(x-0.5)
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// GaussianKernel returns the size×size Gaussian kernel (row-major) with the given std,
// normalized to sum 1.
func GaussianKernel(size int, std float64) []float64 {
	k1 := GaussianKernel1D(size, std)
	kernel := make([]float64, size*size)
	var sum float64
	for i, ki := range k1 {
		for j, kj := range k1 {
			kernel[i*size+j] = ki * kj
			sum += kernel[i*size+j]
		}
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// BlurStds returns numFilters standard deviations linearly spaced in [MinBlurStd, maxStd].
func BlurStds(numFilters int, maxStd float64) []float64 {
	stds := make([]float64, numFilters)
	if numFilters == 1 {
		stds[0] = MinBlurStd
		return stds
	}
	step := (maxStd - MinBlurStd) / float64(numFilters-1)
	for i := range stds {
		stds[i] = MinBlurStd + step*float64(i)
	}
	return stds
}

// CreateBlurFilterBank returns numFilters Gaussian kernels, with stds given by BlurStds,
// as a tensor shaped [filterSize, filterSize, 1, numFilters], ready to be used as a
// convolution kernel.
func CreateBlurFilterBank(numFilters int, maxStd float64, filterSize int) *tensors.Tensor {
	if numFilters < 1 || filterSize < 1 {
		Panicf("CreateBlurFilterBank: numFilters (%d) and filterSize (%d) must be >= 1", numFilters, filterSize)
	}
	flat := make([]float32, filterSize*filterSize*numFilters)
	for f, std := range BlurStds(numFilters, maxStd) {
		kernel := GaussianKernel(filterSize, std)
		for pos, value := range kernel {
			flat[pos*numFilters+f] = float32(value)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, filterSize, filterSize, 1, numFilters)
}

// ApplyBlurFilters convolves images with every filter in bank, returning one channel per filter.
//
// images can be shaped [batchSize, size, size] or [batchSize, size, size, 1], and bank is
// shaped [filterSize, filterSize, 1, numFilters]. The output is [batchSize, size, size, numFilters],
// with "same" padding.
func ApplyBlurFilters(images *Node, bank *tensors.Tensor) *Node {
	g := images.Graph()
	if images.Rank() == 3 {
		images = ExpandAxes(images, -1)
	}
	if images.Rank() != 4 || images.Shape().Dimensions[3] != 1 {
		Panicf("ApplyBlurFilters requires images shaped [batchSize, size, size, 1], got %s", images.Shape())
	}
	kernel := ConvertDType(ConstTensor(g, bank), images.DType())
	return Convolve(images, kernel).Strides(1).PadSame().Done()
}

// GaussianFilter blurs images [batchSize, size, size] with a kernelSize×kernelSize Gaussian of
// the given sigma, preserving the image size.
func GaussianFilter(images *Node, kernelSize int, sigma float64) *Node {
	if images.Rank() != 3 {
		Panicf("GaussianFilter requires images shaped [batchSize, size, size], got %s", images.Shape())
	}
	kernel := GaussianKernel(kernelSize, sigma)
	flat := make([]float32, len(kernel))
	for i, v := range kernel {
		flat[i] = float32(v)
	}
	bank := tensors.FromFlatDataAndDimensions(flat, kernelSize, kernelSize, 1, 1)
	blurred := ApplyBlurFilters(images, bank)
	return Squeeze(blurred, -1)
}

// SoftThreshold shrinks by thr the values whose magnitude exceeds thr, and zeros values
// exactly equal to thr. Values in (-thr, thr) are left untouched.
func SoftThreshold(x *Node, thr float64) *Node {
	thrNode := BroadcastToDims(Scalar(x.Graph(), x.DType(), thr), x.Shape().Dimensions...)
	above := ConvertDType(GreaterThan(x, thrNode), x.DType())
	below := ConvertDType(LessThan(x, Neg(thrNode)), x.DType())
	equal := ConvertDType(Equal(x, thrNode), x.DType())
	x = Sub(x, MulScalar(above, thr))
	x = Add(x, MulScalar(below, thr))
	return Sub(x, Mul(equal, x))
}
