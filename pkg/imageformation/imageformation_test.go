// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageformation

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImages returns a deterministic batch of smooth images [batchSize, size, size].
func testImages(g *Graph, batchSize, size int) *Node {
	shape := shapes.Make(dtypes.Float32, batchSize, size, size)
	rows := Iota(g, shape, 1)
	cols := Iota(g, shape, 2)
	batch := AddScalar(Iota(g, shape, 0), 1)
	x := Sin(MulScalar(Mul(rows, batch), 2*math.Pi/float64(size)))
	y := Cos(MulScalar(cols, 4*math.Pi/float64(size)))
	return AddScalar(Mul(x, y), 1)
}

func TestResizeImageFourier(t *testing.T) {
	graphtest.RunTestGraphFn(t, "same size is identity", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 2, 16)
		resized := ResizeImageFourier(images, 16, 2)
		diff := ReduceAllMax(Abs(Sub(resized, images)))
		return []*Node{images}, []*Node{diff}
	}, []any{float32(0)}, 1e-4)

	graphtest.RunTestGraphFn(t, "same odd size with padding is identity", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 2, 15)
		resized := ResizeImageFourier(images, 15, 2)
		resized.AssertDims(2, 15, 15)
		diff := ReduceAllMax(Abs(Sub(resized, images)))
		return []*Node{images}, []*Node{diff}
	}, []any{float32(0)}, 1e-4)

	graphtest.RunTestGraphFn(t, "round trip preserves energy", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 3, 16)
		down := ResizeImageFourier(images, 8, 1)
		down.AssertDims(3, 8, 8)
		back := ResizeImageFourier(down, 16, 1)
		back.AssertDims(3, 16, 16)
		ratio := Div(ReduceSum(back, 1, 2), ReduceSum(images, 1, 2))
		return []*Node{images}, []*Node{ratio}
	}, []any{[]float32{1, 1, 1}}, 1e-3)

	graphtest.RunTestGraphFn(t, "odd sizes", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 1, 15)
		resized := ResizeImageFourier(images, 9, 1)
		return []*Node{images}, []*Node{Const(g, resized.Shape().Dimensions)}
	}, []any{[]int64{1, 9, 9}}, 0)
}

func TestBlurFilterBank(t *testing.T) {
	const numFilters, filterSize = 5, 15
	bank := CreateBlurFilterBank(numFilters, 5, filterSize)
	require.Equal(t, []int{filterSize, filterSize, 1, numFilters}, bank.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](bank)
	for f := range numFilters {
		var sum float64
		for pos := range filterSize * filterSize {
			sum += float64(flat[pos*numFilters+f])
		}
		assert.InDeltaf(t, 1.0, sum, 1e-5, "filter #%d doesn't sum to 1", f)
	}

	stds := BlurStds(numFilters, 5)
	assert.InDelta(t, MinBlurStd, stds[0], 1e-9)
	assert.InDelta(t, 5.0, stds[numFilters-1], 1e-9)

	// The sharpest kernel is an identity convolution.
	graphtest.RunTestGraphFn(t, "small std is identity", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 2, 12)
		identityBank := CreateBlurFilterBank(1, MinBlurStd, 5)
		blurred := ApplyBlurFilters(images, identityBank)
		blurred.AssertDims(2, 12, 12, 1)
		diff := ReduceAllMax(Abs(Sub(Squeeze(blurred, -1), images)))
		return []*Node{images}, []*Node{diff}
	}, []any{float32(0)}, 1e-4)

	graphtest.RunTestGraphFn(t, "bank output channels", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 2, 12)
		blurred := ApplyBlurFilters(images, bank)
		return []*Node{images}, []*Node{Const(g, blurred.Shape().Dimensions)}
	}, []any{[]int64{2, 12, 12, numFilters}}, 0)
}

func TestGaussianKernel(t *testing.T) {
	kernel := GaussianKernel(3, 1)
	require.Len(t, kernel, 9)
	var sum float64
	for _, v := range kernel {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, kernel[4], kernel[0])
	assert.InDelta(t, kernel[0], kernel[8], 1e-12)
	assert.InDelta(t, kernel[1], kernel[3], 1e-12)
}

func TestFourierMask(t *testing.T) {
	graphtest.RunTestGraphFn(t, "binary mask without NaN", func(g *Graph) (inputs, outputs []*Node) {
		mask := Ones(g, shapes.Make(dtypes.Float32, 16, 16))
		m := FourierMask(mask, 8)
		m.AssertDims(8, 8)
		isBinary := Or(Equal(m, ZerosLike(m)), Equal(m, OnesLike(m)))
		numNonBinary := ReduceAllSum(ConvertDType(Not(isBinary), dtypes.Int32))
		return []*Node{mask}, []*Node{numNonBinary}
	}, []any{int32(0)}, 0)
}

func TestCTF(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ones when not applied", func(g *Graph) (inputs, outputs []*Node) {
		defocus := Const(g, []float32{10000, 12000})
		ctf := ComputeCTF(g, CTFParams{DefocusU: defocus}, 1.0, 2, 4, false)
		ctf.AssertDims(2, 8, 8)
		return []*Node{defocus}, []*Node{ReduceAllMean(ctf)}
	}, []any{float32(1)}, 0)

	graphtest.RunTestGraphFn(t, "zero defocus is amplitude contrast", func(g *Graph) (inputs, outputs []*Node) {
		zeros := Const(g, []float32{0, 0})
		params := CTFParams{DefocusU: zeros, DefocusV: zeros, DefocusAngle: zeros, Cs: zeros, Voltage: 300}
		ctf := ComputeCTF(g, params, 1.0, 1, 8, true)
		return []*Node{zeros}, []*Node{ReduceAllMax(ctf), ReduceAllMin(ctf)}
	}, []any{float32(-AmplitudeContrast), float32(-AmplitudeContrast)}, 1e-6)

	graphtest.RunTestGraphFn(t, "Wiener with zero CTF yields zeros", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 2, 8)
		ctf := Zeros(g, shapes.Make(dtypes.Float32, 2, 16, 16))
		filtered := Wiener2D(images, ctf, 2)
		filtered.AssertDims(2, 8, 8)
		return []*Node{images}, []*Node{ReduceAllMax(Abs(filtered))}
	}, []any{float32(0)}, 0)

	graphtest.RunTestGraphFn(t, "filtering with unit CTF", func(g *Graph) (inputs, outputs []*Node) {
		images := testImages(g, 2, 8)
		ctf := Ones(g, shapes.Make(dtypes.Float32, 2, 16, 16))
		filtered := FilterImageWithCTF(images, ctf, 2)
		return []*Node{images}, []*Node{ReduceAllMax(Abs(Sub(filtered, images)))}
	}, []any{float32(0)}, 1e-4)

	assert.InDelta(t, 0.0197, ElectronWavelength(300), 1e-4)
}

func TestCTFMode(t *testing.T) {
	for _, mode := range []CTFMode{CTFNone, CTFApply, CTFWiener} {
		parsed, err := ParseCTFMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	mode, err := ParseCTFMode("")
	require.NoError(t, err)
	assert.Equal(t, CTFNone, mode)
	_, err = ParseCTFMode("deconvolve")
	require.Error(t, err)

	var m CTFMode
	require.NoError(t, m.UnmarshalText([]byte("Wiener")))
	assert.Equal(t, CTFWiener, m)
}

func TestSoftThreshold(t *testing.T) {
	graphtest.RunTestGraphFn(t, "SoftThreshold", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-2, -0.5, 0, 0.5, 1, 3})
		return []*Node{x}, []*Node{SoftThreshold(x, 1)}
	}, []any{[]float32{-1, -0.5, 0, 0.5, 0, 2}}, 1e-6)
}
