// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siren

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maxAbs(values []float32) float64 {
	var m float64
	for _, v := range values {
		m = math.Max(m, math.Abs(float64(v)))
	}
	return m
}

func TestInitializers(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	shape := shapes.Make(dtypes.Float32, 50, 20)

	for name, tc := range map[string]struct {
		init  Initializer
		limit float64
	}{
		"first":  {FirstLayerInitializer(ctx, 6), 6.0 / 50},
		"hidden": {HiddenInitializer(ctx, 6, 30), math.Sqrt(6.0/50) / 30},
		"output": {UniformInitializer(ctx, OutputInitScale), OutputInitScale},
	} {
		values := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			return tc.init(g, shape)
		})
		flat := tensors.MustCopyFlatData[float32](values)
		m := maxAbs(flat)
		assert.LessOrEqualf(t, m, tc.limit*(1+1e-6), "%s initializer exceeded its limit", name)
		assert.Greaterf(t, m, tc.limit/2, "%s initializer is too narrow", name)
	}
}

func TestLinear(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := [][]float32{{1, 2, 3}, {0, 0, 1}}
	want := []float32{4, 4, 1.5, 1.5}

	ctx := context.New()
	y := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return linearWithBias(ctx.In("linear"), x, 2, ConstantInitializer(0.5), ConstantInitializer(1))
	}, x)
	assert.Equal(t, []int{2, 2}, y.Shape().Dimensions)
	assert.InDeltaSlice(t, want, tensors.MustCopyFlatData[float32](y), 1e-6)
	assert.NotNil(t, ctx.InspectVariable("/linear", "weights"))
	assert.NotNil(t, ctx.InspectVariable("/linear", "biases"))

	// Leading axes are kept: [1, 2, 3] -> [1, 2, 2].
	ctx = context.New()
	y = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return linearWithBias(ctx, x, 2, ConstantInitializer(0.5), ConstantInitializer(1))
	}, [][][]float32{x})
	assert.Equal(t, []int{1, 2, 2}, y.Shape().Dimensions)
	assert.InDeltaSlice(t, want, tensors.MustCopyFlatData[float32](y), 1e-6)
}

func TestDecoder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const totalVoxels = 8
	coords := make([][]float32, totalVoxels)
	for ii := range coords {
		coords[ii] = []float32{float32(ii%2) - 0.5, float32((ii/2)%2) - 0.5, float32(ii/4) - 0.5}
	}

	for _, onlyPositive := range []bool{false, true} {
		ctx := context.New()
		ctx.RngStateFromSeed(1)
		decoded := context.MustExecOnce(backend, ctx, func(ctx *context.Context, coords *Node) *Node {
			return NewDecoder(totalVoxels).OnlyPositive(onlyPositive).Decode(ctx.In("decoder"), coords)
		}, coords)
		require.Equal(t, []int{totalVoxels}, decoded.Shape().Dimensions)
		flat := tensors.MustCopyFlatData[float32](decoded)
		// Output layer initialized with a tiny scale: corrections start near zero.
		assert.Less(t, maxAbs(flat), 0.01)
		if onlyPositive {
			for _, v := range flat {
				assert.GreaterOrEqual(t, v, float32(0))
			}
		}
		assert.NotNil(t, ctx.InspectVariable("/decoder/siren_0", "weights"))
		assert.NotNil(t, ctx.InspectVariable("/decoder/output", "biases"))
	}
}

func TestMetaDecoder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(7)
	latent := [][]float32{{0, 0, 0}, {0, 0, 0}, {1, -1, 0.5}}
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, latent *Node) []*Node {
		hidden := MetaDense(ctx.In("meta"), latent, latent, 4, 30, FirstLayerInitializer(ctx, 6))
		decoded := NewMetaDecoder(5).Decode(ctx.In("decoder"), latent)
		return []*Node{hidden, decoded}
	}, latent)
	require.Len(t, outputs, 2)
	require.Equal(t, []int{3, 4}, outputs[0].Shape().Dimensions)
	require.Equal(t, []int{3, 5}, outputs[1].Shape().Dimensions)

	hidden := tensors.MustCopyFlatData[float32](outputs[0])
	assert.LessOrEqual(t, maxAbs(hidden), 1.0)
	// Identical latent codes decode identically.
	decoded := tensors.MustCopyFlatData[float32](outputs[1])
	assert.Equal(t, decoded[0:5], decoded[5:10])
	assert.NotNil(t, ctx.InspectVariable("/decoder/het_0/gamma", "biases"))
	assert.NotNil(t, ctx.InspectVariable("/decoder/het_3/beta", "weights"))
}
