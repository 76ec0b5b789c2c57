// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchitecture(t *testing.T) {
	for _, arch := range []Architecture{ConvNN, DeepConv, MLPNN} {
		parsed, err := ParseArchitecture(arch.String())
		require.NoError(t, err)
		assert.Equal(t, arch, parsed)
	}
	parsed, err := ParseArchitecture(" DeepConv ")
	require.NoError(t, err)
	assert.Equal(t, DeepConv, parsed)
	_, err = ParseArchitecture("transformer")
	require.Error(t, err)

	var a Architecture
	require.NoError(t, a.UnmarshalText([]byte("mlpnn")))
	assert.Equal(t, MLPNN, a)
	require.Error(t, a.UnmarshalText([]byte("")))
}

func testImages(batchSize, size int) [][][]float32 {
	images := make([][][]float32, batchSize)
	for b := range images {
		images[b] = make([][]float32, size)
		for y := range images[b] {
			images[b][y] = make([]float32, size)
			for x := range images[b][y] {
				images[b][y][x] = float32((b+1)*(x-y)) / float32(size)
			}
		}
	}
	return images
}

func smallBackbone(arch Architecture) Backbone {
	return Backbone{Architecture: arch, ResizeTo: 16, BlurFilters: 2, BlurMaxStd: 2, BlurSize: 5,
		ConvChannels: [4]int{2, 3, 4, 4}, ConvRepeats: 1, DenseUnits: 8, DenseLayers: 2, DenseResidual: true}
}

func TestBackbone(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, arch := range []Architecture{ConvNN, DeepConv, MLPNN} {
		ctx := context.New()
		ctx.RngStateFromSeed(3)
		features := context.MustExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
			return smallBackbone(arch).Apply(ctx, images)
		}, testImages(3, 20))
		assert.Equalf(t, []int{3, 8}, features.Shape().Dimensions, "architecture %s", arch)
		for _, v := range tensors.MustCopyFlatData[float32](features) {
			require.GreaterOrEqualf(t, v, float32(0), "architecture %s", arch)
		}
	}
}

func TestSingle(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, freeze := range []bool{false, true} {
		ctx := context.New()
		ctx.RngStateFromSeed(5)
		enc := Single{Backbone: smallBackbone(ConvNN), LatentDim: 4, FreezePose: freeze}
		outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
			out := enc.Encode(ctx.In("encoder"), images)
			return []*Node{out.Rows, out.Shifts, out.Latent}
		}, testImages(2, 16))
		require.Len(t, outputs, 3)
		assert.Equal(t, []int{2, 3}, outputs[0].Shape().Dimensions)
		assert.Equal(t, []int{2, 2}, outputs[1].Shape().Dimensions)
		assert.Equal(t, []int{2, 4}, outputs[2].Shape().Dimensions)

		var numPoseVars int
		for _, head := range []string{"rows", "shifts"} {
			for v := range ctx.In("encoder").In(head).IterVariablesInScope() {
				assert.Truef(t, v.Trainable, "variable %s", v.ScopeAndName())
				numPoseVars++
			}
		}
		var numLatentVars int
		for range ctx.In("encoder").In("latent").IterVariablesInScope() {
			numLatentVars++
		}
		assert.Positive(t, numLatentVars)
		if !freeze {
			assert.Positive(t, numPoseVars)
		} else {
			// The pose heads are not built.
			assert.Zero(t, numPoseVars)
			for _, v := range tensors.MustCopyFlatData[float32](outputs[0]) {
				assert.Zero(t, v)
			}
			for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
				assert.Zero(t, v)
			}
		}
	}
}

func TestMultiHead(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(11)
	const numCandidates = 3
	enc := MultiHead{Backbone: smallBackbone(MLPNN), NumCandidates: numCandidates, Units: 8}
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		candidates := enc.Encode(ctx.In("encoder"), images)
		var nodes []*Node
		for _, c := range candidates {
			nodes = append(nodes, c.Rows, c.Shifts)
		}
		return nodes
	}, testImages(2, 16))
	require.Len(t, outputs, 2*numCandidates)
	for k := range numCandidates {
		assert.Equal(t, []int{2, 6}, outputs[2*k].Shape().Dimensions)
		assert.Equal(t, []int{2, 2}, outputs[2*k+1].Shape().Dimensions)
		// Shifts start close to zero.
		for _, v := range tensors.MustCopyFlatData[float32](outputs[2*k+1]) {
			assert.Less(t, v*v, float32(0.01))
		}
	}
	// Candidates have independent weights.
	assert.NotNil(t, ctx.InspectVariable("/encoder/head_0/shifts/output", "weights"))
	assert.NotNil(t, ctx.InspectVariable("/encoder/head_2/shifts/output", "weights"))
	assert.NotEqual(t,
		tensors.MustCopyFlatData[float32](outputs[0]), tensors.MustCopyFlatData[float32](outputs[2]))
}
