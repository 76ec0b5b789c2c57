// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package siren

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// OutputInitScale is the range of the uniform initialization of the decoders' output layer, so
// the initial density corrections are close to zero.
const OutputInitScale = 1e-4

// DecoderConfig configures a plain SIREN decoder: the flattened coordinate grid goes through
// a stack of SIREN layers and a dense output layer with one correction per voxel.
//
// Create it with NewDecoder, configure it, and call Decode.
type DecoderConfig struct {
	totalVoxels             int
	units, numHidden        int
	w0, firstScale, hiddenC float64
	onlyPositive            bool
}

// NewDecoder creates a decoder configuration producing totalVoxels corrections.
//
// Defaults: 10 units per layer, 3 hidden layers after the first one, w0=1, first layer scale 1,
// hidden layers c=1 and a linear output.
func NewDecoder(totalVoxels int) *DecoderConfig {
	return &DecoderConfig{
		totalVoxels: totalVoxels,
		units:       10,
		numHidden:   3,
		w0:          1,
		firstScale:  1,
		hiddenC:     1,
	}
}

// Hidden sets the number of units per SIREN layer and the number of hidden layers after the first.
func (c *DecoderConfig) Hidden(units, numHidden int) *DecoderConfig {
	c.units, c.numHidden = units, numHidden
	return c
}

// OnlyPositive makes the output layer use a ReLU, so corrections are never negative.
func (c *DecoderConfig) OnlyPositive(onlyPositive bool) *DecoderConfig {
	c.onlyPositive = onlyPositive
	return c
}

// Decode returns the density corrections [totalVoxels] for coords [totalVoxels, 3].
func (c *DecoderConfig) Decode(ctx *context.Context, coords *Node) *Node {
	if coords.Rank() != 2 || coords.Shape().Dimensions[0] != c.totalVoxels || coords.Shape().Dimensions[1] != 3 {
		Panicf("siren decoder requires coords shaped [%d, 3], got %s", c.totalVoxels, coords.Shape())
	}
	x := Reshape(coords, 1, 3*c.totalVoxels)
	x = Dense(ctx.In("siren_0"), x, c.units, c.w0, FirstLayerInitializer(ctx, c.firstScale))
	for ii := range c.numHidden {
		x = Dense(ctx.In(fmt.Sprintf("siren_%d", ii+1)), x, c.units, c.w0, HiddenInitializer(ctx, c.hiddenC, c.w0))
	}
	x = Linear(ctx.In("output"), x, c.totalVoxels, UniformInitializer(ctx, OutputInitScale))
	if c.onlyPositive {
		x = activations.Relu(x)
	}
	return Reshape(x, c.totalVoxels)
}

// MetaDecoderConfig configures a latent-conditioned SIREN decoder: a first MetaDense layer with a
// high frequency, residual MetaDense layers, and a dense output with one correction per voxel.
//
// Create it with NewMetaDecoder, configure it, and call Decode.
type MetaDecoderConfig struct {
	totalVoxels         int
	numResidual         int
	firstW0, firstScale float64
	hiddenW0, hiddenC   float64
}

// NewMetaDecoder creates a meta decoder configuration producing totalVoxels corrections.
//
// Defaults: first layer w0=30 with scale 6, then 3 residual layers with w0=1 and c=6.
func NewMetaDecoder(totalVoxels int) *MetaDecoderConfig {
	return &MetaDecoderConfig{
		totalVoxels: totalVoxels,
		numResidual: 3,
		firstW0:     30,
		firstScale:  6,
		hiddenW0:    1,
		hiddenC:     6,
	}
}

// FirstW0 sets the frequency multiplier of the first layer.
func (c *MetaDecoderConfig) FirstW0(w0 float64) *MetaDecoderConfig {
	c.firstW0 = w0
	return c
}

// NumResidual sets the number of residual MetaDense layers.
func (c *MetaDecoderConfig) NumResidual(n int) *MetaDecoderConfig {
	c.numResidual = n
	return c
}

// Decode returns the density corrections [batchSize, totalVoxels] for latent [batchSize, latentDim].
func (c *MetaDecoderConfig) Decode(ctx *context.Context, latent *Node) *Node {
	if latent.Rank() != 2 {
		Panicf("siren meta decoder requires latent shaped [batchSize, latentDim], got %s", latent.Shape())
	}
	latentDim := latent.Shape().Dimensions[1]
	x := MetaDense(ctx.In("het_0"), latent, latent, latentDim, c.firstW0, FirstLayerInitializer(ctx, c.firstScale))
	for ii := range c.numResidual {
		residual := MetaDense(ctx.In(fmt.Sprintf("het_%d", ii+1)), x, latent, latentDim, c.hiddenW0,
			HiddenInitializer(ctx, c.hiddenC, c.hiddenW0))
		x = Add(x, residual)
	}
	return Linear(ctx.In("output"), x, c.totalVoxels, UniformInitializer(ctx, OutputInitScale))
}
