// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder implements the image encoders: a backbone turning particle images into a feature
// vector, and the heads regressing pose (rotation representation and shifts) and latent codes.
//
// Two kinds of encoders are provided: Single, with one set of pose heads plus a latent head, and
// MultiHead, with K independent pose candidates sharing the backbone.
package encoder

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"

	"github.com/gomlx/cryosiren/pkg/imageformation"
)

// Backbone configures the network mapping images [batchSize, size, size] to features [batchSize, numFeatures].
type Backbone struct {
	Architecture Architecture

	// ResizeTo Fourier-resizes the input images before anything else. 0 keeps the input size.
	ResizeTo int

	// BlurFilters, BlurMaxStd and BlurSize configure the blur filter bank applied to the (resized)
	// images, one channel per filter. BlurFilters=0 disables it.
	BlurFilters int
	BlurMaxStd  float64
	BlurSize    int

	// ConvChannels are the output channels of the 4 strided convolutions, and ConvRepeats the
	// number of extra residual 1×1 convolutions of each residual block.
	ConvChannels [4]int
	ConvRepeats  int

	// DenseUnits and DenseLayers configure the dense trunk after the convolutions (or after
	// flattening for MLPNN). With DenseResidual, every layer after the first is added to its input.
	DenseUnits    int
	DenseLayers   int
	DenseResidual bool
}

// HetSIRENBackbone returns the backbone configuration used by the heterogeneity encoder.
func HetSIRENBackbone(arch Architecture) Backbone {
	switch arch {
	case DeepConv:
		return Backbone{Architecture: arch, ResizeTo: 64, BlurFilters: 5, BlurMaxStd: 5, BlurSize: 15,
			ConvChannels: [4]int{64, 128, 256, 512}, ConvRepeats: 2,
			DenseUnits: 512, DenseLayers: 5, DenseResidual: true}
	case MLPNN:
		return Backbone{Architecture: arch, DenseUnits: 1024, DenseLayers: 3}
	default:
		return Backbone{Architecture: ConvNN, ResizeTo: 64, BlurFilters: 5, BlurMaxStd: 5, BlurSize: 15,
			ConvChannels: [4]int{4, 8, 16, 16}, ConvRepeats: 1,
			DenseUnits: 256, DenseLayers: 4}
	}
}

// ReconSIRENBackbone returns the backbone configuration shared by the pose candidates of the
// ab-initio encoder.
func ReconSIRENBackbone(arch Architecture) Backbone {
	switch arch {
	case DeepConv:
		b := HetSIRENBackbone(DeepConv)
		b.BlurFilters, b.BlurMaxStd, b.BlurSize = 10, 10, 30
		return b
	case MLPNN:
		return Backbone{Architecture: arch, ResizeTo: 64, DenseUnits: 1024, DenseLayers: 14, DenseResidual: true}
	default:
		return Backbone{Architecture: ConvNN, ResizeTo: 64, BlurFilters: 10, BlurMaxStd: 10, BlurSize: 30,
			ConvChannels: [4]int{4, 8, 16, 16}, ConvRepeats: 1,
			DenseUnits: 1024, DenseLayers: 4, DenseResidual: true}
	}
}

// dense is a plain affine layer with bias.
func dense(ctx *context.Context, x *Node, units int) *Node {
	return fnn.New(ctx, x, units).NumHiddenLayers(0, 0).Normalization("none").Dropout(0).Done()
}

// mlp is a stack of numHidden ReLU layers of hiddenUnits followed by a linear output layer.
func mlp(ctx *context.Context, x *Node, numHidden, hiddenUnits, outputDim int) *Node {
	return fnn.New(ctx, x, outputDim).
		NumHiddenLayers(numHidden, hiddenUnits).
		Activation(activations.TypeRelu).
		Normalization("none").
		Dropout(0).
		Residual(false).
		Done()
}

func conv(ctx *context.Context, x *Node, channels, kernelSize, strides int, relu bool) *Node {
	x = layers.Convolution(ctx, x).Filters(channels).KernelSize(kernelSize).Strides(strides).PadSame().Done()
	if relu {
		x = activations.Relu(x)
	}
	return x
}

// residualBlock applies the 1×1 residual convolutions to x.
func residualBlock(ctx *context.Context, x *Node, repeats int) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	aux := conv(ctx.In("res_0a"), x, channels, 1, 1, true)
	aux = conv(ctx.In("res_0b"), aux, channels, 1, 1, false)
	x = activations.Relu(Add(x, aux))
	for ii := range repeats {
		aux = conv(ctx.In(fmt.Sprintf("res_%d", ii+1)), x, channels, 1, 1, false)
		x = activations.Relu(Add(x, aux))
	}
	return x
}

// NumChannels returns the number of channels the convolutions get as input.
func (b Backbone) NumChannels() int {
	if b.BlurFilters > 0 {
		return b.BlurFilters
	}
	return 1
}

// Apply runs the backbone on images [batchSize, size, size] and returns features [batchSize, DenseUnits].
func (b Backbone) Apply(ctx *context.Context, images *Node) *Node {
	if images.Rank() == 4 && images.Shape().Dimensions[3] == 1 {
		images = Squeeze(images, -1)
	}
	if images.Rank() != 3 {
		Panicf("encoder backbone requires images shaped [batchSize, size, size], got %s", images.Shape())
	}
	if b.DenseUnits <= 0 || b.DenseLayers <= 0 {
		Panicf("encoder backbone requires DenseUnits and DenseLayers > 0, got %d and %d", b.DenseUnits, b.DenseLayers)
	}
	batchSize := images.Shape().Dimensions[0]
	x := images
	if b.ResizeTo > 0 && b.ResizeTo != x.Shape().Dimensions[1] {
		x = imageformation.ResizeImageFourier(x, b.ResizeTo, 1)
	}
	var bank *tensors.Tensor
	if b.BlurFilters > 0 {
		bank = imageformation.CreateBlurFilterBank(b.BlurFilters, b.BlurMaxStd, b.BlurSize)
	}

	switch b.Architecture {
	case ConvNN, DeepConv:
		if bank != nil {
			x = imageformation.ApplyBlurFilters(x, bank)
		} else {
			x = ExpandAxes(x, -1)
		}
		convCtx := ctx.In("conv")
		x = conv(convCtx.In("conv_0"), x, b.ConvChannels[0], 5, 2, true)
		x = conv(convCtx.In("conv_1"), x, b.ConvChannels[1], 5, 2, true)
		x = residualBlock(convCtx.In("block_1"), x, b.ConvRepeats)
		x = conv(convCtx.In("conv_2"), x, b.ConvChannels[2], 3, 2, true)
		x = residualBlock(convCtx.In("block_2"), x, b.ConvRepeats)
		x = conv(convCtx.In("conv_3"), x, b.ConvChannels[3], 3, 2, true)
	case MLPNN:
		if bank != nil {
			x = imageformation.ApplyBlurFilters(x, bank)
		}
	default:
		Panicf("unknown encoder architecture %d", int(b.Architecture))
	}
	x = Reshape(x, batchSize, -1)

	denseCtx := ctx.In("dense")
	x = activations.Relu(dense(denseCtx.In("dense_0"), x, b.DenseUnits))
	for ii := 1; ii < b.DenseLayers; ii++ {
		aux := activations.Relu(dense(denseCtx.In(fmt.Sprintf("dense_%d", ii)), x, b.DenseUnits))
		if b.DenseResidual {
			x = Add(x, aux)
		} else {
			x = aux
		}
	}
	return x
}
