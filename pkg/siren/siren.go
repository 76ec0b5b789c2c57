// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package siren implements sinusoidal representation networks (SIREN): dense layers with sine
// activations, their initializers, and the implicit volume decoders built from them.
//
// Variables are created in the scope of the given context.Context, so a decoder built with
// ctx.In("decoder") keeps all its weights under "/decoder".
package siren

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// Initializer builds the initial value of a variable with the given shape.
type Initializer = func(g *Graph, shape shapes.Shape) *Node

// Sine returns sin(w0·x).
func Sine(x *Node, w0 float64) *Node {
	if w0 == 1 {
		return Sin(x)
	}
	return Sin(MulScalar(x, w0))
}

// fanIn of a kernel shaped [inputDim, outputDims...].
func fanIn(shape shapes.Shape) float64 {
	if shape.Rank() == 0 {
		return 1
	}
	return float64(shape.Dimensions[0])
}

// UniformInitializer returns an initializer sampling U(-limit, limit).
func UniformInitializer(ctx *context.Context, limit float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return uniform(ctx, g, shape, limit)
	}
}

func uniform(ctx *context.Context, g *Graph, shape shapes.Shape, limit float64) *Node {
	values := ctx.RandomUniform(g, shape)
	return AddScalar(MulScalar(values, 2*limit), -limit)
}

// FirstLayerInitializer samples the first SIREN layer kernel from U(-scale/fanIn, scale/fanIn).
func FirstLayerInitializer(ctx *context.Context, scale float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return uniform(ctx, g, shape, scale/fanIn(shape))
	}
}

// HiddenInitializer samples hidden SIREN layer kernels from U(±sqrt(c/fanIn)/w0), which keeps
// the pre-activations distribution stable across sine layers.
func HiddenInitializer(ctx *context.Context, c, w0 float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return uniform(ctx, g, shape, math.Sqrt(c/fanIn(shape))/w0)
	}
}

// NormalInitializer samples N(0, stddev²).
func NormalInitializer(ctx *context.Context, stddev float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}

// ConstantInitializer fills the variable with value.
func ConstantInitializer(value float64) Initializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return BroadcastToDims(Scalar(g, shape.DType, value), shape.Dimensions...)
	}
}

// Linear applies the affine transformation x·W+b over the last axis of x, with W [inputDim, units]
// created with kernelInit and the bias initialized to zero.
//
// Variables are named "weights" and "biases", in the current scope of ctx.
func Linear(ctx *context.Context, x *Node, units int, kernelInit Initializer) *Node {
	return linearWithBias(ctx, x, units, kernelInit, ConstantInitializer(0))
}

func linearWithBias(ctx *context.Context, x *Node, units int, kernelInit, biasInit Initializer) *Node {
	g := x.Graph()
	if x.Rank() < 1 {
		Panicf("siren.Linear requires x to have at least one axis, got %s", x.Shape())
	}
	dtype := x.DType()
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	weightsVar := ctx.WithInitializer(kernelInit).VariableWithShape("weights", shapes.Make(dtype, inputDim, units))
	biasVar := ctx.WithInitializer(biasInit).VariableWithShape("biases", shapes.Make(dtype, units))
	return nn.Dense(x, weightsVar.ValueGraph(g), biasVar.ValueGraph(g))
}

// Dense is a SIREN layer: sin(w0·(x·W+b)).
func Dense(ctx *context.Context, x *Node, units int, w0 float64, kernelInit Initializer) *Node {
	return Sine(Linear(ctx, x, units, kernelInit), w0)
}

// MetaModulationScale is the range of the uniform initialization of the hyper-network maps that
// produce the per-sample modulations.
const MetaModulationScale = 1e-3

// MetaDense is a SIREN layer whose weights are modulated per sample by a hyper-network of the
// latent code: sin(w0·(γ(z)⊙(x·W+b)+β(z))).
//
// x is shaped [batchSize, inputDim] and latent [batchSize, latentDim]. γ and β, both
// [batchSize, units], are linear maps of latent, initialized so that γ≈1 and β≈0, and each
// sample starts from the shared base layer.
func MetaDense(ctx *context.Context, x, latent *Node, units int, w0 float64, kernelInit Initializer) *Node {
	if x.Rank() != 2 || latent.Rank() != 2 || x.Shape().Dimensions[0] != latent.Shape().Dimensions[0] {
		Panicf("siren.MetaDense requires x [batchSize, inputDim] and latent [batchSize, latentDim], got %s and %s",
			x.Shape(), latent.Shape())
	}
	base := Linear(ctx.In("base"), x, units, kernelInit)
	modulationInit := UniformInitializer(ctx, MetaModulationScale)
	gamma := linearWithBias(ctx.In("gamma"), latent, units, modulationInit, ConstantInitializer(1))
	beta := Linear(ctx.In("beta"), latent, units, modulationInit)
	return Sine(Add(Mul(gamma, base), beta), w0)
}
