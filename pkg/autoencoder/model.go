// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoencoder implements the HetSIREN and ReconSIREN auto-encoders: the graphs of the
// train, eval and predict steps, and the Trainer that runs them over a dataset of particles.
//
// The encoder variables live under the "/encoder" scope and the decoder ones under "/decoder",
// each updated by its own optimize.GroupAdam.
package autoencoder

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/pkg/projection"
)

// Scopes of the model variables.
const (
	EncoderScope = "encoder"
	DecoderScope = "decoder"
)

// Model is the graph side of an auto-encoder family.
//
// All methods take the root context: the models create their variables under EncoderScope and
// DecoderScope.
type Model interface {
	// Config returns the model configuration.
	Config() *Config

	// Loss returns the total loss (a scalar) of the batch, and the scalar metrics named by MetricNames.
	Loss(ctx *context.Context, b *Batch) (loss *Node, metrics []*Node)

	// MetricNames returns the names of the metrics returned by Loss.
	MetricNames() []string

	// Predict returns the outputs of the batch for the given mode. If applyCTF is true and the
	// source has CTF information, the decoded particles are corrupted by the CTF.
	Predict(ctx *context.Context, b *Batch, mode PredictMode, applyCTF bool) []*Node

	// Densities returns the density values (base plus correction) [batchSize, numVoxels] at the
	// grid coords [numVoxels, 3]. For HetSIREN, latent [batchSize, latentDim] must be given,
	// and for ReconSIREN it is ignored and a batch of one density is returned.
	Densities(ctx *context.Context, coords, base, latent *Node) *Node

	// DecoderTrainable reports whether the decoder variables are updated during training.
	DecoderTrainable() bool
}

// New creates the model configured by cfg for the particles of src.
func New(cfg *Config, src particles.Source) (Model, error) {
	if cfg == nil {
		return nil, errors.New("autoencoder.New: nil config")
	}
	geo, err := newGeometry(src)
	if err != nil {
		return nil, errors.WithMessage(err, "autoencoder.New")
	}
	if err := cfg.Validate(geo.size); err != nil {
		return nil, err
	}
	switch cfg.Family {
	case HetSIREN:
		return newHetModel(cfg, geo), nil
	case ReconSIREN:
		return newReconModel(cfg, geo), nil
	}
	return nil, errors.Errorf("autoencoder.New: invalid family %s", cfg.Family)
}

// project scatters values [batchSize, numVoxels] (or [numVoxels]) rotated by r [batchSize, 3, 3]
// and shifted by shifts [batchSize, 2] onto images, and blurs them with a 3×3 Gaussian.
func (geo *geometry) project(coords, values, r, shifts *Node, scale float64) *Node {
	rotated := projection.RotateCoords(coords, r, scale)
	positions := projection.ProjectPositions(rotated, shifts, geo.origin())
	images := projection.ScatterImage(positions, values, geo.size, projection.DefaultSigma)
	return imageformation.GaussianFilter(images, 3, 1)
}

// costOverBlurLevels returns the cost of each level of the blur filter bank, a list of [batchSize]
// values.
func costOverBlurLevels(cost func(a, b *Node) *Node, images, decoded *Node, levels int, maxStd float64, size int) []*Node {
	if levels <= 0 {
		return nil
	}
	bank := imageformation.CreateBlurFilterBank(levels, maxStd, size)
	blurredImages := imageformation.ApplyBlurFilters(images, bank)
	blurredDecoded := imageformation.ApplyBlurFilters(decoded, bank)
	costs := make([]*Node, levels)
	for ii := range levels {
		costs[ii] = cost(
			Squeeze(SliceAxis(blurredImages, -1, AxisElem(ii)), -1),
			Squeeze(SliceAxis(blurredDecoded, -1, AxisElem(ii)), -1))
	}
	return costs
}

// checkLatent verifies the latent codes given to Densities.
func checkLatent(latent *Node, latentDim int) {
	if latent == nil || latent.Rank() != 2 || latent.Shape().Dimensions[1] != latentDim {
		var shape any = "nil"
		if latent != nil {
			shape = latent.Shape()
		}
		Panicf("latent codes must be shaped [batchSize, %d], got %v", latentDim, shape)
	}
}
