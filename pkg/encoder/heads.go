// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"

	"github.com/gomlx/cryosiren/pkg/siren"
)

const (
	// HeadUnits is the width of the hidden layers of the Single encoder heads.
	HeadUnits = 256

	// CandidateUnits is the width of the hidden layers of the MultiHead candidates.
	CandidateUnits = 1024

	// ShiftsOutputStddev is the standard deviation of the initial weights of the candidates' shifts
	// output layer, so initial shifts are close to zero.
	ShiftsOutputStddev = 1e-4
)

// Output of the Single encoder.
type Output struct {
	// Rows are the Euler angle increments (in degrees) [batchSize, 3].
	Rows *Node

	// Shifts are the in-plane shift increments (in pixels) [batchSize, 2].
	Shifts *Node

	// Latent codes [batchSize, LatentDim].
	Latent *Node
}

// Single encoder: the backbone followed by three independent heads (rows, shifts and latent),
// each with 3 hidden ReLU layers of HeadUnits.
type Single struct {
	Backbone Backbone

	LatentDim int

	// FreezePose skips the rows and shifts heads: their outputs are zeros, so the metadata poses
	// are used unchanged.
	FreezePose bool
}

// Encode images [batchSize, size, size].
func (s Single) Encode(ctx *context.Context, images *Node) Output {
	if s.LatentDim <= 0 {
		Panicf("encoder.Single requires LatentDim > 0, got %d", s.LatentDim)
	}
	features := s.Backbone.Apply(ctx.In("backbone"), images)
	var out Output
	out.Latent = mlp(ctx.In("latent"), features, 3, HeadUnits, s.LatentDim)
	if s.FreezePose {
		batchSize := features.Shape().Dimensions[0]
		out.Rows = Zeros(features.Graph(), shapes.Make(features.DType(), batchSize, 3))
		out.Shifts = Zeros(features.Graph(), shapes.Make(features.DType(), batchSize, 2))
		return out
	}
	out.Rows = mlp(ctx.In("rows"), features, 3, HeadUnits, 3)
	out.Shifts = mlp(ctx.In("shifts"), features, 3, HeadUnits, 2)
	return out
}

// Candidate is one pose hypothesis of the MultiHead encoder.
type Candidate struct {
	// Rows are the two (unnormalized) first rows of the rotation matrix [batchSize, 6].
	Rows *Node

	// Shifts are the in-plane shifts (in pixels) [batchSize, 2].
	Shifts *Node
}

// MultiHead encoder: the shared backbone followed by NumCandidates independent pose heads.
type MultiHead struct {
	Backbone      Backbone
	NumCandidates int

	// Units of the hidden layers of each candidate head. If 0, CandidateUnits is used.
	Units int
}

// Encode images [batchSize, size, size] into NumCandidates pose candidates.
func (m MultiHead) Encode(ctx *context.Context, images *Node) []Candidate {
	if m.NumCandidates <= 0 {
		Panicf("encoder.MultiHead requires NumCandidates > 0, got %d", m.NumCandidates)
	}
	units := m.Units
	if units <= 0 {
		units = CandidateUnits
	}
	features := m.Backbone.Apply(ctx.In("backbone"), images)
	candidates := make([]Candidate, m.NumCandidates)
	for k := range candidates {
		headCtx := ctx.In(fmt.Sprintf("head_%d", k))
		candidates[k].Rows = mlp(headCtx.In("rows"), features, 4, units, 6)

		shiftsCtx := headCtx.In("shifts")
		hidden := activations.Relu(mlp(shiftsCtx.In("hidden"), features, 3, units, units))
		candidates[k].Shifts = siren.Linear(shiftsCtx.In("output"), hidden, 2,
			siren.NormalInitializer(shiftsCtx, ShiftsOutputStddev))
	}
	return candidates
}
