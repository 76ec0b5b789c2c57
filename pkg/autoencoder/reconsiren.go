// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/cryosiren/pkg/encoder"
	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/losses"
	"github.com/gomlx/cryosiren/pkg/projection"
	"github.com/gomlx/cryosiren/pkg/siren"
)

// Blur filter bank of the ReconSIREN multi-resolution term.
const (
	ReconMultiResMaxStd = 3
	ReconMultiResSize   = 9
)

// reconModel implements ReconSIREN: a shared backbone with K pose candidates per image, scored
// against a single consensus density. The best candidate of each image gets the gradient.
type reconModel struct {
	cfg     *Config
	geo     *geometry
	encoder encoder.MultiHead
	decoder *siren.DecoderConfig
}

func newReconModel(cfg *Config, geo *geometry) *reconModel {
	return &reconModel{
		cfg: cfg,
		geo: geo,
		encoder: encoder.MultiHead{
			Backbone:      cfg.backbone(),
			NumCandidates: cfg.NumCandidates,
			Units:         cfg.CandidateUnits,
		},
		decoder: siren.NewDecoder(geo.numVoxels).OnlyPositive(cfg.OnlyPositive),
	}
}

func (m *reconModel) Config() *Config        { return m.cfg }
func (m *reconModel) DecoderTrainable() bool { return !m.cfg.OnlyPose }

func (m *reconModel) MetricNames() []string {
	return []string{"rec", "l1", "uniform_dist", "unit_norm", "tv", "mse", "negative", "connected", "diversity"}
}

// cost used to score the candidates.
func (m *reconModel) cost() losses.Cost {
	if m.cfg.OnlyPose {
		return losses.CostCorrelation
	}
	return m.cfg.Cost
}

// Densities implements Model. The latent is ignored.
func (m *reconModel) Densities(ctx *context.Context, coords, base, _ *Node) *Node {
	delta := m.decoder.Decode(ctx.In(DecoderScope), coords)
	return ExpandAxes(Add(ConvertDType(base, delta.DType()), delta), 0)
}

// values returns the densities [numVoxels] used to render the batch. In the OnlyPose mode the
// decoder is not used.
func (m *reconModel) values(ctx *context.Context, g *Graph) *Node {
	coords := ConstTensor(g, m.geo.coords)
	base := ConstTensor(g, m.geo.values)
	if m.cfg.OnlyPose {
		return base
	}
	return Squeeze(m.Densities(ctx, coords, base, nil), 0)
}

// encode returns the Wiener corrected images (if the source has CTF) and the pose candidates.
func (m *reconModel) encode(ctx *context.Context, b *Batch) (ctf, corrected *Node, candidates []encoder.Candidate) {
	ctf = m.geo.ctf(b, true)
	corrected = b.Images
	if m.geo.applyCTF {
		corrected = imageformation.Wiener2D(b.Images, ctf, m.geo.padFactor)
	}
	candidates = m.encoder.Encode(ctx.In(EncoderScope), corrected)
	return
}

// render projects values with the rotations r [batchSize, 3, 3] and shifts [batchSize, 2], and
// corrupts the projections with the CTF if the source has it.
func (m *reconModel) render(values, r, shifts, ctf *Node) *Node {
	coords := ConstTensor(values.Graph(), m.geo.coords)
	images := m.geo.project(coords, values, r, shifts, m.cfg.ScaleFactor)
	if m.geo.applyCTF {
		images = imageformation.FilterImageWithCTF(images, ctf, m.geo.padFactor)
	}
	return images
}

// symmetryMatrix returns the i-th symmetry matrix [3, 3].
func (m *reconModel) symmetryMatrix(g *Graph, ii int) *Node {
	return Squeeze(SliceAxis(ConstTensor(g, m.geo.symmetry), 0, AxisElem(ii)), 0)
}

// lastColumn returns r[..., -1] for rotations r [batchSize, 3, 3], shaped [batchSize, 3].
func lastColumn(r *Node) *Node {
	return Squeeze(SliceAxis(r, -1, AxisElem(2)), -1)
}

// Loss implements Model.
//
// Each candidate is scored by the reconstruction cost averaged over the symmetry matrices (plus
// the blur pyramid levels, if configured), and the minimum per image is kept.
// total = mean(best) + l1 + UniformDist·uniform + UnitNorm·unitNorm + tv + mse + Negative·neg
// (+ the connected components and diversity terms, when weighted).
func (m *reconModel) Loss(ctx *context.Context, b *Batch) (loss *Node, metrics []*Node) {
	g := b.Images.Graph()
	w := m.cfg.Weights
	cost := m.cost()
	ctf, corrected, candidates := m.encode(ctx, b)
	values := m.values(ctx, g)

	observed := m.geo.maskedImages(b.Images, m.geo.size)
	var best *losses.MinReducer
	var unitNorm, uniform *Node
	for _, candidate := range candidates {
		r := projection.GramSchmidt(candidate.Rows)
		var candidateCost *Node
		for ii := range m.geo.numSymmetries {
			rSym := projection.ApplySymmetry(r, m.symmetryMatrix(g, ii))
			decoded := m.render(values, rSym, candidate.Shifts, ctf)
			symCost := cost.Apply(observed, m.geo.maskedImages(decoded, m.geo.size))
			for _, levelCost := range costOverBlurLevels(cost.Apply, corrected, decoded, m.cfg.MultiResLevels,
				ReconMultiResMaxStd, ReconMultiResSize) {
				symCost = Add(symCost, MulScalar(levelCost, w.MultiRes))
			}
			if candidateCost == nil {
				candidateCost = symCost
			} else {
				candidateCost = Add(candidateCost, symCost)
			}
		}
		candidateCost = DivScalar(candidateCost, float64(m.geo.numSymmetries))
		if best == nil {
			best = losses.NewMinReducer(candidateCost, r)
		} else {
			best.Update(candidateCost, r)
		}

		candidateNorm := losses.UnitNorm(candidate.Rows)
		candidateUniform := losses.UniformDistribution(lastColumn(r))
		if unitNorm == nil {
			unitNorm, uniform = candidateNorm, candidateUniform
		} else {
			unitNorm, uniform = Add(unitNorm, candidateNorm), Add(uniform, candidateUniform)
		}
	}
	numCandidates := float64(len(candidates))
	unitNorm = MulScalar(DivScalar(unitNorm, numCandidates), w.UnitNorm)
	uniform = MulScalar(DivScalar(uniform, numCandidates), w.UniformDist)
	rec := ReduceAllMean(best.Value)

	batchValues := ExpandAxes(values, 0)
	coords := ConstTensor(g, m.geo.coords)
	indices := ConstTensor(g, m.geo.indices)
	l1 := losses.L1Density(batchValues, m.geo.numVoxels)
	l1 = Add(l1, MulScalar(ReduceAllMean(losses.L1DistanceNorm(batchValues, coords)), w.L1Distance))
	l1 = MulScalar(l1, w.L1)
	tv, mse := losses.DensitySmoothness(indices, batchValues, m.geo.xsize)
	tv, mse = MulScalar(ReduceAllMean(tv), w.TV), MulScalar(ReduceAllMean(mse), w.MSE)
	neg := Scalar(g, values.DType(), 0)
	if !m.cfg.OnlyPositive {
		neg = MulScalar(losses.NegativePenalty(batchValues), w.L1*w.Negative)
	}
	connected := Scalar(g, values.DType(), 0)
	if w.ConnectedComponents != 0 {
		connected = losses.ConnectedComponentPenalty(indices, batchValues, m.geo.xsize, m.cfg.ConnectedFraction)
		connected = MulScalar(ReduceAllMean(connected), w.ConnectedComponents)
	}
	diversity := Scalar(g, values.DType(), 0)
	if w.Diversity != 0 {
		diversity = MulScalar(losses.Diversity(lastColumn(best.Payload[0])), w.Diversity)
	}

	loss = rec
	for _, term := range []*Node{l1, uniform, unitNorm, tv, mse, neg, connected, diversity} {
		loss = Add(loss, term)
	}
	metrics = []*Node{rec, l1, uniform, unitNorm, tv, mse, neg, connected, diversity}
	return
}

// Predict implements Model.
//
// PredictHet returns the rotation matrices [batchSize, 3, 3] and shifts [batchSize, 2] of the best
// candidate of each image, and its decoded images [batchSize, size, size]. PredictParticles returns
// only the decoded images. The symmetry matrices are not used: the candidates are scored with the
// identity. The decoded images are corrupted by the CTF when applyCTF is true; the candidate
// scores always use the CTF of the source, as in training.
func (m *reconModel) Predict(ctx *context.Context, b *Batch, mode PredictMode, applyCTF bool) []*Node {
	if mode != PredictHet && mode != PredictParticles {
		Panicf("ReconSIREN: invalid predict mode %s", mode)
	}
	g := b.Images.Graph()
	cost := m.cost()
	ctf, _, candidates := m.encode(ctx, b)
	values := m.values(ctx, g)

	observed := m.geo.maskedImages(b.Images, m.geo.size)
	var best *losses.MinReducer
	for _, candidate := range candidates {
		r := projection.GramSchmidt(candidate.Rows)
		decoded := m.render(values, r, candidate.Shifts, ctf)
		score := cost.Apply(observed, m.geo.maskedImages(decoded, m.geo.size))
		if !applyCTF && m.geo.applyCTF {
			coords := ConstTensor(g, m.geo.coords)
			decoded = m.geo.project(coords, values, r, candidate.Shifts, m.cfg.ScaleFactor)
		}
		if best == nil {
			best = losses.NewMinReducer(score, r, candidate.Shifts, decoded)
		} else {
			best.Update(score, r, candidate.Shifts, decoded)
		}
	}
	if mode == PredictParticles {
		return []*Node{best.Payload[2]}
	}
	return best.Payload
}
