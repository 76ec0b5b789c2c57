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

// Blur filter bank of the HetSIREN multi-resolution term.
const (
	HetMultiResMaxStd = 10
	HetMultiResSize   = 30
)

// hetModel implements HetSIREN: the encoder refines the metadata poses and produces a latent code
// per image, decoded by a meta SIREN into a per-particle density correction.
type hetModel struct {
	cfg     *Config
	geo     *geometry
	encoder encoder.Single
	decoder *siren.MetaDecoderConfig
}

func newHetModel(cfg *Config, geo *geometry) *hetModel {
	return &hetModel{
		cfg: cfg,
		geo: geo,
		encoder: encoder.Single{
			Backbone:   cfg.backbone(),
			LatentDim:  cfg.LatentDim,
			FreezePose: !cfg.RefinePose,
		},
		decoder: siren.NewMetaDecoder(geo.numVoxels),
	}
}

func (m *hetModel) Config() *Config        { return m.cfg }
func (m *hetModel) DecoderTrainable() bool { return true }

func (m *hetModel) MetricNames() []string {
	return []string{"rec_ori", "rec_scl", "l1", "negative", "tv", "mse"}
}

// correctImages returns the images fed to the encoder and compared to the projections: Wiener
// filtered in the Wiener mode.
func (m *hetModel) correctImages(images, ctf *Node) *Node {
	if m.cfg.CTFMode == imageformation.CTFWiener && m.geo.applyCTF {
		return imageformation.Wiener2D(images, ctf, m.geo.padFactor)
	}
	return images
}

// Densities implements Model.
func (m *hetModel) Densities(ctx *context.Context, _, base, latent *Node) *Node {
	checkLatent(latent, m.cfg.LatentDim)
	delta := m.decoder.Decode(ctx.In(DecoderScope), latent)
	return Add(ExpandAxes(ConvertDType(base, delta.DType()), 0), delta)
}

// render projects the densities [batchSize, numVoxels] with the metadata poses plus the encoder
// corrections.
func (m *hetModel) render(b *Batch, out encoder.Output, values, ctf *Node, applyCTF bool) *Node {
	g := values.Graph()
	angle := func(base *Node, ii int) *Node {
		return Add(base, Squeeze(SliceAxis(out.Rows, 1, AxisElem(ii)), 1))
	}
	r := projection.EulerMatrix(angle(b.Rot, 0), angle(b.Tilt, 1), angle(b.Psi, 2))
	shifts := Add(Stack([]*Node{b.ShiftX, b.ShiftY}, -1), out.Shifts)
	coords := ConstTensor(g, m.geo.coords)
	images := m.geo.project(coords, values, r, shifts, 1)
	images = imageformation.SoftThreshold(images, RenderThreshold)
	if applyCTF {
		images = imageformation.FilterImageWithCTF(images, ctf, m.geo.padFactor)
	}
	return images
}

// forward runs the encoder, the decoder and the projection of the batch.
func (m *hetModel) forward(ctx *context.Context, b *Batch, applyCTF bool) (images, values, decoded *Node, out encoder.Output) {
	g := b.Images.Graph()
	ctf := m.geo.ctf(b, m.cfg.CTFMode != imageformation.CTFNone || applyCTF)
	images = m.correctImages(b.Images, ctf)
	out = m.encoder.Encode(ctx.In(EncoderScope), images)
	values = m.Densities(ctx, nil, ConstTensor(g, m.geo.values), out.Latent)
	decoded = m.render(b, out, values, ctf, applyCTF)
	return
}

// Loss implements Model.
//
// total = Rec·(ori + scl) + Reg·(l1 + negative + tv + mse), where ori is the cost at the native
// size (averaged with the blur pyramid levels, if configured), and scl the cost at the train size.
func (m *hetModel) Loss(ctx *context.Context, b *Batch) (loss *Node, metrics []*Node) {
	g := b.Images.Graph()
	w := m.cfg.Weights
	applyCTF := m.cfg.CTFMode == imageformation.CTFApply && m.geo.applyCTF
	images, values, decoded, _ := m.forward(ctx, b, applyCTF)

	cost := func(size int) *Node {
		return m.cfg.Cost.Apply(m.geo.maskedImages(images, size), m.geo.maskedImages(decoded, size))
	}
	lossOri := cost(m.geo.size)
	if m.cfg.MultiResLevels > 0 {
		for _, levelCost := range costOverBlurLevels(m.cfg.Cost.Apply, images, decoded, m.cfg.MultiResLevels,
			HetMultiResMaxStd, HetMultiResSize) {
			lossOri = Add(lossOri, levelCost)
		}
		lossOri = DivScalar(lossOri, float64(m.cfg.MultiResLevels+1))
	}
	lossScl := cost(m.cfg.trainSize(m.geo.size))
	lossOri, lossScl = ReduceAllMean(lossOri), ReduceAllMean(lossScl)

	indices := ConstTensor(g, m.geo.indices)
	l1 := MulScalar(losses.L1Density(values, m.geo.numVoxels), w.L1)
	neg := MulScalar(losses.NegativePenalty(values), w.L1)
	tv, mse := losses.DensitySmoothness(indices, values, m.geo.xsize)
	tv, mse = MulScalar(ReduceAllMean(tv), w.TV), MulScalar(ReduceAllMean(mse), w.MSE)

	rec := MulScalar(Add(lossOri, lossScl), w.Rec)
	reg := MulScalar(Add(Add(l1, neg), Add(tv, mse)), w.Reg)
	loss = Add(rec, reg)
	metrics = []*Node{lossOri, lossScl, l1, neg, tv, mse}
	return
}

// Predict implements Model.
//
// PredictHet returns the angle corrections [batchSize, 3], the shift corrections [batchSize, 2] and
// the latent codes [batchSize, latentDim]. PredictParticles returns the decoded images.
func (m *hetModel) Predict(ctx *context.Context, b *Batch, mode PredictMode, applyCTF bool) []*Node {
	switch mode {
	case PredictHet:
		ctf := m.geo.ctf(b, m.cfg.CTFMode == imageformation.CTFWiener)
		out := m.encoder.Encode(ctx.In(EncoderScope), m.correctImages(b.Images, ctf))
		return []*Node{out.Rows, out.Shifts, out.Latent}
	case PredictParticles:
		_, _, decoded, _ := m.forward(ctx, b, applyCTF && m.geo.applyCTF)
		return []*Node{decoded}
	}
	Panicf("HetSIREN: invalid predict mode %s", mode)
	return nil
}
