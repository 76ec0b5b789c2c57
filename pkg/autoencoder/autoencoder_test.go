// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"math"
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/cryosiren/pkg/encoder"
	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/losses"
	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/pkg/projection"
)

const testSize = 12

// testStack returns numImages identical images of a centered Gaussian blob, with the reference pose.
func testStack(t *testing.T, numImages int, withCTF bool) *particles.Stack {
	meta := particles.NewMetadata(numImages)
	if withCTF {
		meta.DefocusU = make([]float32, numImages)
		meta.DefocusV = make([]float32, numImages)
		meta.DefocusAngle = make([]float32, numImages)
		meta.Cs = make([]float32, numImages)
		for ii := range numImages {
			meta.DefocusU[ii], meta.DefocusV[ii] = 5000, 5200
			meta.Cs[ii] = 2.7
		}
		meta.Voltage = 300
	}
	grid, err := particles.NewSphereGrid(testSize, 4, nil)
	require.NoError(t, err)

	center := float64(particles.Origin(testSize))
	blob := make([]float32, testSize*testSize)
	for y := range testSize {
		for x := range testSize {
			dx, dy := float64(x)-center, float64(y)-center
			blob[y*testSize+x] = float32(math.Exp(-(dx*dx + dy*dy) / 8))
		}
	}
	images := make([]float32, 0, numImages*len(blob))
	for range numImages {
		images = append(images, blob...)
	}
	stack, err := particles.NewStack(meta, grid, images, testSize, particles.StackOptions{
		SamplingRate: 2,
		ApplyCTF:     withCTF,
	})
	require.NoError(t, err)
	return stack
}

func testConfig(family Family) *Config {
	cfg := NewConfig(family)
	cfg.Backbone = &encoder.Backbone{Architecture: encoder.MLPNN, DenseUnits: 8, DenseLayers: 2}
	cfg.LatentDim = 3
	cfg.NumCandidates = 2
	cfg.CandidateUnits = 8
	cfg.EncoderLearningRate = 1e-3
	cfg.DecoderLearningRate = 1e-3
	return cfg
}

func TestEnums(t *testing.T) {
	for _, family := range []Family{HetSIREN, ReconSIREN} {
		text, err := family.MarshalText()
		require.NoError(t, err)
		var parsed Family
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, family, parsed)
	}
	f, err := ParseFamily(" ReconSIREN ")
	require.NoError(t, err)
	assert.Equal(t, ReconSIREN, f)
	_, err = ParseFamily("cryodrgn")
	require.Error(t, err)
	assert.Equal(t, "Family(7)", Family(7).String())
	_, err = Family(7).MarshalText()
	require.Error(t, err)

	mode, err := ParsePredictMode("het")
	require.NoError(t, err)
	assert.Equal(t, PredictHet, mode)
	_, err = ParsePredictMode("volumes")
	require.Error(t, err)
	assert.Equal(t, "particles", PredictParticles.String())
}

func TestConfig(t *testing.T) {
	het := NewConfig(HetSIREN)
	assert.Equal(t, imageformation.CTFWiener, het.CTFMode)
	assert.Equal(t, DefaultHetSIRENWeights(), het.Weights)
	require.NoError(t, het.Validate(64))

	recon := NewConfig(ReconSIREN)
	assert.True(t, recon.OnlyPositive)
	assert.Equal(t, imageformation.CTFApply, recon.CTFMode)
	assert.InDelta(t, ReconUniformDistWeight, recon.Weights.UniformDist, 1e-12)
	assert.Zero(t, recon.Weights.ConnectedComponents)
	require.NoError(t, recon.Validate(64))

	recon.TrainSize = 128
	require.Error(t, recon.Validate(64))
	recon.TrainSize = 0
	recon.NumCandidates = 0
	require.Error(t, recon.Validate(64))
	het.ScaleFactor = 0
	require.Error(t, het.Validate(64))
	het.ScaleFactor = 1
	het.LatentDim = 0
	require.Error(t, het.Validate(64))
	assert.Equal(t, 64, het.trainSize(64))
}

func TestNewBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	stack := testStack(t, 3, true)
	inputs, step, err := stepInputs(stack, stack.Images([]int32{0, 2}), []int32{0, 2})
	require.NoError(t, err)
	require.Len(t, inputs, 1+particles.NumStepTensors)
	assert.Equal(t, 2, step.BatchSize())

	exec := context.MustNewExec(backend, nil, func(ctx *context.Context, inputs []*Node) *Node {
		b := NewBatch(inputs[0], inputs[1:], 300)
		require.Equal(t, 2, b.BatchSize())
		require.InDelta(t, 300, b.CTF.Voltage, 1e-9)
		return b.CTF.DefocusU
	})
	outputs, err := exec.Exec(inputs...)
	require.NoError(t, err)
	assert.Equal(t, []float32{5000, 5000}, tensors.MustCopyFlatData[float32](outputs[0]))

	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, nil, func(ctx *context.Context, images *Node) *Node {
			return NewBatch(images, nil, 300).Images
		}, stack.Images([]int32{0}))
	})

	_, _, err = stepInputs(stack, stack.Images([]int32{0}), []int32{5})
	require.Error(t, err)
}

func TestLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, family := range []Family{HetSIREN, ReconSIREN} {
		for _, withCTF := range []bool{false, true} {
			stack := testStack(t, 2, withCTF)
			cfg := testConfig(family)
			cfg.MultiResLevels = 1
			if family == ReconSIREN {
				cfg.Weights.ConnectedComponents = 1
				cfg.Weights.Diversity = 1
			}
			model, err := New(cfg, stack)
			require.NoError(t, err)
			trainer := NewTrainer(backend, context.New(), model, stack)
			assert.Equal(t, 1+len(model.MetricNames()), len(trainer.MetricNames()))

			metrics, err := trainer.EvalStep(stack.Images([]int32{0, 1}), []int32{0, 1})
			require.NoErrorf(t, err, "family=%s, ctf=%v", family, withCTF)
			require.Len(t, metrics, len(trainer.MetricNames()))
			for ii, m := range metrics {
				assert.Falsef(t, math.IsNaN(m) || math.IsInf(m, 0), "family=%s, ctf=%v: metric %q=%g",
					family, withCTF, trainer.MetricNames()[ii], m)
			}
			assert.GreaterOrEqual(t, metrics[0], 0.0)
		}
	}
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	indices := []int32{0, 1, 2}

	stack := testStack(t, 3, true)
	het, err := New(testConfig(HetSIREN), stack)
	require.NoError(t, err)
	trainer := NewTrainer(backend, context.New(), het, stack)
	outputs, err := trainer.Predict(stack.Images(indices), indices, PredictHet, false)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{3, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, 2}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{3, 3}, outputs[2].Shape().Dimensions)
	outputs, err = trainer.Predict(stack.Images(indices), indices, PredictParticles, true)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{3, testSize, testSize}, outputs[0].Shape().Dimensions)
	_, err = trainer.Predict(stack.Images(indices), indices, PredictMode(9), true)
	require.Error(t, err)

	latents := [][]float32{{0, 0, 0}, {1, -1, 0.5}}
	densities, err := trainer.Densities(stack.Grid(), latents)
	require.NoError(t, err)
	require.Len(t, densities, 2)
	assert.Len(t, densities[0], stack.Grid().TotalVoxels())
	_, err = trainer.Densities(stack.Grid(), [][]float32{{1}})
	require.Error(t, err)

	recon, err := New(testConfig(ReconSIREN), stack)
	require.NoError(t, err)
	trainer = NewTrainer(backend, context.New(), recon, stack)
	outputs, err = trainer.Predict(stack.Images(indices), indices, PredictHet, false)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{3, 3, 3}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, 2}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{3, testSize, testSize}, outputs[2].Shape().Dimensions)
	densities, err = trainer.Densities(stack.Grid(), nil)
	require.NoError(t, err)
	require.Len(t, densities, 1)
	// OnlyPositive: the densities are never below the (zero) base values.
	for _, v := range densities[0] {
		require.GreaterOrEqual(t, v, float32(0))
	}
}

func TestOnlyPoseKeepsDecoder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	stack := testStack(t, 4, false)
	cfg := testConfig(ReconSIREN)
	cfg.OnlyPose = true
	model, err := New(cfg, stack)
	require.NoError(t, err)
	assert.False(t, model.DecoderTrainable())

	ctx := context.New()
	trainer := NewTrainer(backend, ctx, model, stack)
	before, err := trainer.Densities(stack.Grid(), nil)
	require.NoError(t, err)
	indices := []int32{0, 1, 2, 3}
	for range 3 {
		_, err = trainer.TrainStep(stack.Images(indices), indices)
		require.NoError(t, err)
	}
	after, err := trainer.Densities(stack.Grid(), nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, int64(3), trainer.GlobalStep())
}

// TestTrainingConverges trains both families on identical images: the loss must go down.
func TestTrainingConverges(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, family := range []Family{HetSIREN, ReconSIREN} {
		stack := testStack(t, 8, false)
		cfg := testConfig(family)
		cfg.RefinePose = false
		cfg.EncoderLearningRate = 1e-2
		cfg.DecoderLearningRate = 1e-2
		model, err := New(cfg, stack)
		require.NoError(t, err)
		ctx := context.New()
		ctx.RngStateFromSeed(42)
		trainer := NewTrainer(backend, ctx, model, stack)
		ds, err := particles.NewMemoryDataset(stack, 4, true, 1)
		require.NoError(t, err)

		loop := NewLoop(trainer)
		history := RecordMetrics(loop)
		var ends int
		loop.OnEnd("count", 0, func(_ *Loop, _ []float64) error {
			ends++
			return nil
		})
		_, err = loop.RunEpochs(ds, 20)
		require.NoErrorf(t, err, "family=%s", family)
		assert.Equal(t, 1, ends)
		require.Len(t, history.Metrics, 40)
		assert.Equal(t, 40, loop.LoopStep)
		assert.Equal(t, int64(40), trainer.GlobalStep())

		mean := func(rows [][]float64) float64 {
			var sum float64
			for _, row := range rows {
				sum += row[0]
			}
			return sum / float64(len(rows))
		}
		first, last := mean(history.Metrics[:4]), mean(history.Metrics[len(history.Metrics)-4:])
		assert.Lessf(t, last, first, "family=%s: loss did not decrease", family)

		evalMetrics, err := trainer.Evaluate(ds)
		require.NoError(t, err)
		assert.Len(t, evalMetrics, len(trainer.MetricNames()))
	}
}

// toyStack returns numImages identical 2×2 images with the reference pose and no CTF. The grid has
// 2 voxels, and the images are the projection of the density 1 at the voxel on the origin (which
// projects to the same pixel for any rotation) and 0 at the other voxel.
func toyStack(t *testing.T, backend backends.Backend, numImages int) *particles.Stack {
	const size = 2
	grid, err := particles.NewGrid(size, [][3]int32{{1, 1, 1}, {0, 1, 1}}, nil)
	require.NoError(t, err)
	meta := particles.NewMetadata(numImages)
	blank, err := particles.NewStack(meta, grid, make([]float32, numImages*size*size), size,
		particles.StackOptions{SamplingRate: 1})
	require.NoError(t, err)
	geo, err := newGeometry(blank)
	require.NoError(t, err)

	projected := context.MustExecOnce(backend, nil, func(ctx *context.Context, values *Node) *Node {
		g := values.Graph()
		zero := Zeros(g, shapes.Make(dtypes.Float32, 1))
		r := projection.EulerMatrix(zero, zero, zero)
		shifts := Zeros(g, shapes.Make(dtypes.Float32, 1, 2))
		return geo.project(ConstTensor(g, geo.coords), values, r, shifts, 1)
	}, []float32{1, 0})
	image := tensors.MustCopyFlatData[float32](projected)
	require.Greater(t, image[3], float32(0))
	images := make([]float32, 0, numImages*len(image))
	for range numImages {
		images = append(images, image...)
	}
	stack, err := particles.NewStack(meta, grid, images, size, particles.StackOptions{SamplingRate: 1})
	require.NoError(t, err)
	return stack
}

// TestTrainingFitsToyVolume trains both families, without regularization, on images that their
// decoders can reproduce exactly: the reconstruction cost must go to ~0.
func TestTrainingFitsToyVolume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, family := range []Family{HetSIREN, ReconSIREN} {
		stack := toyStack(t, backend, 8)
		cfg := testConfig(family)
		cfg.RefinePose = false
		cfg.OnlyPositive = false
		cfg.Weights = Weights{}
		if family == HetSIREN {
			cfg.Weights.Rec = 1
		}
		cfg.EncoderLearningRate = 1e-2
		cfg.DecoderLearningRate = 1e-2
		model, err := New(cfg, stack)
		require.NoError(t, err)
		ctx := context.New()
		ctx.RngStateFromSeed(42)
		trainer := NewTrainer(backend, ctx, model, stack)
		ds, err := particles.NewMemoryDataset(stack, 4, true, 1)
		require.NoError(t, err)

		loop := NewLoop(trainer)
		history := RecordMetrics(loop)
		_, err = loop.RunEpochs(ds, 100)
		require.NoErrorf(t, err, "family=%s", family)
		require.Len(t, history.Metrics, 200)

		// The first metric after the total loss is the reconstruction cost at the native size.
		first := history.Metrics[0][1]
		last := history.Metrics[len(history.Metrics)-1][1]
		assert.Greaterf(t, first, 1e-3, "family=%s", family)
		assert.Lessf(t, last, 1e-3, "family=%s: reconstruction cost went from %g to %g", family, first, last)
	}
}

// TestLossMasksBothImages uses a mask that excludes every pixel: the reconstruction cost is zero
// only if the predicted images are masked as well as the observed ones.
func TestLossMasksBothImages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, family := range []Family{HetSIREN, ReconSIREN} {
		for _, maskValue := range []float32{1, 0} {
			base := testStack(t, 2, false)
			mask := make([]float32, testSize*testSize)
			for ii := range mask {
				mask[ii] = maskValue
			}
			images := tensors.MustCopyFlatData[float32](base.Images([]int32{0, 1}))
			stack, err := particles.NewStack(base.Metadata(), base.Grid(), images, testSize,
				particles.StackOptions{SamplingRate: 2, Mask: mask})
			require.NoError(t, err)
			cfg := testConfig(family)
			cfg.Cost = losses.CostMSE
			model, err := New(cfg, stack)
			require.NoError(t, err)
			trainer := NewTrainer(backend, context.New(), model, stack)
			metrics, err := trainer.EvalStep(stack.Images([]int32{0, 1}), []int32{0, 1})
			require.NoError(t, err)
			if maskValue == 0 {
				assert.InDeltaf(t, 0, metrics[1], 1e-12, "family=%s", family)
				if family == HetSIREN {
					assert.InDelta(t, 0, metrics[2], 1e-12)
				}
			} else {
				assert.Greaterf(t, metrics[1], 0.0, "family=%s", family)
			}
		}
	}
}

func TestLoopHooks(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	stack := testStack(t, 3, false)
	model, err := New(testConfig(HetSIREN), stack)
	require.NoError(t, err)
	ctx := context.New()
	trainer := NewTrainer(backend, ctx, model, stack)
	ds, err := particles.NewMemoryDataset(stack, 2, false, 0)
	require.NoError(t, err)

	loop := NewLoop(trainer)
	var order []string
	var everyTwo []int
	loop.OnStep("second", 10, func(loop *Loop, _ []float64) error {
		if loop.LoopStep == 0 {
			order = append(order, "second")
		}
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, _ []float64) error {
		if loop.LoopStep == 0 {
			order = append(order, "first")
		}
		return nil
	})
	EveryNSteps(loop, 2, "every two", 0, func(loop *Loop, _ []float64) error {
		everyTwo = append(everyTwo, loop.LoopStep)
		return nil
	})

	checkpointDir := t.TempDir()
	handler, err := checkpoints.Build(ctx).Dir(checkpointDir).Keep(2).Done()
	require.NoError(t, err)
	trainer.AttachCheckpoints(loop, handler, time.Hour)

	// 3 images in batches of 2: 2 steps per epoch, the dataset is reset after the first epoch.
	metrics, err := loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.Len(t, metrics, len(trainer.MetricNames()))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []int{1, 3}, everyTwo)
	assert.Equal(t, 5, loop.LoopStep)
	assert.Equal(t, 2, loop.Epoch)
	assert.Len(t, loop.TrainStepDurations, 5)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// The checkpoint is saved at the end, and a new context resumes from its global step.
	has, err := handler.HasCheckpoints()
	require.NoError(t, err)
	assert.True(t, has)
	ctx2 := context.New()
	_, err = checkpoints.Build(ctx2).Dir(checkpointDir).Done()
	require.NoError(t, err)
	trainer2 := NewTrainer(backend, ctx2, model, stack)
	assert.Equal(t, int64(5), trainer2.GlobalStep())
	assert.Equal(t, 5, NewLoop(trainer2).LoopStep)
}
