// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"io"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/optimize"
	"github.com/gomlx/cryosiren/pkg/particles"
)

type predictKey struct {
	mode     PredictMode
	applyCTF bool
}

// Trainer owns the context, the backend and the compiled graphs of a model: the train, eval and
// predict steps, and the evaluation of densities.
//
// The encoder and decoder variables are updated by separate GroupAdam optimizers. The decoder
// is not updated when the model says so (ReconSIREN in the OnlyPose mode).
//
// A Trainer is not safe for concurrent use.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	model   Model
	src     particles.Source

	encoderOpt, decoderOpt *optimize.GroupAdam

	trainExec, evalExec *context.Exec
	predictExecs        map[predictKey]*context.Exec
	densitiesExec       *context.Exec
}

// NewTrainer creates a trainer for the model over the particles of src.
//
// ctx holds (or will hold) the model variables. If variables should be loaded from a checkpoint,
// the checkpoints handler must be attached to ctx before the first step is run.
func NewTrainer(backend backends.Backend, ctx *context.Context, model Model, src particles.Source) *Trainer {
	cfg := model.Config()
	t := &Trainer{
		backend: backend,
		ctx:     ctx,
		model:   model,
		src:     src,
		encoderOpt: optimize.NewGroupAdam(context.ScopeSeparator + EncoderScope).
			LearningRate(cfg.EncoderLearningRate).FromContext(ctx),
		decoderOpt: optimize.NewGroupAdam(context.ScopeSeparator + DecoderScope).
			LearningRate(cfg.DecoderLearningRate).FromContext(ctx),
		predictExecs: make(map[predictKey]*context.Exec),
	}
	return t
}

// Context returns the context with the model variables.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Model returns the trained model.
func (t *Trainer) Model() Model { return t.model }

// Source returns the particles the model is trained on.
func (t *Trainer) Source() particles.Source { return t.src }

// MetricNames returns the names of the metrics returned by TrainStep and EvalStep: the total loss
// followed by the model metrics.
func (t *Trainer) MetricNames() []string {
	return append([]string{"loss"}, t.model.MetricNames()...)
}

// GlobalStep returns the number of training steps applied to the variables so far, including
// those of a loaded checkpoint.
func (t *Trainer) GlobalStep() int64 {
	var step int64
	err := exceptions.TryCatch[error](func() {
		step = optimizers.GetGlobalStep(t.ctx.InAbsPath(context.ScopeSeparator))
	})
	if err != nil {
		klog.Warningf("failed to read the global step: %+v", err)
		return 0
	}
	return step
}

func (t *Trainer) newBatch(inputs []*Node) *Batch {
	return NewBatch(inputs[0], slices.Clone(inputs[1:]), t.src.Metadata().Voltage)
}

// trainGraph builds the loss, the gradients and the updates of both optimizers.
func (t *Trainer) trainGraph(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	loss, metrics := t.model.Loss(ctx, t.newBatch(inputs))

	encoderVars := t.encoderOpt.Variables(ctx, g)
	var decoderVars []*context.Variable
	if t.model.DecoderTrainable() {
		decoderVars = t.decoderOpt.Variables(ctx, g)
	}
	vars := append(slices.Clone(encoderVars), decoderVars...)
	if len(vars) == 0 {
		exceptions.Panicf("no trainable variables found under %q or %q", t.encoderOpt.Group(), t.decoderOpt.Group())
	}
	values := make([]*Node, len(vars))
	for ii, v := range vars {
		values[ii] = v.ValueGraph(g)
	}
	grads := Gradient(loss, values...)
	t.encoderOpt.UpdateGraphWithGradients(ctx, encoderVars, grads[:len(encoderVars)], loss.DType())
	t.decoderOpt.UpdateGraphWithGradients(ctx, decoderVars, grads[len(encoderVars):], loss.DType())
	optimizers.IncrementGlobalStepGraph(ctx.InAbsPath(context.ScopeSeparator), g, dtypes.Int64)
	return append([]*Node{loss}, metrics...)
}

func (t *Trainer) evalGraph(ctx *context.Context, inputs []*Node) []*Node {
	loss, metrics := t.model.Loss(ctx, t.newBatch(inputs))
	return append([]*Node{loss}, metrics...)
}

// run executes exec on the images and the per-particle arrays of indices.
func (t *Trainer) run(exec *context.Exec, images *tensors.Tensor, indices []int32) ([]*tensors.Tensor, error) {
	inputs, _, err := stepInputs(t.src, images, indices)
	if err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs, err = exec.Exec(inputs...)
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// scalars converts the scalar tensors to float64.
func scalars(outputs []*tensors.Tensor) []float64 {
	values := make([]float64, len(outputs))
	for ii, output := range outputs {
		switch v := output.Value().(type) {
		case float32:
			values[ii] = float64(v)
		case float64:
			values[ii] = v
		default:
			values[ii] = math.NaN()
		}
	}
	return values
}

// TrainStep runs one training step on images [batchSize, size, size] of the particles indices.
// It returns the metrics, see MetricNames.
func (t *Trainer) TrainStep(images *tensors.Tensor, indices []int32) ([]float64, error) {
	if t.trainExec == nil {
		exec, err := context.NewExecAny(t.backend, t.ctx, t.trainGraph)
		if err != nil {
			return nil, errors.WithMessage(err, "creating the train step")
		}
		t.trainExec = exec
	}
	outputs, err := t.run(t.trainExec, images, indices)
	if err != nil {
		return nil, errors.WithMessage(err, "train step")
	}
	return scalars(outputs), nil
}

// EvalStep computes the metrics of the batch without updating the variables.
func (t *Trainer) EvalStep(images *tensors.Tensor, indices []int32) ([]float64, error) {
	if t.evalExec == nil {
		exec, err := context.NewExecAny(t.backend, t.ctx, t.evalGraph)
		if err != nil {
			return nil, errors.WithMessage(err, "creating the eval step")
		}
		t.evalExec = exec
	}
	outputs, err := t.run(t.evalExec, images, indices)
	if err != nil {
		return nil, errors.WithMessage(err, "eval step")
	}
	return scalars(outputs), nil
}

// Evaluate returns the metrics averaged over one epoch of ds, weighted by the batch sizes. The
// dataset is reset at the end.
func (t *Trainer) Evaluate(ds train.Dataset) ([]float64, error) {
	defer ds.Reset()
	var sums []float64
	var count int
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading from dataset %q", ds.Name())
		}
		images, indices, err := particles.SplitInputs(inputs)
		if err != nil {
			return nil, err
		}
		metrics, err := t.EvalStep(images, indices)
		if err != nil {
			return nil, err
		}
		if sums == nil {
			sums = make([]float64, len(metrics))
		}
		for ii, m := range metrics {
			sums[ii] += m * float64(len(indices))
		}
		count += len(indices)
	}
	if count == 0 {
		return nil, errors.Errorf("dataset %q is empty", ds.Name())
	}
	for ii := range sums {
		sums[ii] /= float64(count)
	}
	return sums, nil
}

// Predict runs the prediction graph of the model on a batch. See Model.Predict for the outputs.
func (t *Trainer) Predict(images *tensors.Tensor, indices []int32, mode PredictMode, applyCTF bool) ([]*tensors.Tensor, error) {
	if mode != PredictHet && mode != PredictParticles {
		return nil, errors.Errorf("invalid predict mode %s", mode)
	}
	key := predictKey{mode: mode, applyCTF: applyCTF}
	exec, found := t.predictExecs[key]
	if !found {
		var err error
		exec, err = context.NewExecAny(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			return t.model.Predict(ctx, t.newBatch(inputs), mode, applyCTF)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "creating the predict(%s) step", mode)
		}
		t.predictExecs[key] = exec
	}
	outputs, err := t.run(exec, images, indices)
	if err != nil {
		return nil, errors.WithMessagef(err, "predict(%s) step", mode)
	}
	return outputs, nil
}

// Densities returns the densities (base plus correction) at the voxels of grid, one row per latent
// code for HetSIREN, or a single row for ReconSIREN (latents is then ignored).
//
// The grid must have the number of voxels of the trained grid.
func (t *Trainer) Densities(grid *particles.Grid, latents [][]float32) ([][]float32, error) {
	if grid.TotalVoxels() != t.src.Grid().TotalVoxels() {
		return nil, errors.Errorf("grid with %d voxels, the model was trained with %d",
			grid.TotalVoxels(), t.src.Grid().TotalVoxels())
	}
	args := []any{grid.CoordsTensor(), grid.ValuesTensor()}
	if t.model.Config().Family == HetSIREN {
		if len(latents) == 0 {
			return nil, errors.New("HetSIREN densities require at least one latent code")
		}
		latentDim := t.model.Config().LatentDim
		flat := make([]float32, 0, len(latents)*latentDim)
		for ii, latent := range latents {
			if len(latent) != latentDim {
				return nil, errors.Errorf("latent code #%d has dimension %d, expected %d", ii, len(latent), latentDim)
			}
			flat = append(flat, latent...)
		}
		args = append(args, tensors.FromFlatDataAndDimensions(flat, len(latents), latentDim))
	}
	if t.densitiesExec == nil {
		exec, err := context.NewExecAny(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) *Node {
			var latent *Node
			if len(inputs) > 2 {
				latent = inputs[2]
			}
			return t.model.Densities(ctx, inputs[0], inputs[1], latent)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "creating the densities graph")
		}
		t.densitiesExec = exec
	}
	var outputs []*tensors.Tensor
	var err error
	err = exceptions.TryCatch[error](func() {
		outputs, err = t.densitiesExec.Exec(args...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating densities")
	}
	dims := outputs[0].Shape().Dimensions
	flat := tensors.MustCopyFlatData[float32](outputs[0])
	rows := make([][]float32, dims[0])
	for ii := range rows {
		rows[ii] = flat[ii*dims[1] : (ii+1)*dims[1]]
	}
	return rows, nil
}

// AttachCheckpoints saves a checkpoint with handler every period of time during the loop, and at
// its end.
func (t *Trainer) AttachCheckpoints(loop *Loop, handler *checkpoints.Handler, period time.Duration) {
	PeriodicCallback(loop, period, true, "checkpoint", 100, func(loop *Loop, _ []float64) error {
		if err := handler.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint at step %d", loop.LoopStep)
		}
		klog.V(1).Infof("checkpoint saved at step %d (%s)", loop.LoopStep, handler.Dir())
		return nil
	})
}
