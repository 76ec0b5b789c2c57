// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/particles"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds train.Dataset) error

// OnStepFn is the type of OnStep hooks. metrics[0] is the batch loss, followed by the model metrics,
// see Trainer.MetricNames.
type OnStepFn func(loop *Loop, metrics []float64) error

// OnEndFn is the type of OnEnd hooks. metrics are those of the last step.
type OnEndFn func(loop *Loop, metrics []float64) error

// Loop runs the training steps of a Trainer over a dataset of particles, calling the
// registered hooks: progress bars, periodic checkpoints, loss plots, etc.
//
// The dataset must yield the inputs of a particles.MemoryDataset: images and particle indices.
//
// The public attributes are meant for reading only.
type Loop struct {
	Trainer *Trainer

	// LoopStep currently being executed. It starts at the global step of the trainer, so it
	// resumes where a loaded checkpoint left off.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed, or -1 while it is not known. With RunEpochs
	// it is extrapolated after the first epoch.
	EndStep int

	// Epoch being run by RunEpochs, starting from 0.
	Epoch int

	// SharedData allows hooks to publish and consume information.
	SharedData map[string]any

	// TrainStepDurations collected during the run.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		LoopStep:   int(trainer.GlobalStep()),
	}
}

func (loop *Loop) start(ds train.Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step runs one training step on the inputs yielded by the dataset, and calls the OnStep hooks.
func (loop *Loop) step(inputs []*tensors.Tensor) ([]float64, error) {
	startTime := time.Now()
	images, indices, err := particles.SplitInputs(inputs)
	if err != nil {
		return nil, err
	}
	metrics, err := loop.Trainer.TrainStep(images, indices)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	if err = loop.postStep(metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// postStep calls the OnStep hooks, and checks for a NaN or infinite loss.
func (loop *Loop) postStep(metrics []float64) error {
	for hook := range loop.onStep.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "Loop.OnStep(hook %q)", hook.name)
		}
	}
	batchLoss := metrics[0]
	if math.IsNaN(batchLoss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return nil
}

func (loop *Loop) end(metrics []float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current LoopStep,
// so it can be called multiple times, and it picks up where it left off.
//
// If the dataset reaches its end, it is reset and the steps continue on the next epoch.
// It returns the metrics of the last step.
func (loop *Loop) RunSteps(ds train.Dataset, steps int) (metrics []float64, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			ds.Reset()
			loop.Epoch++
			_, inputs, _, err = ds.Yield()
			if err == io.EOF {
				return nil, errors.Errorf("Loop.RunSteps(%d): dataset %q is empty", steps, ds.Name())
			}
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from dataset", steps)
		}
		metrics, err = loop.step(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)", steps, loop.LoopStep)
		}
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return metrics, nil
}

// RunEpochs runs the dataset epochs times. EndStep starts as -1 and is extrapolated after the first
// epoch, when the number of steps per epoch is known. Dataset.Reset is called after each epoch
// (including the last).
//
// It returns the metrics of the last step.
func (loop *Loop) RunEpochs(ds train.Dataset, epochs int) (metrics []float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return nil, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		var epochLoss float64
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
				break
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			metrics, err = loop.step(inputs)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep(LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			epochLoss += metrics[0]
			loop.LoopStep++
		}
		ds.Reset()
		if yieldsPerEpoch == 0 {
			return nil, errors.Errorf("Loop.RunEpochs(%d): dataset %q is empty", epochs, ds.Name())
		}
		klog.Infof("epoch %d/%d: mean loss %.6g over %d steps", loop.Epoch+1, epochs,
			epochLoss/float64(yieldsPerEpoch), yieldsPerEpoch)
	}
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return metrics, nil
}

// MedianTrainStepDuration returns the median duration of the training steps. It returns 1 millisecond
// if no training step was recorded.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each
// training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) called after the last
// training step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
