// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
	"github.com/gomlx/cryosiren/pkg/config"
	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/ui/plots"
	"github.com/gomlx/cryosiren/ui/progress"
)

// session holds what both training and prediction need: the particles, and a trainer with
// the model variables attached to the checkpoint directory.
type session struct {
	cfg     *config.Config
	stack   *particles.Stack
	ctx     *context.Context
	handler *checkpoints.Handler
	trainer *autoencoder.Trainer
}

// newSession loads the particles and creates the model. Variables are restored from the checkpoint
// directory, if it has any checkpoint.
func newSession(cfg *config.Config) (*session, error) {
	stackOpts, err := cfg.StackOptions()
	if err != nil {
		return nil, err
	}
	stack, err := particles.LoadDirectory(cfg.Data.Dir, stackOpts)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, stack: stack, ctx: context.New()}
	cfg.SetParams(s.ctx)
	s.handler, err = checkpoints.Build(s.ctx).Dir(cfg.Train.CheckpointDir).Keep(cfg.Train.Keep).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoints in %q", cfg.Train.CheckpointDir)
	}
	model, err := autoencoder.New(cfg.Autoencoder(), stack)
	if err != nil {
		return nil, err
	}
	backend := backends.New()
	klog.V(1).Infof("backend: %s", backend.Description())
	s.trainer = autoencoder.NewTrainer(backend, s.ctx, model, stack)
	return s, nil
}

// dataset over the particles. Prediction datasets are never shuffled.
func (s *session) dataset(shuffle bool) *particles.MemoryDataset {
	return must.M1(particles.NewMemoryDataset(s.stack, s.cfg.Data.BatchSize, shuffle, s.cfg.Data.Seed))
}

// train a model, resuming from the last checkpoint if there is one.
func train(cfg *config.Config, _ *options) error {
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	if err = cfg.Save(filepath.Join(s.handler.Dir(), ConfigFileName)); err != nil {
		return err
	}

	loop := autoencoder.NewLoop(s.trainer)
	if loop.LoopStep > 0 {
		klog.Infof("resuming training from global step %s", humanize.Comma(int64(loop.LoopStep)))
	}
	progress.Attach(loop, func() (string, string) {
		return "Particles", humanize.Comma(int64(s.stack.NumImages()))
	})
	if err = plots.AttachPointsWriter(loop, s.handler.Dir(), 1); err != nil {
		return err
	}
	s.trainer.AttachCheckpoints(loop, s.handler, cfg.Train.CheckpointPeriod)

	start := time.Now()
	metrics, err := loop.RunEpochs(s.dataset(cfg.Data.Shuffle), cfg.Train.Epochs)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	rows := [][2]string{
		{"Model", cfg.Model.Family.String()},
		{"Checkpoint", s.handler.Dir()},
		{"Particles", humanize.Comma(int64(s.stack.NumImages()))},
		{"Epochs", humanize.Comma(int64(cfg.Train.Epochs))},
		{"Global step", humanize.Comma(s.trainer.GlobalStep())},
		{"Training time", progress.FormatDuration(elapsed)},
		{"Median train step duration", progress.FormatDuration(loop.MedianTrainStepDuration())},
	}
	for ii, name := range s.trainer.MetricNames() {
		if ii < len(metrics) {
			rows = append(rows, [2]string{name, progress.FormatMetric(metrics[ii])})
		}
	}
	fmt.Println(progress.Table(rows))

	if cfg.Train.PlotFile != "" && cfg.Train.Epochs > 0 {
		points, err := plots.LoadPointsFromCheckpoint(s.handler.Dir())
		if err != nil {
			return err
		}
		plotPath := filepath.Join(s.handler.Dir(), cfg.Train.PlotFile)
		title := fmt.Sprintf("%s training", cfg.Model.Family)
		if err = plots.SavePNG(points, title, plotPath); err != nil {
			return err
		}
		klog.Infof("loss curves plotted in %q", plotPath)
	}
	return nil
}
