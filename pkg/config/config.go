// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the cryosiren training and prediction runs.
//
// A Config is stored as YAML, and individual values can be overridden with settings of the
// form "section.key=value;...", see ApplySettings.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
	"github.com/gomlx/cryosiren/pkg/encoder"
	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/losses"
	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/pkg/symmetry"
	"github.com/gomlx/cryosiren/pkg/volume"
)

// Data configures the particles and how they are batched.
type Data struct {
	// Dir is the particles directory, see particles.LoadDirectory.
	Dir string `yaml:"dir"`

	BatchSize int    `yaml:"batch_size"`
	Shuffle   bool   `yaml:"shuffle"`
	Seed      uint64 `yaml:"seed"`

	PadFactor int `yaml:"pad_factor"`

	// SamplingRate in Å/pixel. 0 takes it from the particles stack header.
	SamplingRate float64 `yaml:"sampling_rate"`

	// ApplyCTF if the images are corrupted by the CTF of the metadata.
	ApplyCTF bool `yaml:"apply_ctf"`

	// Symmetry group of the particle, e.g. "c1", "c4" or "d2".
	Symmetry string `yaml:"symmetry"`
}

// Model configures the auto-encoder, see autoencoder.Config.
type Model struct {
	Family       autoencoder.Family     `yaml:"family"`
	Architecture encoder.Architecture   `yaml:"architecture"`
	CTFMode      imageformation.CTFMode `yaml:"ctf_mode"`
	Cost         losses.Cost            `yaml:"cost"`

	HetDim        int  `yaml:"het_dim"`
	NumCandidates int  `yaml:"num_candidates"`
	RefinePose    bool `yaml:"refine_pose"`
	OnlyPositive  bool `yaml:"only_pos"`
	OnlyPose      bool `yaml:"only_pose"`

	TrainSize         int     `yaml:"train_size"`
	MultiResLevels    int     `yaml:"multires_levels"`
	ConnectedFraction float64 `yaml:"connected_fraction"`

	Weights autoencoder.Weights `yaml:"weights"`
}

// Train configures the optimization and the checkpoints.
type Train struct {
	Epochs int `yaml:"epochs"`

	EncoderLearningRate float64 `yaml:"encoder_lr"`
	DecoderLearningRate float64 `yaml:"decoder_lr"`
	AdamEpsilon         float64 `yaml:"adam_epsilon"`

	// CheckpointDir is where the model is saved, and restored from if it has checkpoints.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// Keep is the number of checkpoints kept. Negative keeps all of them.
	Keep int `yaml:"keep"`

	// CheckpointPeriod between checkpoints. A final checkpoint is always saved.
	CheckpointPeriod time.Duration `yaml:"checkpoint_period"`

	// PlotFile is a PNG with the loss curve, written in CheckpointDir at the end. Empty disables it.
	PlotFile string `yaml:"plot_file"`
}

// Predict configures the prediction runs.
type Predict struct {
	// OutputDir of the metadata and maps. Defaults to the checkpoint directory.
	OutputDir string `yaml:"output_dir"`

	// NumVolumes is the number of k-means classes decoded by HetSIREN.
	NumVolumes int `yaml:"num_volumes"`

	Filter       bool `yaml:"filter"`
	ApplyCTF     bool `yaml:"apply_ctf"`
	OnlyPositive bool `yaml:"only_pos"`
	Deconvolve   int  `yaml:"deconvolve"`

	// AddToOriginal adds the original map of the particles directory to the decoded ones.
	AddToOriginal bool                 `yaml:"add_to_original"`
	Normalization volume.Normalization `yaml:"normalization"`

	// Float16 writes half precision maps.
	Float16 bool `yaml:"float16"`

	// Parallelism of the volumes post-processing. 0 uses the number of CPUs.
	Parallelism int `yaml:"parallelism"`
}

// Config of a run.
type Config struct {
	Data    Data    `yaml:"data"`
	Model   Model   `yaml:"model"`
	Train   Train   `yaml:"train"`
	Predict Predict `yaml:"predict"`
}

// Default returns the default HetSIREN configuration.
func Default() *Config {
	return DefaultFor(autoencoder.HetSIREN)
}

// DefaultFor returns the default configuration of the family.
func DefaultFor(family autoencoder.Family) *Config {
	model := autoencoder.NewConfig(family)
	return &Config{
		Data: Data{
			BatchSize: 8,
			Shuffle:   true,
			Seed:      42,
			PadFactor: 2,
			ApplyCTF:  true,
			Symmetry:  "c1",
		},
		Model: Model{
			Family:            family,
			Architecture:      model.Architecture,
			CTFMode:           model.CTFMode,
			Cost:              model.Cost,
			HetDim:            model.LatentDim,
			NumCandidates:     model.NumCandidates,
			RefinePose:        model.RefinePose,
			OnlyPositive:      model.OnlyPositive,
			OnlyPose:          model.OnlyPose,
			TrainSize:         model.TrainSize,
			MultiResLevels:    model.MultiResLevels,
			ConnectedFraction: model.ConnectedFraction,
			Weights:           model.Weights,
		},
		Train: Train{
			Epochs:              20,
			EncoderLearningRate: model.EncoderLearningRate,
			DecoderLearningRate: model.DecoderLearningRate,
			AdamEpsilon:         1e-7,
			Keep:                3,
			CheckpointPeriod:    time.Minute,
			PlotFile:            "loss.png",
		},
		Predict: Predict{
			NumVolumes:   20,
			ApplyCTF:     true,
			OnlyPositive: family == autoencoder.ReconSIREN,
		},
	}
}

// Load reads a YAML configuration. Values not in the file take the defaults of the family given
// in model.family (HetSIREN if absent). Unknown keys are an error.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", path)
	}
	cfg, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// Parse a YAML configuration, see Load.
func Parse(contents []byte) (*Config, error) {
	var probe struct {
		Model struct {
			Family autoencoder.Family `yaml:"family"`
		} `yaml:"model"`
	}
	if err := yaml.Unmarshal(contents, &probe); err != nil {
		return nil, errors.Wrap(err, "parsing family")
	}
	cfg := DefaultFor(probe.Model.Family)
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	return cfg, nil
}

// Marshal the configuration to YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "encoding configuration")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding configuration")
	}
	return buf.Bytes(), nil
}

// Save the configuration as YAML to path.
func (c *Config) Save(path string) error {
	contents, err := c.Marshal()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "saving configuration to %q", path)
}

// Validate the values that don't depend on the particles.
func (c *Config) Validate() error {
	if c.Data.BatchSize <= 0 {
		return errors.Errorf("data.batch_size must be > 0, got %d", c.Data.BatchSize)
	}
	if c.Data.PadFactor < 1 {
		return errors.Errorf("data.pad_factor must be >= 1, got %d", c.Data.PadFactor)
	}
	if c.Data.SamplingRate < 0 {
		return errors.Errorf("data.sampling_rate must be >= 0, got %g", c.Data.SamplingRate)
	}
	if _, err := symmetry.Parse(c.Data.Symmetry); err != nil {
		return errors.WithMessage(err, "data.symmetry")
	}
	if c.Model.ConnectedFraction < 0 || c.Model.ConnectedFraction > 1 {
		return errors.Errorf("model.connected_fraction must be in [0, 1], got %g", c.Model.ConnectedFraction)
	}
	if c.Train.Epochs < 0 {
		return errors.Errorf("train.epochs must be >= 0, got %d", c.Train.Epochs)
	}
	if c.Train.AdamEpsilon <= 0 {
		return errors.Errorf("train.adam_epsilon must be > 0, got %g", c.Train.AdamEpsilon)
	}
	if c.Train.CheckpointPeriod < 0 {
		return errors.Errorf("train.checkpoint_period must be >= 0, got %s", c.Train.CheckpointPeriod)
	}
	if c.Predict.NumVolumes <= 0 {
		return errors.Errorf("predict.num_volumes must be > 0, got %d", c.Predict.NumVolumes)
	}
	if c.Predict.Deconvolve < 0 {
		return errors.Errorf("predict.deconvolve must be >= 0, got %d", c.Predict.Deconvolve)
	}
	// The image size is only known once the particles are loaded, the rest of the model
	// configuration is checked against the largest possible one.
	return c.Autoencoder().Validate(max(c.Model.TrainSize, 1))
}

// Autoencoder returns the model configuration.
func (c *Config) Autoencoder() *autoencoder.Config {
	cfg := autoencoder.NewConfig(c.Model.Family)
	cfg.Architecture = c.Model.Architecture
	cfg.CTFMode = c.Model.CTFMode
	cfg.Cost = c.Model.Cost
	cfg.LatentDim = c.Model.HetDim
	cfg.NumCandidates = c.Model.NumCandidates
	cfg.RefinePose = c.Model.RefinePose
	cfg.OnlyPositive = c.Model.OnlyPositive
	cfg.OnlyPose = c.Model.OnlyPose
	cfg.TrainSize = c.Model.TrainSize
	cfg.MultiResLevels = c.Model.MultiResLevels
	cfg.ConnectedFraction = c.Model.ConnectedFraction
	cfg.Weights = c.Model.Weights
	cfg.EncoderLearningRate = c.Train.EncoderLearningRate
	cfg.DecoderLearningRate = c.Train.DecoderLearningRate
	return cfg
}

// StackOptions returns the options to load the particles.
func (c *Config) StackOptions() (particles.StackOptions, error) {
	matrices, err := symmetry.Matrices(c.Data.Symmetry)
	if err != nil {
		return particles.StackOptions{}, err
	}
	return particles.StackOptions{
		SamplingRate: c.Data.SamplingRate,
		PadFactor:    c.Data.PadFactor,
		ApplyCTF:     c.Data.ApplyCTF,
		Symmetry:     matrices,
	}, nil
}

// VolumeOptions returns the post-processing options of the decoded volumes.
func (c *Config) VolumeOptions() volume.Options {
	return volume.Options{
		Filter:               c.Predict.Filter,
		OnlyPositive:         c.Predict.OnlyPositive,
		DeconvolveIterations: c.Predict.Deconvolve,
		Parallelism:          c.Predict.Parallelism,
	}
}

// SetParams sets the hyperparameters read by the GoMLX components from the context.
func (c *Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		optimizers.ParamAdamEpsilon: c.Train.AdamEpsilon,
	})
}

// OutputDir of the predictions.
func (c *Config) OutputDir() string {
	if c.Predict.OutputDir != "" {
		return c.Predict.OutputDir
	}
	return c.Train.CheckpointDir
}
