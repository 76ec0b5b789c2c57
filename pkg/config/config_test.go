// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
	"github.com/gomlx/cryosiren/pkg/encoder"
	"github.com/gomlx/cryosiren/pkg/losses"
	"github.com/gomlx/cryosiren/pkg/volume"
)

func TestDefaults(t *testing.T) {
	het := Default()
	require.NoError(t, het.Validate())
	assert.Equal(t, autoencoder.HetSIREN, het.Model.Family)
	assert.Equal(t, autoencoder.DefaultHetSIRENWeights(), het.Model.Weights)

	recon := DefaultFor(autoencoder.ReconSIREN)
	require.NoError(t, recon.Validate())
	assert.True(t, recon.Model.OnlyPositive)
	assert.Equal(t, autoencoder.DefaultReconSIRENWeights(), recon.Model.Weights)

	model := recon.Autoencoder()
	assert.Equal(t, autoencoder.ReconSIREN, model.Family)
	assert.Equal(t, recon.Train.EncoderLearningRate, model.EncoderLearningRate)
	assert.Equal(t, recon.Model.NumCandidates, model.NumCandidates)

	opts, err := recon.StackOptions()
	require.NoError(t, err)
	assert.Len(t, opts.Symmetry, 1)
	recon.Data.Symmetry = "c4"
	opts, err = recon.StackOptions()
	require.NoError(t, err)
	assert.Len(t, opts.Symmetry, 4)

	recon.Data.Symmetry = "x3"
	require.Error(t, recon.Validate())
	het.Data.BatchSize = 0
	require.Error(t, het.Validate())
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultFor(autoencoder.ReconSIREN)
	cfg.Model.Architecture = encoder.MLPNN
	cfg.Train.CheckpointPeriod = 90 * time.Second
	cfg.Predict.Normalization = volume.NormalizeHistogram
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	// Partial files take the defaults of their family.
	partial := []byte("model:\n  family: reconsiren\n  cost: corr\ntrain:\n  checkpoint_period: 5m\n")
	loaded, err = Parse(partial)
	require.NoError(t, err)
	assert.Equal(t, losses.CostCorrelation, loaded.Model.Cost)
	assert.Equal(t, 5*time.Minute, loaded.Train.CheckpointPeriod)
	assert.Equal(t, autoencoder.DefaultReconSIRENWeights(), loaded.Model.Weights)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), empty)

	_, err = Parse([]byte("model:\n  unknown_key: 1\n"))
	require.Error(t, err)
	_, err = Parse([]byte("model:\n  family: transformer\n"))
	require.Error(t, err)
	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestApplySettings(t *testing.T) {
	cfg := Default()
	keys, err := ApplySettings(cfg, "model.het_dim=8;train.epochs=1_000;train.checkpoint_period=30s;"+
		"model.weights.l1=0.25;predict.normalization=moments;data.shuffle=false;data.dir=/tmp/particles")
	require.NoError(t, err)
	assert.Equal(t, []string{"model.het_dim", "train.epochs", "train.checkpoint_period", "model.weights.l1",
		"predict.normalization", "data.shuffle", "data.dir"}, keys)
	assert.Equal(t, 8, cfg.Model.HetDim)
	assert.Equal(t, 1000, cfg.Train.Epochs)
	assert.Equal(t, 30*time.Second, cfg.Train.CheckpointPeriod)
	assert.Equal(t, 0.25, cfg.Model.Weights.L1)
	assert.Equal(t, volume.NormalizeMoments, cfg.Predict.Normalization)
	assert.False(t, cfg.Data.Shuffle)
	assert.Equal(t, "/tmp/particles", cfg.Data.Dir)
	assert.Contains(t, SprintSettings(cfg, keys), `"model.het_dim": 8`)

	// Changing the family resets the model section.
	_, err = ApplySettings(cfg, "model.family=reconsiren;model.num_candidates=2")
	require.NoError(t, err)
	assert.Equal(t, autoencoder.ReconSIREN, cfg.Model.Family)
	assert.Equal(t, autoencoder.DefaultReconSIRENWeights(), cfg.Model.Weights)
	assert.Equal(t, 2, cfg.Model.NumCandidates)

	for _, bad := range []string{"model.het_dim", "model.unknown=1", "model=1", "model.weights=1",
		"model.het_dim=abc", "model.cost=l2", "train.checkpoint_period=10"} {
		_, err = ApplySettings(cfg, bad)
		require.Errorf(t, err, "setting %q", bad)
	}

	settingsFile := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsFile, []byte("# comment\ntrain.encoder_lr=0.01\n\npredict.num_volumes=3;predict.filter=true\n"), 0o644))
	keys, err = ApplySettings(cfg, "file:"+settingsFile)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Equal(t, 0.01, cfg.Train.EncoderLearningRate)
	assert.Equal(t, 3, cfg.Predict.NumVolumes)
	assert.True(t, cfg.Predict.Filter)

	allKeys, values := Keys(cfg)
	require.Len(t, values, len(allKeys))
	assert.Contains(t, allKeys, "model.weights.multires")
	assert.Contains(t, allKeys, "predict.add_to_original")
	assert.Contains(t, SettingsUsage(autoencoder.HetSIREN), `"model.family": default value is hetsiren`)
}
