// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
	"github.com/gomlx/cryosiren/pkg/config"
	"github.com/gomlx/cryosiren/pkg/mrc"
	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/ui/plots"
)

const (
	testSize     = 12
	testSettings = "data.apply_ctf=false;model.architecture=mlpnn;model.het_dim=2;train.epochs=1;" +
		"data.batch_size=4;predict.num_volumes=2;train.plot_file="
)

// writeParticles writes a stack of n Gaussian blobs, slightly shifted, with the reference pose.
func writeParticles(t *testing.T, n int) string {
	dir := t.TempDir()
	images := make([]float32, 0, n*testSize*testSize)
	for ii := range n {
		center := float64(testSize)/2 + float64(ii%3) - 1
		for y := range testSize {
			for x := range testSize {
				dx, dy := float64(x)-center, float64(y)-center
				images = append(images, float32(math.Exp(-(dx*dx+dy*dy)/8)))
			}
		}
	}
	stack := &mrc.Volume{NX: testSize, NY: testSize, NZ: n, Mode: mrc.ModeFloat32, VoxelSize: 2, Data: images}
	require.NoError(t, mrc.WriteFile(filepath.Join(dir, particles.StackFile), stack))

	lines := []string{"rot,tilt,psi"}
	for range n {
		lines = append(lines, "0,0,0")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, particles.MetadataFile), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return dir
}

func run(t *testing.T, name string, args ...string) error {
	for _, cmd := range commands {
		if cmd.name == name {
			return runCommand(cmd, args)
		}
	}
	t.Fatalf("unknown command %q", name)
	return nil
}

func TestHetSIREN(t *testing.T) {
	dataDir := writeParticles(t, 8)
	checkpointDir := filepath.Join(t.TempDir(), "het")
	outputDir := filepath.Join(t.TempDir(), "output")

	// Nothing to predict before training.
	err := run(t, "predict-het", "-data="+dataDir, "-checkpoint="+checkpointDir, "-set="+testSettings)
	require.Error(t, err)

	require.NoError(t, run(t, "train-het", "-data="+dataDir, "-checkpoint="+checkpointDir, "-set="+testSettings))
	cfg, err := config.Load(filepath.Join(checkpointDir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, autoencoder.HetSIREN, cfg.Model.Family)
	assert.Equal(t, 2, cfg.Model.HetDim)
	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	require.NoError(t, err)
	assert.NotEmpty(t, points)

	// The configuration saved by the training is used: only the output directory is given.
	require.NoError(t, run(t, "predict-het", "-data="+dataDir, "-checkpoint="+checkpointDir,
		"-output="+outputDir, "-previews=2"))
	f, err := os.Open(filepath.Join(outputDir, PredictedMetadataFile))
	require.NoError(t, err)
	meta, err := particles.ReadMetadata(f)
	_ = f.Close()
	require.NoError(t, err)
	assert.Equal(t, 8, meta.Len())
	contents, err := os.ReadFile(filepath.Join(outputDir, PredictedMetadataFile))
	require.NoError(t, err)
	header, _, _ := strings.Cut(string(contents), "\n")
	assert.Contains(t, header, particles.ColLatentSpace)
	assert.Contains(t, header, particles.ColClass)

	for class := 1; class <= 2; class++ {
		vol, err := mrc.ReadFile(filepath.Join(outputDir, fmt.Sprintf(ClassMapPattern, class)))
		require.NoError(t, err)
		assert.Equal(t, testSize, vol.NX)
		assert.Equal(t, testSize, vol.NZ)
		assert.InDelta(t, 2.0, vol.VoxelSize, 1e-6)
	}
	previews, err := filepath.Glob(filepath.Join(outputDir, "preview_*.png"))
	require.NoError(t, err)
	assert.Len(t, previews, 2)

	// A HetSIREN checkpoint can't be used by the ReconSIREN commands.
	err = run(t, "predict-recon", "-data="+dataDir, "-checkpoint="+checkpointDir)
	require.Error(t, err)

	require.NoError(t, runInfo([]string{"-checkpoint=" + checkpointDir, "-vars"}))
	require.Error(t, runInfo(nil))
}

func TestReconSIREN(t *testing.T) {
	dataDir := writeParticles(t, 8)
	checkpointDir := filepath.Join(t.TempDir(), "recon")
	settings := "data.apply_ctf=false;model.architecture=mlpnn;model.num_candidates=2;train.epochs=1;" +
		"data.batch_size=4;train.plot_file="
	require.NoError(t, run(t, "train-recon", "-data="+dataDir, "-checkpoint="+checkpointDir, "-set="+settings))
	require.NoError(t, run(t, "predict-recon", "-data="+dataDir, "-checkpoint="+checkpointDir))

	vol, err := mrc.ReadFile(filepath.Join(checkpointDir, ConsensusMapFile))
	require.NoError(t, err)
	assert.Equal(t, testSize*testSize*testSize, len(vol.Data))
	f, err := os.Open(filepath.Join(checkpointDir, PredictedMetadataFile))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	meta, err := particles.ReadMetadata(f)
	require.NoError(t, err)
	assert.Equal(t, 8, meta.Len())
}

func TestLoadConfig(t *testing.T) {
	dataDir := writeParticles(t, 2)
	opts := &options{dataDir: dataDir}
	_, err := loadConfig(autoencoder.HetSIREN, opts)
	require.ErrorContains(t, err, "checkpoint")

	opts = &options{checkpointDir: t.TempDir()}
	_, err = loadConfig(autoencoder.HetSIREN, opts)
	require.ErrorContains(t, err, "particles directory")

	opts = &options{dataDir: dataDir, checkpointDir: t.TempDir(), settings: "model.family=reconsiren"}
	_, err = loadConfig(autoencoder.HetSIREN, opts)
	require.Error(t, err)

	opts = &options{dataDir: dataDir, checkpointDir: t.TempDir(), settings: "data.batch_size=0"}
	_, err = loadConfig(autoencoder.HetSIREN, opts)
	require.Error(t, err)

	checkpointDir := t.TempDir()
	opts = &options{dataDir: dataDir, checkpointDir: checkpointDir, settings: "train.epochs=7"}
	cfg, err := loadConfig(autoencoder.ReconSIREN, opts)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Train.Epochs)
	assert.Equal(t, dataDir, cfg.Data.Dir)
	assert.Equal(t, checkpointDir, cfg.OutputDir())
	assert.True(t, cfg.Model.OnlyPositive)
}
