// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cryosiren trains HetSIREN and ReconSIREN auto-encoders on cryo-EM particles, and predicts
// with them: latent spaces, refined poses and decoded maps.
//
// Usage:
//
//	cryosiren <command> [flags]
//
// Commands:
//
//	train-het      trains a HetSIREN model (heterogeneity, refined poses).
//	train-recon    trains a ReconSIREN model (ab-initio poses and consensus map).
//	predict-het    writes the latent codes, k-means classes and their decoded maps.
//	predict-recon  writes the predicted poses and the consensus map.
//	info           reports on a checkpoint directory.
//
// The configuration is read from -config (YAML), or from the config.yaml saved in the checkpoint
// directory by the training, and individual values are overridden with -set, e.g.:
//
//	cryosiren train-het -data=~/particles -checkpoint=~/work/het -set="model.het_dim=8;train.epochs=50"
//
// The backend is selected with the GOMLX_BACKEND environment variable.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
	"github.com/gomlx/cryosiren/pkg/config"

	_ "github.com/gomlx/gomlx/backends/default"
)

// ConfigFileName is the configuration saved in the checkpoint directory.
const ConfigFileName = "config.yaml"

// options of a command, set by the flags.
type options struct {
	configPath    string
	settings      string
	dataDir       string
	checkpointDir string
	outputDir     string
	previews      int
}

type command struct {
	name    string
	family  autoencoder.Family
	summary string
	run     func(cfg *config.Config, opts *options) error
}

var commands = []command{
	{"train-het", autoencoder.HetSIREN, "trains a HetSIREN model", train},
	{"train-recon", autoencoder.ReconSIREN, "trains a ReconSIREN model", train},
	{"predict-het", autoencoder.HetSIREN, "predicts latent codes, classes and decoded maps", predictHet},
	{"predict-recon", autoencoder.ReconSIREN, "predicts poses and the consensus map", predictRecon},
}

func usage() {
	var parts []string
	parts = append(parts, "Usage: cryosiren <command> [flags]", "", "Commands:")
	for _, cmd := range commands {
		parts = append(parts, fmt.Sprintf("  %-14s %s", cmd.name, cmd.summary))
	}
	parts = append(parts, fmt.Sprintf("  %-14s %s", "info", "reports on a checkpoint directory"),
		"", `Run "cryosiren <command> -help" for the flags of a command.`)
	_, _ = fmt.Fprintln(os.Stderr, strings.Join(parts, "\n"))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]
	if name == "info" {
		exitOnError(runInfo(args))
		return
	}
	idx := slices.IndexFunc(commands, func(cmd command) bool { return cmd.name == name })
	if idx < 0 {
		usage()
		os.Exit(2)
	}
	exitOnError(runCommand(commands[idx], args))
}

func exitOnError(err error) {
	klog.Flush()
	if err != nil {
		klog.Errorf("Error:\n%+v", err)
		os.Exit(1)
	}
}

// newFlagSet creates the flags of a command, including the klog ones.
func newFlagSet(name string, family autoencoder.Family, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	klog.InitFlags(fs)
	fs.StringVar(&opts.configPath, "config", "",
		fmt.Sprintf("YAML configuration. Defaults to the %s in the checkpoint directory, if present.", ConfigFileName))
	fs.StringVar(&opts.settings, "set", "", config.SettingsUsage(family))
	fs.StringVar(&opts.dataDir, "data", "", "Particles directory, it overrides data.dir.")
	fs.StringVar(&opts.checkpointDir, "checkpoint", "", "Checkpoint directory, it overrides train.checkpoint_dir.")
	return fs
}

func runCommand(cmd command, args []string) error {
	opts := &options{}
	fs := newFlagSet(cmd.name, cmd.family, opts)
	if strings.HasPrefix(cmd.name, "predict") {
		fs.StringVar(&opts.outputDir, "output", "", "Output directory, it overrides predict.output_dir.")
		fs.IntVar(&opts.previews, "previews", 0, "Number of decoded particle previews (PNG) to write.")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("unexpected arguments %q", fs.Args())
	}
	cfg, err := loadConfig(cmd.family, opts)
	if err != nil {
		return err
	}
	var runErr error
	if err = exceptions.TryCatch[error](func() { runErr = cmd.run(cfg, opts) }); err != nil {
		return err
	}
	return runErr
}

// loadConfig reads the configuration of the run and applies the flags to it.
func loadConfig(family autoencoder.Family, opts *options) (*config.Config, error) {
	var err error
	if opts.checkpointDir, err = fsutil.ReplaceTildeInDir(opts.checkpointDir); err != nil {
		return nil, err
	}
	configPath := opts.configPath
	if configPath == "" && opts.checkpointDir != "" {
		candidate := filepath.Join(opts.checkpointDir, ConfigFileName)
		if exists, err := fsutil.FileExists(candidate); err != nil {
			return nil, err
		} else if exists {
			configPath = candidate
		}
	}

	cfg := config.DefaultFor(family)
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
		klog.V(1).Infof("configuration loaded from %q", configPath)
	}
	if cfg.Model.Family != family {
		return nil, errors.Errorf("configuration is for a %s model, the command requires %s", cfg.Model.Family, family)
	}
	keysSet, err := config.ApplySettings(cfg, opts.settings)
	if err != nil {
		return nil, err
	}
	if cfg.Model.Family != family {
		return nil, errors.Errorf("model.family can't be changed to %s by the command %s settings", cfg.Model.Family, family)
	}
	if len(keysSet) > 0 {
		klog.Infof("settings:\n%s", config.SprintSettings(cfg, keysSet))
	}
	if opts.dataDir != "" {
		cfg.Data.Dir = opts.dataDir
	}
	if opts.checkpointDir != "" {
		cfg.Train.CheckpointDir = opts.checkpointDir
	}
	if opts.outputDir != "" {
		cfg.Predict.OutputDir = opts.outputDir
	}
	for _, dir := range []*string{&cfg.Data.Dir, &cfg.Train.CheckpointDir, &cfg.Predict.OutputDir} {
		if *dir, err = fsutil.ReplaceTildeInDir(*dir); err != nil {
			return nil, err
		}
	}
	if cfg.Data.Dir == "" {
		return nil, errors.New("missing particles directory, set it with -data")
	}
	if cfg.Train.CheckpointDir == "" {
		return nil, errors.New("missing checkpoint directory, set it with -checkpoint")
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
