// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/pkg/encoder"
	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/losses"
)

// Family of auto-encoder.
type Family int

const (
	// HetSIREN refines the metadata poses and learns a latent code per particle, decoded into
	// per-particle density corrections.
	HetSIREN Family = iota

	// ReconSIREN searches the poses ab-initio with multiple candidates per image, and learns one
	// consensus density correction.
	ReconSIREN
)

var familyNames = []string{"hetsiren", "reconsiren"}

// String implements fmt.Stringer.
func (f Family) String() string {
	if f < 0 || int(f) >= len(familyNames) {
		return fmt.Sprintf("Family(%d)", int(f))
	}
	return familyNames[f]
}

// ParseFamily converts a family name (case-insensitive) to a Family.
func ParseFamily(name string) (Family, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, n := range familyNames {
		if n == lower {
			return Family(ii), nil
		}
	}
	return 0, errors.Errorf("unknown auto-encoder family %q, valid values are %q", name, familyNames)
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	if f < 0 || int(f) >= len(familyNames) {
		return nil, errors.Errorf("invalid auto-encoder family %d", int(f))
	}
	return []byte(familyNames[f]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// PredictMode selects the outputs of the prediction graph.
type PredictMode int

const (
	// PredictHet returns the pose and latent estimates: rows, shifts and latent codes for
	// HetSIREN, or the winning rotation matrices, shifts and images for ReconSIREN.
	PredictHet PredictMode = iota

	// PredictParticles returns the decoded (projected) particle images.
	PredictParticles
)

var predictModeNames = []string{"het", "particles"}

// String implements fmt.Stringer.
func (m PredictMode) String() string {
	if m < 0 || int(m) >= len(predictModeNames) {
		return fmt.Sprintf("PredictMode(%d)", int(m))
	}
	return predictModeNames[m]
}

// ParsePredictMode converts a predict mode name to a PredictMode. Unknown names are an error.
func ParsePredictMode(name string) (PredictMode, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, n := range predictModeNames {
		if n == lower {
			return PredictMode(ii), nil
		}
	}
	return 0, errors.Errorf("unknown predict mode %q, valid values are %q", name, predictModeNames)
}

// MarshalText implements encoding.TextMarshaler.
func (m PredictMode) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(predictModeNames) {
		return nil, errors.Errorf("invalid predict mode %d", int(m))
	}
	return []byte(predictModeNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *PredictMode) UnmarshalText(text []byte) error {
	parsed, err := ParsePredictMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Default loss weights of HetSIREN.
const (
	HetL1Weight  = 0.5
	HetTVWeight  = 0.5
	HetMSEWeight = 0.5
	HetRecWeight = 0.5
	HetRegWeight = 0.5
)

// Default loss weights of ReconSIREN.
const (
	ReconL1Weight          = 0.1
	ReconTVWeight          = 0.5
	ReconMSEWeight         = 0.5
	ReconUniformDistWeight = 1e-6
	ReconUnitNormWeight    = 1e-4
	ReconL1DistanceWeight  = 0.1
	ReconNegativeWeight    = 0.1
	ReconMultiResWeight    = 0.001
)

// Weights of the terms of the composite loss. Terms not used by a family are ignored.
type Weights struct {
	L1  float64 `yaml:"l1"`
	TV  float64 `yaml:"tv"`
	MSE float64 `yaml:"mse"`

	// Rec and Reg scale the reconstruction and the regularization sums of HetSIREN.
	Rec float64 `yaml:"rec"`
	Reg float64 `yaml:"reg"`

	UniformDist float64 `yaml:"uniform_dist"`
	UnitNorm    float64 `yaml:"unit_norm"`

	// L1Distance scales the radial L1 term, which is added to the L1 term before it is scaled by L1.
	L1Distance float64 `yaml:"l1_distance"`

	// Negative scales the negative density penalty (itself scaled by L1) of ReconSIREN.
	Negative float64 `yaml:"negative"`

	// MultiRes scales each level of the blur pyramid term of ReconSIREN.
	MultiRes float64 `yaml:"multires"`

	ConnectedComponents float64 `yaml:"connected_components"`
	Diversity           float64 `yaml:"diversity"`
}

// DefaultHetSIRENWeights returns the default loss weights of HetSIREN.
func DefaultHetSIRENWeights() Weights {
	return Weights{L1: HetL1Weight, TV: HetTVWeight, MSE: HetMSEWeight, Rec: HetRecWeight, Reg: HetRegWeight}
}

// DefaultReconSIRENWeights returns the default loss weights of ReconSIREN. The connected components
// and diversity terms are disabled.
func DefaultReconSIRENWeights() Weights {
	return Weights{
		L1:          ReconL1Weight,
		TV:          ReconTVWeight,
		MSE:         ReconMSEWeight,
		UniformDist: ReconUniformDistWeight,
		UnitNorm:    ReconUnitNormWeight,
		L1Distance:  ReconL1DistanceWeight,
		Negative:    ReconNegativeWeight,
		MultiRes:    ReconMultiResWeight,
	}
}

// Default model parameters.
const (
	DefaultLatentDim         = 10
	DefaultNumCandidates     = 4
	DefaultConnectedFraction = 0.5

	// RenderThreshold is the soft threshold applied to the HetSIREN projections.
	RenderThreshold = 1e-6
)

// Config of a model. The zero value is not valid: start from NewConfig.
type Config struct {
	Family       Family
	Architecture encoder.Architecture
	CTFMode      imageformation.CTFMode

	// Cost of the reconstruction terms. ReconSIREN always uses the correlation when OnlyPose.
	Cost losses.Cost

	// LatentDim is the size of the HetSIREN latent codes.
	LatentDim int

	// NumCandidates is the number of ReconSIREN pose heads.
	NumCandidates int

	// CandidateUnits is the width of the ReconSIREN candidate heads. 0 uses encoder.CandidateUnits.
	CandidateUnits int

	// Backbone overrides the default backbone of the family and architecture, if set.
	Backbone *encoder.Backbone

	// RefinePose lets HetSIREN learn pose corrections. Otherwise the metadata poses are used.
	RefinePose bool

	// OnlyPositive constrains the ReconSIREN density corrections to be non-negative.
	OnlyPositive bool

	// OnlyPose trains only the ReconSIREN encoder: the decoder is not updated.
	OnlyPose bool

	// TrainSize of the downscaled reconstruction term. 0 uses the image size.
	TrainSize int

	// MultiResLevels of the blur pyramid term. 0 disables it.
	MultiResLevels int

	// ConnectedFraction is the fraction of the maximum density above which voxels are considered
	// by the connected components penalty.
	ConnectedFraction float64

	// ScaleFactor of the coordinates before projection (ReconSIREN).
	ScaleFactor float64

	Weights Weights

	EncoderLearningRate float64
	DecoderLearningRate float64
}

// NewConfig returns the default configuration for the family.
func NewConfig(family Family) *Config {
	cfg := &Config{
		Family:              family,
		Architecture:        encoder.ConvNN,
		CTFMode:             imageformation.CTFApply,
		Cost:                losses.CostMSE,
		LatentDim:           DefaultLatentDim,
		NumCandidates:       DefaultNumCandidates,
		RefinePose:          true,
		ConnectedFraction:   DefaultConnectedFraction,
		ScaleFactor:         1,
		EncoderLearningRate: 1e-4,
		DecoderLearningRate: 1e-4,
	}
	if family == ReconSIREN {
		cfg.Weights = DefaultReconSIRENWeights()
		cfg.OnlyPositive = true
	} else {
		cfg.CTFMode = imageformation.CTFWiener
		cfg.Weights = DefaultHetSIRENWeights()
	}
	return cfg
}

// Validate the configuration for images of the given size.
func (c *Config) Validate(imageSize int) error {
	switch c.Family {
	case HetSIREN:
		if c.LatentDim <= 0 {
			return errors.Errorf("HetSIREN requires a latent dimension > 0, got %d", c.LatentDim)
		}
	case ReconSIREN:
		if c.NumCandidates <= 0 {
			return errors.Errorf("ReconSIREN requires at least 1 pose candidate, got %d", c.NumCandidates)
		}
	default:
		return errors.Errorf("invalid auto-encoder family %d", int(c.Family))
	}
	if c.TrainSize < 0 || c.TrainSize > imageSize {
		return errors.Errorf("train size %d must be in [0, %d]", c.TrainSize, imageSize)
	}
	if c.MultiResLevels < 0 {
		return errors.Errorf("invalid number of multi-resolution levels %d", c.MultiResLevels)
	}
	if c.ScaleFactor <= 0 {
		return errors.Errorf("coordinates scale factor must be > 0, got %g", c.ScaleFactor)
	}
	if c.EncoderLearningRate <= 0 || c.DecoderLearningRate <= 0 {
		return errors.Errorf("learning rates must be > 0, got %g (encoder) and %g (decoder)",
			c.EncoderLearningRate, c.DecoderLearningRate)
	}
	return nil
}

// trainSize returns the size of the downscaled reconstruction term.
func (c *Config) trainSize(imageSize int) int {
	if c.TrainSize <= 0 {
		return imageSize
	}
	return c.TrainSize
}

// backbone returns the encoder backbone configuration.
func (c *Config) backbone() encoder.Backbone {
	if c.Backbone != nil {
		return *c.Backbone
	}
	if c.Family == ReconSIREN {
		return encoder.ReconSIRENBackbone(c.Architecture)
	}
	return encoder.HetSIRENBackbone(c.Architecture)
}
