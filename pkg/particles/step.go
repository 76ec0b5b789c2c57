// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package particles

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// StepContext holds the per-particle metadata gathered for one training or inference step.
//
// It is immutable: it is built once per step with Gather, and the slices returned by its methods
// are copies. Building step contexts concurrently is safe as long as the Source is not modified.
type StepContext struct {
	indices        []int32
	rot, tilt, psi []float32
	shiftX, shiftY []float32
	defocusU       []float32
	defocusV       []float32
	defocusAngle   []float32
	cs             []float32
	voltage        float64
	hasCTF         bool
}

// NumStepTensors is the number of tensors returned by StepContext.Tensors.
const NumStepTensors = 9

// Gather builds the StepContext for the particles in indices, which must match the numImages
// images of the batch.
func Gather(src Source, indices []int32, numImages int) (*StepContext, error) {
	if len(indices) != numImages {
		return nil, errors.Errorf("particles.Gather: %d indices for %d images", len(indices), numImages)
	}
	if numImages == 0 {
		return nil, errors.New("particles.Gather: empty batch")
	}
	meta := src.Metadata()
	n := meta.Len()
	for _, idx := range indices {
		if idx < 0 || int(idx) >= n {
			return nil, errors.Errorf("particles.Gather: particle index %d out of range [0, %d)", idx, n)
		}
	}
	gather := func(values []float32) []float32 {
		if len(values) == 0 {
			return make([]float32, len(indices))
		}
		out := make([]float32, len(indices))
		for ii, idx := range indices {
			out[ii] = values[idx]
		}
		return out
	}
	return &StepContext{
		indices:      slices.Clone(indices),
		rot:          gather(meta.Rot),
		tilt:         gather(meta.Tilt),
		psi:          gather(meta.Psi),
		shiftX:       gather(meta.ShiftX),
		shiftY:       gather(meta.ShiftY),
		defocusU:     gather(meta.DefocusU),
		defocusV:     gather(meta.DefocusV),
		defocusAngle: gather(meta.DefocusAngle),
		cs:           gather(meta.Cs),
		voltage:      meta.Voltage,
		hasCTF:       meta.HasCTF(),
	}, nil
}

// BatchSize returns the number of particles of the step.
func (s *StepContext) BatchSize() int { return len(s.indices) }

// Indices returns the particle indices of the step.
func (s *StepContext) Indices() []int32 { return slices.Clone(s.indices) }

// Angles returns the rot, tilt and psi Euler angles of the step particles, in degrees.
func (s *StepContext) Angles() (rot, tilt, psi []float32) {
	return slices.Clone(s.rot), slices.Clone(s.tilt), slices.Clone(s.psi)
}

// Shifts returns the x and y shifts of the step particles, in pixels.
func (s *StepContext) Shifts() (x, y []float32) {
	return slices.Clone(s.shiftX), slices.Clone(s.shiftY)
}

// Voltage of the microscope, in kV.
func (s *StepContext) Voltage() float64 { return s.voltage }

// HasCTF returns whether the CTF parameters were available in the metadata.
func (s *StepContext) HasCTF() bool { return s.hasCTF }

// Tensors returns the gathered arrays as [BatchSize] float32 tensors, in the order:
// rot, tilt, psi, shift_x, shift_y, defocus_u, defocus_v, defocus_angle and cs.
func (s *StepContext) Tensors() []*tensors.Tensor {
	b := s.BatchSize()
	out := make([]*tensors.Tensor, 0, NumStepTensors)
	for _, values := range [][]float32{s.rot, s.tilt, s.psi, s.shiftX, s.shiftY, s.defocusU, s.defocusV, s.defocusAngle, s.cs} {
		out = append(out, tensors.FromFlatDataAndDimensions(slices.Clone(values), b))
	}
	return out
}
