// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package particles holds the data model of a cryo-EM reconstruction: the per-particle metadata,
// the coordinate grid of the density field, the particle images and the per-step context gathered
// from them.
//
// Everything here lives on the host. Graph functions receive the data as tensors, see
// StepContext.Tensors.
package particles

import (
	"slices"

	"github.com/golang/geo/r3"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Metadata holds the per-particle arrays. All non-empty arrays have one entry per particle.
//
// Angles are ZYZ Euler angles in degrees (Xmipp convention), shifts are in pixels, defocus values
// in Å, DefocusAngle in degrees and Cs in mm.
type Metadata struct {
	// Images names the image file of each particle, if loaded from a directory.
	Images []string

	Rot, Tilt, Psi []float32
	ShiftX, ShiftY []float32

	// CTF parameters. They can be empty if the CTF is not used.
	DefocusU, DefocusV, DefocusAngle, Cs []float32

	// Voltage of the microscope, in kV.
	Voltage float64

	// ReferencePose is true if the angles and shifts are a known pose, as opposed to a
	// placeholder for ab-initio reconstruction.
	ReferencePose bool
}

// Len returns the number of particles.
func (m *Metadata) Len() int { return len(m.Rot) }

// HasCTF returns whether the CTF parameters are available.
func (m *Metadata) HasCTF() bool { return len(m.DefocusU) > 0 }

// Validate checks that all arrays have the same length.
func (m *Metadata) Validate() error {
	n := m.Len()
	check := func(name string, values []float32, optional bool) error {
		if optional && len(values) == 0 {
			return nil
		}
		if len(values) != n {
			return errors.Errorf("particles.Metadata: %s has %d entries, expected %d", name, len(values), n)
		}
		return nil
	}
	for _, col := range []struct {
		name     string
		values   []float32
		optional bool
	}{
		{"tilt", m.Tilt, false}, {"psi", m.Psi, false},
		{"shift_x", m.ShiftX, false}, {"shift_y", m.ShiftY, false},
		{"defocus_u", m.DefocusU, true}, {"defocus_v", m.DefocusV, !m.HasCTF()},
		{"defocus_angle", m.DefocusAngle, !m.HasCTF()}, {"cs", m.Cs, !m.HasCTF()},
	} {
		if err := check(col.name, col.values, col.optional); err != nil {
			return err
		}
	}
	if len(m.Images) > 0 && len(m.Images) != n {
		return errors.Errorf("particles.Metadata: %d image names for %d particles", len(m.Images), n)
	}
	if m.HasCTF() && m.Voltage <= 0 {
		return errors.Errorf("particles.Metadata: CTF parameters given with invalid voltage %g kV", m.Voltage)
	}
	return nil
}

// NewMetadata creates metadata for n particles with zero angles and shifts, and no CTF.
func NewMetadata(n int) *Metadata {
	return &Metadata{
		Rot: make([]float32, n), Tilt: make([]float32, n), Psi: make([]float32, n),
		ShiftX: make([]float32, n), ShiftY: make([]float32, n),
	}
}

// Grid is the set of voxels where the density field is evaluated.
//
// Indices are (z, y, x) voxel positions and Coords the matching continuous (x, y, z) coordinates,
// centered on the Xmipp origin XSize/2. Values holds the base density at each voxel.
//
// A Grid is immutable once created.
type Grid struct {
	XSize   int
	Indices [][3]int32
	Coords  [][3]float32
	Values  []float32
}

// Origin returns the Xmipp origin of a volume or image of the given size.
func Origin(size int) int { return size / 2 }

// NewGrid creates a grid from the given voxel indices (z, y, x) and base values.
// If values is nil, the base density is zero.
func NewGrid(xsize int, indices [][3]int32, values []float32) (*Grid, error) {
	if values == nil {
		values = make([]float32, len(indices))
	}
	if len(values) != len(indices) {
		return nil, errors.Errorf("particles.NewGrid: %d values for %d voxels", len(values), len(indices))
	}
	origin := float32(Origin(xsize))
	coords := make([][3]float32, len(indices))
	for ii, idx := range indices {
		for axis := range 3 {
			if idx[axis] < 0 || int(idx[axis]) >= xsize {
				return nil, errors.Errorf("particles.NewGrid: voxel #%d %v out of the volume of side %d", ii, idx, xsize)
			}
		}
		coords[ii] = [3]float32{float32(idx[2]) - origin, float32(idx[1]) - origin, float32(idx[0]) - origin}
	}
	return &Grid{XSize: xsize, Indices: slices.Clone(indices), Coords: coords, Values: slices.Clone(values)}, nil
}

// NewSphereGrid creates a grid with the voxels of a volume of side xsize within radius of the
// origin. If volume is given (xsize³ values, x varying fastest) it provides the base values.
func NewSphereGrid(xsize int, radius float64, volume []float32) (*Grid, error) {
	if volume != nil && len(volume) != xsize*xsize*xsize {
		return nil, errors.Errorf("particles.NewSphereGrid: volume has %d values, expected %d", len(volume), xsize*xsize*xsize)
	}
	center := float64(Origin(xsize))
	var indices [][3]int32
	var values []float32
	for z := range xsize {
		for y := range xsize {
			for x := range xsize {
				p := r3.Vector{X: float64(x) - center, Y: float64(y) - center, Z: float64(z) - center}
				if p.Norm() > radius {
					continue
				}
				indices = append(indices, [3]int32{int32(z), int32(y), int32(x)})
				if volume != nil {
					values = append(values, volume[(z*xsize+y)*xsize+x])
				}
			}
		}
	}
	if len(indices) == 0 {
		return nil, errors.Errorf("particles.NewSphereGrid: radius %g selects no voxel", radius)
	}
	if volume == nil {
		values = make([]float32, len(indices))
	}
	return NewGrid(xsize, indices, values)
}

// TotalVoxels returns the number of voxels of the grid.
func (g *Grid) TotalVoxels() int { return len(g.Indices) }

// WithCoords returns a copy of the grid over another set of voxels, with base values sampled
// from the current grid (zero where the current grid has no voxel). The receiver is not changed.
func (g *Grid) WithCoords(indices [][3]int32) (*Grid, error) {
	lookup := make(map[[3]int32]float32, len(g.Indices))
	for ii, idx := range g.Indices {
		lookup[idx] = g.Values[ii]
	}
	values := make([]float32, len(indices))
	for ii, idx := range indices {
		values[ii] = lookup[idx]
	}
	return NewGrid(g.XSize, indices, values)
}

// FullIndices returns the (z, y, x) indices of all voxels of a volume of side xsize.
func FullIndices(xsize int) [][3]int32 {
	indices := make([][3]int32, 0, xsize*xsize*xsize)
	for z := range xsize {
		for y := range xsize {
			for x := range xsize {
				indices = append(indices, [3]int32{int32(z), int32(y), int32(x)})
			}
		}
	}
	return indices
}

// IndicesTensor returns the voxel indices as an int32 tensor shaped [N, 3].
func (g *Grid) IndicesTensor() *tensors.Tensor {
	flat := make([]int32, 0, 3*len(g.Indices))
	for _, idx := range g.Indices {
		flat = append(flat, idx[:]...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(g.Indices), 3)
}

// CoordsTensor returns the coordinates as a float32 tensor shaped [N, 3].
func (g *Grid) CoordsTensor() *tensors.Tensor {
	flat := make([]float32, 0, 3*len(g.Coords))
	for _, c := range g.Coords {
		flat = append(flat, c[:]...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(g.Coords), 3)
}

// ValuesTensor returns the base values as a float32 tensor shaped [N].
func (g *Grid) ValuesTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(slices.Clone(g.Values), len(g.Values))
}

// Source is what the reconstruction models need from the particle data.
type Source interface {
	Metadata() *Metadata
	Grid() *Grid

	// ImageSize is the side of the square particle images, in pixels.
	ImageSize() int

	// SamplingRate in Å/pixel.
	SamplingRate() float64

	// PadFactor used for Fourier operations.
	PadFactor() int

	// ApplyCTF tells whether images are corrupted by the CTF described in the metadata.
	ApplyCTF() bool

	// SymmetryMatrices are the rotation matrices (row-major) of the point group of the
	// particle. It holds only the identity for asymmetric particles.
	SymmetryMatrices() [][9]float32

	// Mask is the [ImageSize, ImageSize] image mask, row-major.
	Mask() []float32
}
