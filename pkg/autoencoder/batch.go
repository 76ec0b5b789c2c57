// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/particles"
)

// Batch is the graph side of a training step: the images and the per-particle arrays gathered
// by a particles.StepContext, each shaped [batchSize].
type Batch struct {
	Images *Node

	Rot, Tilt, Psi *Node
	ShiftX, ShiftY *Node
	CTF            imageformation.CTFParams
}

// NewBatch creates a Batch from images [batchSize, size, size] and the particles.NumStepTensors
// nodes, in the order of particles.StepContext.Tensors.
func NewBatch(images *Node, step []*Node, voltage float64) *Batch {
	if len(step) != particles.NumStepTensors {
		Panicf("autoencoder batch requires %d per-particle inputs, got %d", particles.NumStepTensors, len(step))
	}
	if images.Rank() != 3 {
		Panicf("autoencoder batch requires images shaped [batchSize, size, size], got %s", images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	for ii, node := range step {
		if node.Rank() != 1 || node.Shape().Dimensions[0] != batchSize {
			Panicf("per-particle input #%d must be shaped [%d], got %s", ii, batchSize, node.Shape())
		}
		step[ii] = ConvertDType(node, images.DType())
	}
	return &Batch{
		Images: images,
		Rot:    step[0], Tilt: step[1], Psi: step[2],
		ShiftX: step[3], ShiftY: step[4],
		CTF: imageformation.CTFParams{
			DefocusU: step[5], DefocusV: step[6], DefocusAngle: step[7], Cs: step[8],
			Voltage: voltage,
		},
	}
}

// BatchSize returns the number of images of the batch.
func (b *Batch) BatchSize() int { return b.Images.Shape().Dimensions[0] }

// stepInputs returns the inputs of a step graph for the particles of the batch: the images
// followed by the gathered per-particle arrays.
func stepInputs(src particles.Source, images *tensors.Tensor, indices []int32) ([]any, *particles.StepContext, error) {
	if images.Rank() != 3 {
		return nil, nil, errors.Errorf("images must be shaped [batchSize, size, size], got %s", images.Shape())
	}
	step, err := particles.Gather(src, indices, images.Shape().Dimensions[0])
	if err != nil {
		return nil, nil, err
	}
	inputs := make([]any, 0, 1+particles.NumStepTensors)
	inputs = append(inputs, images)
	for _, t := range step.Tensors() {
		inputs = append(inputs, t)
	}
	return inputs, step, nil
}

// geometry holds the host-side constants of a Source used to build the graphs.
type geometry struct {
	size, xsize  int
	numVoxels    int
	samplingRate float64
	padFactor    int
	applyCTF     bool
	voltage      float64

	coords, indices, values *tensors.Tensor
	mask                    *tensors.Tensor
	symmetry                *tensors.Tensor
	numSymmetries           int
}

func newGeometry(src particles.Source) (*geometry, error) {
	grid := src.Grid()
	if grid == nil || grid.TotalVoxels() == 0 {
		return nil, errors.New("source has an empty coordinate grid")
	}
	size := src.ImageSize()
	if grid.XSize != size {
		return nil, errors.Errorf("coordinate grid of side %d for images of size %d", grid.XSize, size)
	}
	mask := src.Mask()
	if len(mask) != size*size {
		return nil, errors.Errorf("mask has %d pixels, expected %d", len(mask), size*size)
	}
	symmetry := src.SymmetryMatrices()
	if len(symmetry) == 0 {
		symmetry = [][9]float32{particles.Identity}
	}
	flatSym := make([]float32, 0, 9*len(symmetry))
	for _, m := range symmetry {
		flatSym = append(flatSym, m[:]...)
	}
	meta := src.Metadata()
	return &geometry{
		size:          size,
		xsize:         grid.XSize,
		numVoxels:     grid.TotalVoxels(),
		samplingRate:  src.SamplingRate(),
		padFactor:     src.PadFactor(),
		applyCTF:      src.ApplyCTF(),
		voltage:       meta.Voltage,
		coords:        grid.CoordsTensor(),
		indices:       grid.IndicesTensor(),
		values:        grid.ValuesTensor(),
		mask:          tensors.FromFlatDataAndDimensions(mask, size, size),
		symmetry:      tensors.FromFlatDataAndDimensions(flatSym, len(symmetry), 3, 3),
		numSymmetries: len(symmetry),
	}, nil
}

// origin of the images, in pixels.
func (geo *geometry) origin() float64 { return float64(particles.Origin(geo.size)) }

// maskedImages Fourier-resizes images [batchSize, geo.size, geo.size] to size and multiplies them
// by the Fourier mask at size. Both the observed and the predicted images go through it before
// the reconstruction cost.
//
// At the native size the resize is the identity, and the mask is just where the source mask is
// non-zero.
func (geo *geometry) maskedImages(images *Node, size int) *Node {
	g := images.Graph()
	mask := ConvertDType(ConstTensor(g, geo.mask), images.DType())
	var fourierMask *Node
	if size == geo.size {
		mask = Abs(mask)
		fourierMask = imageformation.DivideNoNaN(mask, mask)
	} else {
		fourierMask = imageformation.FourierMask(mask, size)
		images = imageformation.ResizeImageFourier(images, size, geo.padFactor)
	}
	return Mul(ExpandAxes(fourierMask, 0), images)
}

// ctf returns the CTF of the batch, all ones when the source has no CTF or apply is false.
func (geo *geometry) ctf(b *Batch, apply bool) *Node {
	return imageformation.ComputeCTF(b.Images.Graph(), b.CTF, geo.samplingRate, geo.padFactor, geo.size,
		apply && geo.applyCTF)
}
