// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package particles

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// StackOptions configures a Stack.
type StackOptions struct {
	// SamplingRate in Å/pixel. Defaults to 1.
	SamplingRate float64

	// PadFactor for Fourier operations. Defaults to 2.
	PadFactor int

	// ApplyCTF if the images are corrupted by the CTF given in the metadata.
	ApplyCTF bool

	// Symmetry matrices of the particle. Defaults to the identity only.
	Symmetry [][9]float32

	// Mask [size*size], row-major. Defaults to all ones.
	Mask []float32
}

// Identity is the row-major 3×3 identity matrix.
var Identity = [9]float32{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Stack is an in-memory Source: particle images, their metadata and the coordinate grid.
type Stack struct {
	meta   *Metadata
	grid   *Grid
	size   int
	images []float32
	opts   StackOptions
}

var _ Source = (*Stack)(nil)

// NewStack creates a Stack. images holds meta.Len() images of size×size pixels, row-major,
// one after the other.
func NewStack(meta *Metadata, grid *Grid, images []float32, size int, opts StackOptions) (*Stack, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if size <= 0 || len(images) != meta.Len()*size*size {
		return nil, errors.Errorf("particles.NewStack: %d pixels for %d images of %dx%d", len(images), meta.Len(), size, size)
	}
	if grid == nil || grid.TotalVoxels() == 0 {
		return nil, errors.New("particles.NewStack: empty coordinate grid")
	}
	if grid.XSize != size {
		return nil, errors.Errorf("particles.NewStack: grid of side %d for images of size %d", grid.XSize, size)
	}
	if opts.ApplyCTF && !meta.HasCTF() {
		return nil, errors.New("particles.NewStack: ApplyCTF requires the CTF parameters in the metadata")
	}
	if opts.SamplingRate <= 0 {
		opts.SamplingRate = 1
	}
	if opts.PadFactor <= 0 {
		opts.PadFactor = 2
	}
	if len(opts.Symmetry) == 0 {
		opts.Symmetry = [][9]float32{Identity}
	}
	if opts.Mask == nil {
		opts.Mask = make([]float32, size*size)
		for ii := range opts.Mask {
			opts.Mask[ii] = 1
		}
	} else if len(opts.Mask) != size*size {
		return nil, errors.Errorf("particles.NewStack: mask has %d pixels, expected %d", len(opts.Mask), size*size)
	}
	return &Stack{meta: meta, grid: grid, size: size, images: images, opts: opts}, nil
}

func (s *Stack) Metadata() *Metadata            { return s.meta }
func (s *Stack) Grid() *Grid                    { return s.grid }
func (s *Stack) ImageSize() int                 { return s.size }
func (s *Stack) SamplingRate() float64          { return s.opts.SamplingRate }
func (s *Stack) PadFactor() int                 { return s.opts.PadFactor }
func (s *Stack) ApplyCTF() bool                 { return s.opts.ApplyCTF }
func (s *Stack) SymmetryMatrices() [][9]float32 { return slices.Clone(s.opts.Symmetry) }
func (s *Stack) Mask() []float32                { return slices.Clone(s.opts.Mask) }

// NumImages returns the number of particle images.
func (s *Stack) NumImages() int { return s.meta.Len() }

// Images returns the images of the given particles as a tensor [len(indices), size, size].
func (s *Stack) Images(indices []int32) *tensors.Tensor {
	pixels := s.size * s.size
	flat := make([]float32, 0, len(indices)*pixels)
	for _, idx := range indices {
		flat = append(flat, s.images[int(idx)*pixels:(int(idx)+1)*pixels]...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(indices), s.size, s.size)
}

// MaskTensor returns the mask as a tensor [size, size].
func (s *Stack) MaskTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(s.Mask(), s.size, s.size)
}

// MemoryDataset yields batches of a Stack. It implements train.Dataset: each batch has
// the inputs [images [B, size, size] float32, indices [B] int32] and no labels.
//
// The last batch of an epoch may be smaller. After the last batch io.EOF is returned, until Reset
// is called.
type MemoryDataset struct {
	name      string
	stack     *Stack
	batchSize int
	rng       *rand.Rand
	order     []int32
	position  int
}

var _ train.Dataset = (*MemoryDataset)(nil)

// NewMemoryDataset creates a dataset over the particles of stack. If shuffle is true, the
// order of the particles is shuffled at every epoch, reproducibly for the given seed.
func NewMemoryDataset(stack *Stack, batchSize int, shuffle bool, seed uint64) (*MemoryDataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("particles.NewMemoryDataset: invalid batch size %d", batchSize)
	}
	ds := &MemoryDataset{
		name:      fmt.Sprintf("particles[%d]", stack.NumImages()),
		stack:     stack,
		batchSize: batchSize,
		order:     make([]int32, stack.NumImages()),
	}
	if shuffle {
		ds.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *MemoryDataset) Name() string { return ds.name }

// Reset implements train.Dataset. It starts a new epoch, reshuffling if configured.
func (ds *MemoryDataset) Reset() {
	ds.position = 0
	for ii := range ds.order {
		ds.order[ii] = int32(ii)
	}
	if ds.rng != nil {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// NumBatches returns the number of batches per epoch.
func (ds *MemoryDataset) NumBatches() int {
	return (len(ds.order) + ds.batchSize - 1) / ds.batchSize
}

// Yield implements train.Dataset.
func (ds *MemoryDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.position >= len(ds.order) {
		return nil, nil, nil, io.EOF
	}
	end := min(ds.position+ds.batchSize, len(ds.order))
	indices := slices.Clone(ds.order[ds.position:end])
	ds.position = end
	inputs = []*tensors.Tensor{
		ds.stack.Images(indices),
		tensors.FromFlatDataAndDimensions(indices, len(indices)),
	}
	return nil, inputs, nil, nil
}

// SplitInputs returns the images and the particle indices of a batch yielded by a MemoryDataset.
func SplitInputs(inputs []*tensors.Tensor) (images *tensors.Tensor, indices []int32, err error) {
	if len(inputs) != 2 {
		return nil, nil, errors.Errorf("particles batch must have 2 inputs (images, indices), got %d", len(inputs))
	}
	images = inputs[0]
	if images.Rank() != 3 {
		return nil, nil, errors.Errorf("particles batch images must be shaped [B, S, S], got %s", images.Shape())
	}
	indices = tensors.MustCopyFlatData[int32](inputs[1])
	if len(indices) != images.Shape().Dimensions[0] {
		return nil, nil, errors.Errorf("particles batch has %d indices for %d images", len(indices), images.Shape().Dimensions[0])
	}
	return images, indices, nil
}
