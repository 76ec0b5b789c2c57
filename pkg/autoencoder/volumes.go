// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/pkg/volume"
)

// ConsensusSigma is the standard deviation (in voxels) of the Gaussian filter of the ReconSIREN
// consensus volume.
const ConsensusSigma = 1.0

// EvalVolumes decodes the HetSIREN latent codes into dense volumes of side Grid().XSize.
//
// The densities are evaluated on each of the coordinate grids and their post-processed volumes
// are summed. If grids is empty the grid of the source is used. Every grid must have the number
// of voxels of the trained grid.
func (t *Trainer) EvalVolumes(latents [][]float32, grids []*particles.Grid, opts volume.Options) ([][]float32, error) {
	if t.model.Config().Family != HetSIREN {
		return nil, errors.Errorf("EvalVolumes requires a HetSIREN model, got %s", t.model.Config().Family)
	}
	if len(grids) == 0 {
		grids = []*particles.Grid{t.src.Grid()}
	}
	xsize := t.src.Grid().XSize
	var vols [][]float32
	for ii, grid := range grids {
		if grid.XSize != xsize {
			return nil, errors.Errorf("EvalVolumes: grid #%d has side %d, expected %d", ii, grid.XSize, xsize)
		}
		values, err := t.Densities(grid, latents)
		if err != nil {
			return nil, errors.WithMessagef(err, "EvalVolumes: grid #%d", ii)
		}
		gridVols, err := volume.Assemble(grid, values)
		if err != nil {
			return nil, err
		}
		if err = volume.Process(gridVols, xsize, opts); err != nil {
			return nil, err
		}
		if vols == nil {
			vols = gridVols
			continue
		}
		if err = volume.Sum(vols, gridVols); err != nil {
			return nil, err
		}
	}
	return vols, nil
}

// EvalVolume returns the ReconSIREN consensus volume (base plus decoded correction) of side
// Grid().XSize, blurred with a Gaussian of ConsensusSigma if filter is true.
func (t *Trainer) EvalVolume(filter bool) ([]float32, error) {
	if t.model.Config().Family != ReconSIREN {
		return nil, errors.Errorf("EvalVolume requires a ReconSIREN model, got %s", t.model.Config().Family)
	}
	grid := t.src.Grid()
	values, err := t.Densities(grid, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "EvalVolume")
	}
	vols, err := volume.Assemble(grid, values)
	if err != nil {
		return nil, err
	}
	if filter {
		return volume.GaussianFilter3D(vols[0], grid.XSize, ConsensusSigma), nil
	}
	return vols[0], nil
}
