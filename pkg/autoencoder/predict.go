// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoencoder

import (
	"io"
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/particles"
)

// eulerEpsilon below which sin(tilt) is considered 0 by MatrixToEuler.
const eulerEpsilon = 16 * 1.192092896e-07

// MatrixToEuler converts a row-major rotation matrix to ZYZ Euler angles (rot, tilt, psi) in degrees,
// in the Xmipp convention. It is the inverse of projection.EulerMatrix, with tilt in [0, 180].
func MatrixToEuler(r [9]float32) (rot, tilt, psi float64) {
	at := func(i, j int) float64 { return float64(r[3*i+j]) }
	absSinTilt := math.Hypot(at(0, 2), at(1, 2))
	if absSinTilt > eulerEpsilon {
		psi = math.Atan2(at(1, 2), -at(0, 2))
		rot = math.Atan2(at(2, 1), at(2, 0))
		sign := 1.0
		if math.Abs(math.Sin(psi)) < eulerEpsilon {
			if -at(0, 2)/math.Cos(psi) < 0 {
				sign = -1
			}
		} else if at(1, 2)/math.Sin(psi) < 0 {
			sign = -1
		}
		tilt = math.Atan2(sign*absSinTilt, at(2, 2))
	} else if at(2, 2) > 0 {
		psi = math.Atan2(-at(1, 0), at(0, 0))
	} else {
		tilt = math.Pi
		psi = math.Atan2(at(1, 0), -at(0, 0))
	}
	toDeg := 180 / math.Pi
	return rot * toDeg, tilt * toDeg, psi * toDeg
}

// forEachBatch calls fn for every batch of one epoch of ds. The dataset is reset at the end.
func forEachBatch(ds train.Dataset, fn func(images *tensors.Tensor, indices []int32) error) error {
	defer ds.Reset()
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "reading from dataset %q", ds.Name())
		}
		images, indices, err := particles.SplitInputs(inputs)
		if err != nil {
			return err
		}
		if err = fn(images, indices); err != nil {
			return err
		}
	}
}

// PredictHet runs one epoch of ds through the HetSIREN encoder and returns, for every particle of
// the source, its latent code and pose corrections. Particles not yielded by ds are left with nil
// latent codes and zero corrections.
func (t *Trainer) PredictHet(ds train.Dataset) (*particles.Predictions, error) {
	if t.model.Config().Family != HetSIREN {
		return nil, errors.Errorf("PredictHet requires a HetSIREN model, got %s", t.model.Config().Family)
	}
	n := t.src.Metadata().Len()
	pred := &particles.Predictions{
		Latent:      make([][]float32, n),
		DeltaAngles: make([][3]float32, n),
		DeltaShifts: make([][2]float32, n),
	}
	latentDim := t.model.Config().LatentDim
	var count int
	err := forEachBatch(ds, func(images *tensors.Tensor, indices []int32) error {
		outputs, err := t.Predict(images, indices, PredictHet, false)
		if err != nil {
			return err
		}
		rows := tensors.MustCopyFlatData[float32](outputs[0])
		shifts := tensors.MustCopyFlatData[float32](outputs[1])
		latent := tensors.MustCopyFlatData[float32](outputs[2])
		for ii, idx := range indices {
			copy(pred.DeltaAngles[idx][:], rows[3*ii:3*ii+3])
			copy(pred.DeltaShifts[idx][:], shifts[2*ii:2*ii+2])
			pred.Latent[idx] = slices.Clone(latent[ii*latentDim : (ii+1)*latentDim])
		}
		count += len(indices)
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "PredictHet")
	}
	klog.V(1).Infof("predicted the latent codes of %d particles", count)
	return pred, nil
}

// PredictPoses runs one epoch of ds through the ReconSIREN encoder, and returns a copy of the source
// metadata with the angles and shifts of the best pose candidate of each particle.
func (t *Trainer) PredictPoses(ds train.Dataset) (*particles.Metadata, error) {
	if t.model.Config().Family != ReconSIREN {
		return nil, errors.Errorf("PredictPoses requires a ReconSIREN model, got %s", t.model.Config().Family)
	}
	src := t.src.Metadata()
	meta := *src
	meta.Rot, meta.Tilt, meta.Psi = slices.Clone(src.Rot), slices.Clone(src.Tilt), slices.Clone(src.Psi)
	meta.ShiftX, meta.ShiftY = slices.Clone(src.ShiftX), slices.Clone(src.ShiftY)
	err := forEachBatch(ds, func(images *tensors.Tensor, indices []int32) error {
		outputs, err := t.Predict(images, indices, PredictHet, false)
		if err != nil {
			return err
		}
		r := tensors.MustCopyFlatData[float32](outputs[0])
		shifts := tensors.MustCopyFlatData[float32](outputs[1])
		for ii, idx := range indices {
			rot, tilt, psi := MatrixToEuler([9]float32(r[9*ii : 9*ii+9]))
			meta.Rot[idx], meta.Tilt[idx], meta.Psi[idx] = float32(rot), float32(tilt), float32(psi)
			meta.ShiftX[idx], meta.ShiftY[idx] = shifts[2*ii], shifts[2*ii+1]
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "PredictPoses")
	}
	meta.ReferencePose = true
	return &meta, nil
}

// PredictParticles runs one epoch of ds and calls fn with the decoded images [batchSize, size, size]
// of each batch. If applyCTF is true (and the source has CTF) the decoded images are corrupted
// by the CTF.
func (t *Trainer) PredictParticles(ds train.Dataset, applyCTF bool, fn func(indices []int32, decoded *tensors.Tensor) error) error {
	return forEachBatch(ds, func(images *tensors.Tensor, indices []int32) error {
		outputs, err := t.Predict(images, indices, PredictParticles, applyCTF)
		if err != nil {
			return err
		}
		return fn(indices, outputs[0])
	})
}
