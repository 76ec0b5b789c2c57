// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/internal/kmeans"
	"github.com/gomlx/cryosiren/pkg/config"
	"github.com/gomlx/cryosiren/pkg/particles"
	"github.com/gomlx/cryosiren/pkg/volume"
	"github.com/gomlx/cryosiren/ui/progress"
)

// Output files of the predictions.
const (
	PredictedMetadataFile = "predicted_metadata.csv"
	ClassMapPattern       = "decoded_map_class_%d.mrc"
	ConsensusMapFile      = "reconsiren_map.mrc"
	PreviewPattern        = "preview_%04d.png"
)

// restore creates the session of a prediction: the checkpoint directory must have a trained model.
func restore(cfg *config.Config) (*session, string, error) {
	s, err := newSession(cfg)
	if err != nil {
		return nil, "", err
	}
	if has, err := s.handler.HasCheckpoints(); err != nil {
		return nil, "", err
	} else if !has {
		return nil, "", errors.Errorf("no trained model in %q", s.handler.Dir())
	}
	outputDir := cfg.OutputDir()
	if err = os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, "", errors.Wrapf(err, "creating output directory %q", outputDir)
	}
	return s, outputDir, nil
}

func (s *session) mapWriter() *volume.MRCWriter {
	return &volume.MRCWriter{
		Float16: s.cfg.Predict.Float16,
		Labels:  []string{fmt.Sprintf("%s step %d", s.cfg.Model.Family, s.trainer.GlobalStep())},
	}
}

// predictHet writes the latent codes and pose corrections of the particles, clusters the latent
// codes with k-means and writes the map decoded from each cluster center.
func predictHet(cfg *config.Config, opts *options) error {
	s, outputDir, err := restore(cfg)
	if err != nil {
		return err
	}
	pred, err := s.trainer.PredictHet(s.dataset(false))
	if err != nil {
		return err
	}

	numClasses := min(cfg.Predict.NumVolumes, len(pred.Latent))
	points := make([][]float64, len(pred.Latent))
	for ii, z := range pred.Latent {
		points[ii] = make([]float64, len(z))
		for jj, v := range z {
			points[ii][jj] = float64(v)
		}
	}
	clusters, err := kmeans.Fit(points, numClasses, kmeans.Config{Seed: cfg.Data.Seed})
	if err != nil {
		return err
	}
	klog.V(1).Infof("k-means: %d classes in %d iterations, inertia %g", numClasses, clusters.Iterations, clusters.Inertia)
	pred.Class = make([]int, len(clusters.Labels))
	sizes := make([]int, numClasses)
	for ii, label := range clusters.Labels {
		pred.Class[ii] = label + 1
		sizes[label]++
	}
	centers := make([][]float32, numClasses)
	for c, center := range clusters.Centers {
		centers[c] = make([]float32, len(center))
		for jj, v := range center {
			centers[c][jj] = float32(v)
		}
	}

	metadataPath := filepath.Join(outputDir, PredictedMetadataFile)
	if err = particles.WriteMetadataFile(metadataPath, s.stack.Metadata(), pred); err != nil {
		return err
	}

	xsize := s.stack.Grid().XSize
	vols, err := s.trainer.EvalVolumes(centers, nil, cfg.VolumeOptions())
	if err != nil {
		return err
	}
	if cfg.Predict.AddToOriginal {
		added, err := volume.AddToOriginal(cfg.Data.Dir, vols, xsize, cfg.Predict.Normalization)
		if err != nil {
			return err
		}
		if added {
			klog.Infof("original map added to the decoded maps (%s normalization)", cfg.Predict.Normalization)
		}
	}
	paths, err := volume.WriteAll(s.mapWriter(), outputDir, ClassMapPattern, vols, xsize, s.stack.SamplingRate(), cfg.VolumeOptions())
	if err != nil {
		return err
	}

	rows := [][2]string{
		{"Metadata", metadataPath},
		{"Particles", humanize.Comma(int64(len(pred.Latent)))},
		{"Classes", humanize.Comma(int64(numClasses))},
	}
	for ii, path := range paths {
		rows = append(rows, [2]string{fmt.Sprintf("Class %d (%s particles)", ii+1, humanize.Comma(int64(sizes[ii]))), path})
	}
	fmt.Println(progress.Table(rows))
	return s.writePreviews(outputDir, opts.previews)
}

// predictRecon writes the metadata with the poses predicted by the encoder, and the consensus map.
func predictRecon(cfg *config.Config, opts *options) error {
	s, outputDir, err := restore(cfg)
	if err != nil {
		return err
	}
	meta, err := s.trainer.PredictPoses(s.dataset(false))
	if err != nil {
		return err
	}
	metadataPath := filepath.Join(outputDir, PredictedMetadataFile)
	if err = particles.WriteMetadataFile(metadataPath, meta, nil); err != nil {
		return err
	}

	vol, err := s.trainer.EvalVolume(cfg.Predict.Filter)
	if err != nil {
		return err
	}
	xsize := s.stack.Grid().XSize
	if cfg.Predict.AddToOriginal {
		if _, err = volume.AddToOriginal(cfg.Data.Dir, [][]float32{vol}, xsize, cfg.Predict.Normalization); err != nil {
			return err
		}
	}
	mapPath := filepath.Join(outputDir, ConsensusMapFile)
	if err = s.mapWriter().WriteVolume(mapPath, vol, xsize, s.stack.SamplingRate()); err != nil {
		return err
	}
	fmt.Println(progress.Table([][2]string{
		{"Metadata", metadataPath},
		{"Particles", humanize.Comma(int64(meta.Len()))},
		{"Consensus map", mapPath},
	}))
	return s.writePreviews(outputDir, opts.previews)
}

// writePreviews writes, for the first n particles, a PNG with the input image and the decoded one
// side by side.
func (s *session) writePreviews(outputDir string, n int) error {
	if n <= 0 {
		return nil
	}
	size := s.stack.ImageSize()
	written := 0
	errDone := errors.New("done")
	err := s.trainer.PredictParticles(s.dataset(false), s.cfg.Predict.ApplyCTF, func(indices []int32, decoded *tensors.Tensor) error {
		flat := tensors.MustCopyFlatData[float32](decoded)
		for ii, idx := range indices {
			if written >= n {
				return errDone
			}
			input := tensors.MustCopyFlatData[float32](s.stack.Images([]int32{idx}))
			preview := imaging.New(2*size, size, color.Black)
			preview = imaging.Paste(preview, grayImage(input, size), image.Pt(0, 0))
			preview = imaging.Paste(preview, grayImage(flat[ii*size*size:(ii+1)*size*size], size), image.Pt(size, 0))
			path := filepath.Join(outputDir, fmt.Sprintf(PreviewPattern, idx))
			if err := imaging.Save(preview, path); err != nil {
				return errors.Wrapf(err, "saving preview %q", path)
			}
			written++
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return err
	}
	klog.Infof("%d previews written to %q", written, outputDir)
	return nil
}

// grayImage maps pixels to gray levels, scaled from their minimum to their maximum.
func grayImage(pixels []float32, size int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	lo, hi := pixels[0], pixels[0]
	for _, v := range pixels {
		lo, hi = min(lo, v), max(hi, v)
	}
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	for ii, v := range pixels {
		img.Pix[ii] = uint8((v - lo) * scale)
	}
	return img
}
