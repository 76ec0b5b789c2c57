// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the training metrics in the checkpoint directory and renders them
// as loss curves.
package plots

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
)

// TrainingPlotFileName is the default file name within a checkpoint directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Step is the global step this metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	pointWriter = pointChan
	errChan := make(chan error, 1)
	errReport = errChan
	go func() {
		// Create/append file with upcoming metrics.
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = errors.WithStack(closeErr)
			}
		}
		errChan <- err
	}()
	return
}

// AttachPointsWriter records the metrics of every n-th training step of the loop in
// the file TrainingPlotFileName of checkpointDir. Points are appended, so a resumed training
// continues the curves of the previous runs.
func AttachPointsWriter(loop *autoencoder.Loop, checkpointDir string, n int) error {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(checkpointDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", checkpointDir)
	}
	filePath := filepath.Join(checkpointDir, TrainingPlotFileName)
	names := loop.Trainer.MetricNames()
	var (
		pointWriter chan<- Point
		errReport   <-chan error
	)
	loop.OnStart("plots.AttachPointsWriter", 0, func(_ *autoencoder.Loop, _ train.Dataset) error {
		pointWriter, errReport = CreatePointsWriter(filePath)
		return nil
	})
	autoencoder.EveryNSteps(loop, n, "plots.AttachPointsWriter", 0, func(loop *autoencoder.Loop, metrics []float64) error {
		for ii, name := range names {
			if math.IsNaN(metrics[ii]) || math.IsInf(metrics[ii], 0) {
				continue
			}
			pointWriter <- Point{MetricName: name, Step: float64(loop.LoopStep), Value: metrics[ii]}
		}
		return nil
	})
	loop.OnEnd("plots.AttachPointsWriter", 0, func(_ *autoencoder.Loop, _ []float64) error {
		close(pointWriter)
		return <-errReport
	})
	return nil
}

// LoadPointsFromCheckpoint loads all plot points saved during training in file TrainingPlotFileName
// in a checkpoint directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(filepath.Join(checkpointDir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// SavePNG renders one curve per metric, in the order of their first point, as a PNG image.
func SavePNG(points []Point, title, filePath string) error {
	if len(points) == 0 {
		return errors.Errorf("no points to plot in %q", filePath)
	}
	var names []string
	curves := make(map[string]plotter.XYs)
	for _, pt := range points {
		if _, found := curves[pt.MetricName]; !found {
			names = append(names, pt.MetricName)
		}
		curves[pt.MetricName] = append(curves[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())
	for ii, name := range names {
		xys := curves[name]
		slices.SortStableFunc(xys, func(a, b plotter.XY) int {
			switch {
			case a.X < b.X:
				return -1
			case a.X > b.X:
				return 1
			}
			return 0
		})
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
