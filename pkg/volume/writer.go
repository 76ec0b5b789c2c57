// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/mrc"
	"github.com/gomlx/cryosiren/pkg/particles"
)

// Writer stores a cube of side xsize with the given sampling rate (Å/voxel).
type Writer interface {
	WriteVolume(path string, data []float32, xsize int, samplingRate float64) error
}

// MRCWriter writes MRC-2014 files.
type MRCWriter struct {
	// Float16 writes mode 12 files, instead of mode 2 (float32).
	Float16 bool

	// Labels added to the header, after the run label.
	Labels []string

	// RunID identifies the maps written by the same run in the labels. A random one is generated
	// on first use if empty.
	RunID string

	once sync.Once
}

var _ Writer = (*MRCWriter)(nil)

// WriteVolume implements Writer.
func (w *MRCWriter) WriteVolume(path string, data []float32, xsize int, samplingRate float64) error {
	vol, err := mrc.New(data, xsize, samplingRate)
	if err != nil {
		return err
	}
	if w.Float16 {
		vol.Mode = mrc.ModeFloat16
	}
	w.once.Do(func() {
		if w.RunID == "" {
			w.RunID = uuid.NewString()
		}
	})
	vol.Labels = append([]string{"cryosiren run " + w.RunID}, w.Labels...)
	if len(vol.Labels) > 10 {
		vol.Labels = vol.Labels[:10]
	}
	return mrc.WriteFile(path, vol)
}

// WriteAll writes the volumes to dir, naming them with pattern (a format with one integer verb,
// numbered from 1), in parallel. It returns the paths written.
func WriteAll(w Writer, dir, pattern string, vols [][]float32, xsize int, samplingRate float64, opts Options) ([]string, error) {
	if strings.Count(pattern, "%") != 1 {
		return nil, errors.Errorf("volume.WriteAll: pattern %q must have exactly one integer verb", pattern)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating output directory %q", dir)
	}
	paths := make([]string, len(vols))
	for ii := range vols {
		paths[ii] = filepath.Join(dir, fmt.Sprintf(pattern, ii+1))
	}
	err := opts.pool().Run(len(vols), func(ii int) error {
		return w.WriteVolume(paths[ii], vols[ii], xsize, samplingRate)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "volume.WriteAll")
	}
	return paths, nil
}

// Normalization of the original map before it is added to the decoded volumes.
type Normalization int

const (
	// NormalizeNone adds the original map as is.
	NormalizeNone Normalization = iota

	// NormalizeMoments matches the mean and standard deviation of the decoded volume.
	NormalizeMoments

	// NormalizeHistogram matches the histogram of the decoded volume.
	NormalizeHistogram
)

var normalizationNames = []string{"none", "moments", "histogram"}

// String implements fmt.Stringer.
func (n Normalization) String() string {
	if n < 0 || int(n) >= len(normalizationNames) {
		return fmt.Sprintf("Normalization(%d)", int(n))
	}
	return normalizationNames[n]
}

// ParseNormalization converts a normalization name to a Normalization.
func ParseNormalization(name string) (Normalization, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for ii, s := range normalizationNames {
		if s == lower {
			return Normalization(ii), nil
		}
	}
	return 0, errors.Errorf("unknown volume normalization %q, valid values are %q", name, normalizationNames)
}

// MarshalText implements encoding.TextMarshaler.
func (n Normalization) MarshalText() ([]byte, error) {
	if n < 0 || int(n) >= len(normalizationNames) {
		return nil, errors.Errorf("invalid volume normalization %d", int(n))
	}
	return []byte(normalizationNames[n]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Normalization) UnmarshalText(text []byte) error {
	parsed, err := ParseNormalization(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// AddToOriginal adds the original map of the particles directory dir (particles.VolumeFile) to each
// of the volumes, normalized to it as configured. If dir has no original map it is a no-op
// and it returns false.
func AddToOriginal(dir string, vols [][]float32, xsize int, norm Normalization) (bool, error) {
	path := filepath.Join(dir, particles.VolumeFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		klog.V(1).Infof("no original map %q, the decoded volumes are kept as they are", path)
		return false, nil
	}
	original, err := mrc.ReadFile(path)
	if err != nil {
		return false, err
	}
	if original.NX != xsize || original.NY != xsize || original.NZ != xsize {
		return false, errors.Errorf("original map %q is %dx%dx%d, expected a cube of side %d",
			path, original.NX, original.NY, original.NZ, xsize)
	}
	for ii, vol := range vols {
		if len(vol) != len(original.Data) {
			return false, errors.Errorf("volume #%d has %d values, expected %d", ii, len(vol), len(original.Data))
		}
		reference := original.Data
		switch norm {
		case NormalizeNone:
		case NormalizeMoments:
			reference = NormalizeToOther(vol, original.Data)
		case NormalizeHistogram:
			reference = MatchHistograms(original.Data, vol)
		default:
			return false, errors.Errorf("invalid normalization %s", norm)
		}
		for jj, v := range reference {
			vol[jj] += v
		}
	}
	return true, nil
}
