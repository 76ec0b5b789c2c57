// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package particles

import (
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/cryosiren/pkg/mrc"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files in a particles directory.
const (
	MetadataFile = "metadata.csv"
	StackFile    = "particles.mrcs"
	MaskFile     = "mask.png"
	VolumeFile   = "volume.mrc"
)

// Metadata CSV columns.
const (
	ColImage        = "image"
	ColRot          = "rot"
	ColTilt         = "tilt"
	ColPsi          = "psi"
	ColShiftX       = "shift_x"
	ColShiftY       = "shift_y"
	ColDefocusU     = "defocus_u"
	ColDefocusV     = "defocus_v"
	ColDefocusAngle = "defocus_angle"
	ColCs           = "cs"
	ColVoltage      = "voltage"

	ColLatentSpace = "latent_space"
	ColClass       = "class"
)

var metadataTypes = map[string]series.Type{
	ColImage: series.String,
	ColRot:   series.Float, ColTilt: series.Float, ColPsi: series.Float,
	ColShiftX: series.Float, ColShiftY: series.Float,
	ColDefocusU: series.Float, ColDefocusV: series.Float, ColDefocusAngle: series.Float,
	ColCs: series.Float, ColVoltage: series.Float,
}

func floatColumn(df dataframe.DataFrame, name string) []float32 {
	values := df.Col(name).Float()
	out := make([]float32, len(values))
	for ii, v := range values {
		out[ii] = float32(v)
	}
	return out
}

// ReadMetadata parses the metadata CSV. Angle columns are required, shifts default to zero
// and the CTF columns are all-or-nothing.
func ReadMetadata(r io.Reader) (*Metadata, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.WithTypes(metadataTypes))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "parsing particles metadata CSV")
	}
	names := df.Names()
	has := func(col string) bool { return slices.Contains(names, col) }
	for _, col := range []string{ColRot, ColTilt, ColPsi} {
		if !has(col) {
			return nil, errors.Errorf("particles metadata is missing the %q column", col)
		}
	}
	n := df.Nrow()
	meta := &Metadata{
		Rot:           floatColumn(df, ColRot),
		Tilt:          floatColumn(df, ColTilt),
		Psi:           floatColumn(df, ColPsi),
		ReferencePose: true,
	}
	for col, dst := range map[string]*[]float32{ColShiftX: &meta.ShiftX, ColShiftY: &meta.ShiftY} {
		if has(col) {
			*dst = floatColumn(df, col)
		} else {
			*dst = make([]float32, n)
		}
	}
	if has(ColImage) {
		meta.Images = df.Col(ColImage).Records()
	}
	ctfCols := []string{ColDefocusU, ColDefocusV, ColDefocusAngle, ColCs, ColVoltage}
	numCTF := 0
	for _, col := range ctfCols {
		if has(col) {
			numCTF++
		}
	}
	switch numCTF {
	case 0:
	case len(ctfCols):
		meta.DefocusU = floatColumn(df, ColDefocusU)
		meta.DefocusV = floatColumn(df, ColDefocusV)
		meta.DefocusAngle = floatColumn(df, ColDefocusAngle)
		meta.Cs = floatColumn(df, ColCs)
		if n > 0 {
			meta.Voltage = df.Col(ColVoltage).Float()[0]
		}
	default:
		return nil, errors.Errorf("particles metadata has only some of the CTF columns %v", ctfCols)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Predictions are the per-particle outputs of a model, written as extra metadata columns.
// Any of the fields may be nil.
type Predictions struct {
	// Latent codes, one per particle.
	Latent [][]float32

	// DeltaAngles (rot, tilt, psi) in degrees, added to the input angles.
	DeltaAngles [][3]float32

	// DeltaShifts (x, y) in pixels, added to the input shifts.
	DeltaShifts [][2]float32

	// Class of each particle, numbered from 1 like the decoded maps.
	Class []int
}

// WriteMetadata writes the metadata CSV with the prediction columns latent_space (space separated
// values), delta_angle_rot, delta_angle_tilt, delta_angle_psi, delta_shift_x, delta_shift_y and class.
func WriteMetadata(w io.Writer, meta *Metadata, pred *Predictions) error {
	n := meta.Len()
	toFloat64 := func(values []float32) []float64 {
		out := make([]float64, len(values))
		for ii, v := range values {
			out[ii] = float64(v)
		}
		return out
	}
	var cols []series.Series
	if len(meta.Images) > 0 {
		cols = append(cols, series.New(meta.Images, series.String, ColImage))
	}
	for _, col := range []struct {
		name   string
		values []float32
	}{
		{ColRot, meta.Rot}, {ColTilt, meta.Tilt}, {ColPsi, meta.Psi},
		{ColShiftX, meta.ShiftX}, {ColShiftY, meta.ShiftY},
	} {
		cols = append(cols, series.New(toFloat64(col.values), series.Float, col.name))
	}
	if meta.HasCTF() {
		voltage := make([]float64, n)
		for ii := range voltage {
			voltage[ii] = meta.Voltage
		}
		cols = append(cols,
			series.New(toFloat64(meta.DefocusU), series.Float, ColDefocusU),
			series.New(toFloat64(meta.DefocusV), series.Float, ColDefocusV),
			series.New(toFloat64(meta.DefocusAngle), series.Float, ColDefocusAngle),
			series.New(toFloat64(meta.Cs), series.Float, ColCs),
			series.New(voltage, series.Float, ColVoltage))
	}
	if pred != nil && pred.Latent != nil {
		if len(pred.Latent) != n {
			return errors.Errorf("WriteMetadata: %d latent codes for %d particles", len(pred.Latent), n)
		}
		latents := make([]string, n)
		for ii, z := range pred.Latent {
			parts := make([]string, len(z))
			for jj, v := range z {
				parts[jj] = strconv.FormatFloat(float64(v), 'g', 7, 32)
			}
			latents[ii] = strings.Join(parts, " ")
		}
		cols = append(cols, series.New(latents, series.String, ColLatentSpace))
	}
	if pred != nil && pred.DeltaAngles != nil {
		if len(pred.DeltaAngles) != n {
			return errors.Errorf("WriteMetadata: %d angle deltas for %d particles", len(pred.DeltaAngles), n)
		}
		for axis, name := range []string{"delta_angle_rot", "delta_angle_tilt", "delta_angle_psi"} {
			values := make([]float64, n)
			for ii, d := range pred.DeltaAngles {
				values[ii] = float64(d[axis])
			}
			cols = append(cols, series.New(values, series.Float, name))
		}
	}
	if pred != nil && pred.DeltaShifts != nil {
		if len(pred.DeltaShifts) != n {
			return errors.Errorf("WriteMetadata: %d shift deltas for %d particles", len(pred.DeltaShifts), n)
		}
		for axis, name := range []string{"delta_shift_x", "delta_shift_y"} {
			values := make([]float64, n)
			for ii, d := range pred.DeltaShifts {
				values[ii] = float64(d[axis])
			}
			cols = append(cols, series.New(values, series.Float, name))
		}
	}
	if pred != nil && pred.Class != nil {
		if len(pred.Class) != n {
			return errors.Errorf("WriteMetadata: %d classes for %d particles", len(pred.Class), n)
		}
		cols = append(cols, series.New(pred.Class, series.Int, ColClass))
	}
	df := dataframe.New(cols...)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building metadata dataframe")
	}
	return errors.Wrap(df.WriteCSV(w), "writing metadata CSV")
}

// WriteMetadataFile writes the metadata CSV to path, see WriteMetadata.
func WriteMetadataFile(path string, meta *Metadata, pred *Predictions) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err = WriteMetadata(f, meta, pred); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// readGrayImage decodes an image file as gray levels in [0, 1], row-major. Images that are not
// size×size are resized.
func readGrayImage(path string, size int) ([]float32, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image %q", path)
	}
	gray := imaging.Grayscale(img)
	if b := gray.Bounds(); size > 0 && (b.Dx() != size || b.Dy() != size) {
		klog.Warningf("Image %q is %dx%d, resizing to %dx%d", path, b.Dx(), b.Dy(), size, size)
		gray = imaging.Resize(gray, size, size, imaging.Lanczos)
	}
	return grayPixels(gray), nil
}

func grayPixels(img *image.NRGBA) []float32 {
	b := img.Bounds()
	pixels := make([]float32, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			pixels = append(pixels, float32(img.Pix[img.PixOffset(x, y)])/255)
		}
	}
	return pixels
}

// NormalizeImage shifts and scales the pixels in place to zero mean and unit standard deviation.
// Constant images are only centered.
func NormalizeImage(pixels []float32) {
	var sum, sum2 float64
	for _, p := range pixels {
		sum += float64(p)
		sum2 += float64(p) * float64(p)
	}
	n := float64(len(pixels))
	mean := sum / n
	std := math.Sqrt(max(sum2/n-mean*mean, 0))
	for ii, p := range pixels {
		v := float64(p) - mean
		if std > 1e-12 {
			v /= std
		}
		pixels[ii] = float32(v)
	}
}

// LoadDirectory loads a particles directory:
//
//   - metadata.csv: the particle metadata, see ReadMetadata;
//   - particles.mrcs: an MRC stack with the images, in the metadata order; if absent, each
//     particle image is read from the file named in the "image" column (PNG, relative to dir);
//   - mask.png: optional image mask, any non-zero pixel is inside the mask;
//   - volume.mrc: optional base volume. Its values inside the sphere inscribed in the volume
//     are the base density of the grid, which is zero otherwise.
//
// Images are normalized to zero mean and unit standard deviation.
func LoadDirectory(dir string, opts StackOptions) (*Stack, error) {
	f, err := os.Open(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, errors.Wrapf(err, "opening particles metadata in %q", dir)
	}
	meta, err := ReadMetadata(f)
	_ = f.Close()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", dir)
	}
	n := meta.Len()
	if n == 0 {
		return nil, errors.Errorf("no particles in %q", dir)
	}

	var size int
	var images []float32
	if stack, err := mrc.ReadFile(filepath.Join(dir, StackFile)); err == nil {
		if stack.NZ != n || stack.NX != stack.NY {
			return nil, errors.Errorf("%s has %d images of %dx%d, expected %d square images", StackFile, stack.NZ, stack.NX, stack.NY, n)
		}
		size, images = stack.NX, stack.Data
		if opts.SamplingRate <= 0 && stack.VoxelSize > 0 {
			opts.SamplingRate = stack.VoxelSize
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	} else {
		if len(meta.Images) != n {
			return nil, errors.Errorf("%q has neither %s nor an %q column", dir, StackFile, ColImage)
		}
		for ii, name := range meta.Images {
			pixels, err := readGrayImage(filepath.Join(dir, name), size)
			if err != nil {
				return nil, err
			}
			if ii == 0 {
				size = int(math.Round(math.Sqrt(float64(len(pixels)))))
				if size*size != len(pixels) {
					return nil, errors.Errorf("particle image %q is not square", name)
				}
				images = make([]float32, 0, n*size*size)
			}
			images = append(images, pixels...)
		}
	}
	pixels := size * size
	for ii := range n {
		NormalizeImage(images[ii*pixels : (ii+1)*pixels])
	}

	if opts.Mask == nil {
		maskPath := filepath.Join(dir, MaskFile)
		if _, err := os.Stat(maskPath); err == nil {
			mask, err := readGrayImage(maskPath, size)
			if err != nil {
				return nil, err
			}
			for ii, v := range mask {
				if v > 0 {
					mask[ii] = 1
				}
			}
			opts.Mask = mask
		}
	}

	var base []float32
	if vol, err := mrc.ReadFile(filepath.Join(dir, VolumeFile)); err == nil {
		if vol.NX != size || vol.NY != size || vol.NZ != size {
			return nil, errors.Errorf("%s is %dx%dx%d, expected a cube of side %d", VolumeFile, vol.NX, vol.NY, vol.NZ, size)
		}
		base = vol.Data
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	} else {
		klog.V(1).Infof("No %s in %q, base density is zero", VolumeFile, dir)
	}
	grid, err := NewSphereGrid(size, float64(size)/2, base)
	if err != nil {
		return nil, err
	}
	klog.Infof("Loaded %d particles of %dx%d from %q, %d voxels", n, size, size, dir, grid.TotalVoxels())
	return NewStack(meta, grid, images, size, opts)
}
