// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mrc reads and writes MRC-2014 files: volumes and image stacks stored as a 1024 bytes
// header followed by the voxel values, with x varying fastest, then y, then z.
//
// Only the real-valued modes used by reconstructions are supported: 2 (float32) and 12 (float16).
package mrc

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Mode is the data type of the voxel values.
type Mode int32

const (
	ModeFloat32 Mode = 2
	ModeFloat16 Mode = 12
)

const (
	headerSize   = 1024
	numLabels    = 10
	labelSize    = 80
	versionMRC14 = 20140
)

// Volume holds the dimensions and data of an MRC file.
type Volume struct {
	// NX, NY and NZ are the number of columns, rows and sections (images, for a stack).
	NX, NY, NZ int

	// Mode to use when writing. Reading converts any supported mode to float32.
	Mode Mode

	// VoxelSize in Å.
	VoxelSize float64

	// Labels are free text annotations, at most 10 of 80 characters each.
	Labels []string

	// Data with NX*NY*NZ values, x varying fastest.
	Data []float32
}

// New creates a cubic float32 volume of side xsize from data, which must have xsize³ values.
func New(data []float32, xsize int, voxelSize float64) (*Volume, error) {
	if len(data) != xsize*xsize*xsize {
		return nil, errors.Errorf("mrc.New: %d values for a volume of side %d (%d voxels)", len(data), xsize, xsize*xsize*xsize)
	}
	return &Volume{NX: xsize, NY: xsize, NZ: xsize, Mode: ModeFloat32, VoxelSize: voxelSize, Data: data}, nil
}

// Stats returns the minimum, maximum, mean and RMS deviation of the data.
func (v *Volume) Stats() (minV, maxV, mean, rms float64) {
	if len(v.Data) == 0 {
		return
	}
	minV, maxV = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, x := range v.Data {
		f := float64(x)
		minV = math.Min(minV, f)
		maxV = math.Max(maxV, f)
		sum += f
	}
	mean = sum / float64(len(v.Data))
	for _, x := range v.Data {
		d := float64(x) - mean
		rms += d * d
	}
	rms = math.Sqrt(rms / float64(len(v.Data)))
	return
}

// Write the volume in MRC-2014 format.
func Write(w io.Writer, v *Volume) error {
	if v.NX <= 0 || v.NY <= 0 || v.NZ <= 0 || len(v.Data) != v.NX*v.NY*v.NZ {
		return errors.Errorf("mrc.Write: invalid volume %dx%dx%d with %d values", v.NX, v.NY, v.NZ, len(v.Data))
	}
	if v.Mode != ModeFloat32 && v.Mode != ModeFloat16 {
		return errors.Errorf("mrc.Write: unsupported mode %d", v.Mode)
	}
	if len(v.Labels) > numLabels {
		return errors.Errorf("mrc.Write: at most %d labels, got %d", numLabels, len(v.Labels))
	}
	le := binary.LittleEndian
	header := make([]byte, headerSize)
	putInt := func(offset int, value int32) { le.PutUint32(header[offset:], uint32(value)) }
	putFloat := func(offset int, value float64) { le.PutUint32(header[offset:], math.Float32bits(float32(value))) }

	putInt(0, int32(v.NX))
	putInt(4, int32(v.NY))
	putInt(8, int32(v.NZ))
	putInt(12, int32(v.Mode))
	putInt(28, int32(v.NX))
	putInt(32, int32(v.NY))
	putInt(36, int32(v.NZ))
	putFloat(40, float64(v.NX)*v.VoxelSize)
	putFloat(44, float64(v.NY)*v.VoxelSize)
	putFloat(48, float64(v.NZ)*v.VoxelSize)
	for offset := 52; offset <= 60; offset += 4 {
		putFloat(offset, 90)
	}
	putInt(64, 1)
	putInt(68, 2)
	putInt(72, 3)
	minV, maxV, mean, rms := v.Stats()
	putFloat(76, minV)
	putFloat(80, maxV)
	putFloat(84, mean)
	if v.NZ > 1 && v.NX == v.NY && v.NY == v.NZ {
		putInt(88, 1)
	}
	copy(header[104:], "MRCO")
	putInt(108, versionMRC14)
	copy(header[208:], "MAP ")
	header[212], header[213] = 0x44, 0x44
	putFloat(216, rms)
	putInt(220, int32(len(v.Labels)))
	for ii, label := range v.Labels {
		if len(label) > labelSize {
			label = label[:labelSize]
		}
		copy(header[224+ii*labelSize:], label)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "mrc.Write: header")
	}
	switch v.Mode {
	case ModeFloat32:
		buf := make([]byte, 4)
		for _, x := range v.Data {
			le.PutUint32(buf, math.Float32bits(x))
			if _, err := bw.Write(buf); err != nil {
				return errors.Wrap(err, "mrc.Write: data")
			}
		}
	case ModeFloat16:
		buf := make([]byte, 2)
		for _, x := range v.Data {
			le.PutUint16(buf, float16.Fromfloat32(x).Bits())
			if _, err := bw.Write(buf); err != nil {
				return errors.Wrap(err, "mrc.Write: data")
			}
		}
	}
	return errors.Wrap(bw.Flush(), "mrc.Write: flush")
}

// WriteFile writes the volume to path.
func WriteFile(path string, v *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating MRC file %q", path)
	}
	if err = Write(f, v); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing MRC file %q", path)
}

// Read an MRC file. Values are converted to float32.
func Read(r io.Reader) (*Volume, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "mrc.Read: header")
	}
	var order binary.ByteOrder = binary.LittleEndian
	if header[212] == 0x11 {
		order = binary.BigEndian
	}
	getInt := func(offset int) int { return int(int32(order.Uint32(header[offset:]))) }
	getFloat := func(offset int) float64 { return float64(math.Float32frombits(order.Uint32(header[offset:]))) }

	v := &Volume{NX: getInt(0), NY: getInt(4), NZ: getInt(8), Mode: Mode(getInt(12))}
	if v.NX <= 0 || v.NY <= 0 || v.NZ <= 0 {
		return nil, errors.Errorf("mrc.Read: invalid dimensions %dx%dx%d", v.NX, v.NY, v.NZ)
	}
	if mx := getInt(28); mx > 0 {
		v.VoxelSize = getFloat(40) / float64(mx)
	}
	numLabelsUsed := min(max(getInt(220), 0), numLabels)
	for ii := range numLabelsUsed {
		label := string(header[224+ii*labelSize : 224+(ii+1)*labelSize])
		v.Labels = append(v.Labels, strings.TrimRight(label, "\x00 "))
	}
	if extended := getInt(92); extended > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extended)); err != nil {
			return nil, errors.Wrap(err, "mrc.Read: extended header")
		}
	}

	n := v.NX * v.NY * v.NZ
	v.Data = make([]float32, n)
	br := bufio.NewReader(r)
	switch v.Mode {
	case ModeFloat32:
		buf := make([]byte, 4)
		for ii := range v.Data {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, errors.Wrapf(err, "mrc.Read: value #%d of %d", ii, n)
			}
			v.Data[ii] = math.Float32frombits(order.Uint32(buf))
		}
	case ModeFloat16:
		buf := make([]byte, 2)
		for ii := range v.Data {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, errors.Wrapf(err, "mrc.Read: value #%d of %d", ii, n)
			}
			v.Data[ii] = float16.Frombits(order.Uint16(buf)).Float32()
		}
	default:
		return nil, errors.Errorf("mrc.Read: unsupported mode %d", v.Mode)
	}
	return v, nil
}

// ReadFile reads the MRC file at path.
func ReadFile(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening MRC file %q", path)
	}
	defer func() { _ = f.Close() }()
	v, err := Read(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return v, nil
}

// Slice returns the 2D section z (an image, for a stack) as rows [NY][NX].
func (v *Volume) Slice(z int) [][]float32 {
	rows := make([][]float32, v.NY)
	base := z * v.NX * v.NY
	for y := range rows {
		rows[y] = v.Data[base+y*v.NX : base+(y+1)*v.NX]
	}
	return rows
}
