// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mrc

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	data := make([]float32, 27)
	for ii := range data {
		data[ii] = float32(ii)*0.5 - 3
	}
	vol, err := New(data, 3, 1.5)
	require.NoError(t, err)
	vol.Labels = []string{"cryosiren test"}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, vol))
	assert.Equal(t, headerSize+4*27, buf.Len())

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, got.NX)
	assert.Equal(t, 3, got.NZ)
	assert.Equal(t, ModeFloat32, got.Mode)
	assert.InDelta(t, 1.5, got.VoxelSize, 1e-6)
	assert.Equal(t, []string{"cryosiren test"}, got.Labels)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, data[9:12], got.Slice(1)[0])

	// Half precision.
	vol.Mode = ModeFloat16
	path := filepath.Join(t.TempDir(), "half.mrc")
	require.NoError(t, WriteFile(path, vol))
	got, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ModeFloat16, got.Mode)
	assert.InDeltaSlice(t, data, got.Data, 1e-2)

	_, err = New(data, 4, 1)
	require.Error(t, err)
	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.mrc"))
	require.Error(t, err)
}
