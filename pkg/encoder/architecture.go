// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"strings"

	"github.com/pkg/errors"
)

// Architecture of the encoder backbone.
type Architecture int

const (
	// ConvNN is a small residual convolutional network over blurred, Fourier-resized images.
	ConvNN Architecture = iota

	// DeepConv is a wider and deeper version of ConvNN.
	DeepConv

	// MLPNN flattens the images and uses only dense layers.
	MLPNN
)

var architectureNames = []string{"convnn", "deepconv", "mlpnn"}

// String implements fmt.Stringer.
func (a Architecture) String() string {
	if a < 0 || int(a) >= len(architectureNames) {
		return "Architecture(invalid)"
	}
	return architectureNames[a]
}

// ParseArchitecture converts an architecture name ("convnn", "deepconv" or "mlpnn") to an Architecture.
func ParseArchitecture(name string) (Architecture, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, known := range architectureNames {
		if name == known {
			return Architecture(ii), nil
		}
	}
	return ConvNN, errors.Errorf("unknown encoder architecture %q, valid values are %q", name, architectureNames)
}

// MarshalText implements encoding.TextMarshaler.
func (a Architecture) MarshalText() ([]byte, error) {
	if a < 0 || int(a) >= len(architectureNames) {
		return nil, errors.Errorf("invalid encoder architecture %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Architecture) UnmarshalText(text []byte) error {
	parsed, err := ParseArchitecture(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
