// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageformation

import (
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// CTFMode selects how the contrast transfer function is handled by a model.
type CTFMode int

const (
	// CTFNone ignores the CTF: neither projections nor images are corrected.
	CTFNone CTFMode = iota

	// CTFApply corrupts the predicted projections with the CTF before comparing them to the images.
	CTFApply

	// CTFWiener corrects the input images with a Wiener filter before encoding and comparing.
	CTFWiener
)

var ctfModeNames = map[CTFMode]string{
	CTFNone:   "none",
	CTFApply:  "apply",
	CTFWiener: "wiener",
}

// String implements fmt.Stringer.
func (m CTFMode) String() string {
	if name, found := ctfModeNames[m]; found {
		return name
	}
	return "CTFMode(invalid)"
}

// ParseCTFMode converts a name ("none", "apply" or "wiener") to a CTFMode.
// An empty string is parsed as CTFNone.
func ParseCTFMode(name string) (CTFMode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return CTFNone, nil
	}
	for mode, modeName := range ctfModeNames {
		if modeName == name {
			return mode, nil
		}
	}
	return CTFNone, errors.Errorf("unknown CTF mode %q, valid values are \"none\", \"apply\" or \"wiener\"", name)
}

// MarshalText implements encoding.TextMarshaler.
func (m CTFMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *CTFMode) UnmarshalText(text []byte) error {
	parsed, err := ParseCTFMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// AmplitudeContrast is the fraction of amplitude contrast used in the CTF model.
const AmplitudeContrast = 0.1

// CTFParams holds the per-particle CTF parameters of a batch, as graph nodes shaped [batchSize].
// Defocus values are in Ångströms, DefocusAngle in degrees and Cs (spherical aberration) in mm.
type CTFParams struct {
	DefocusU, DefocusV, DefocusAngle, Cs *Node

	// Voltage of the microscope in kV.
	Voltage float64
}

// ElectronWavelength returns the relativistic electron wavelength in Ångströms for the given
// acceleration voltage in kV.
func ElectronWavelength(kV float64) float64 {
	v := kV * 1e3
	return 12.2643247 / math.Sqrt(v*(1+v*0.978466e-6))
}

// frequencyGrid returns, for a centered n×n spectrum, the squared spatial frequency
// (in 1/Å²) and the frequency angle (radians) of each element.
func frequencyGrid(n int, samplingRate float64) (freq2, angle []float32) {
	freq2 = make([]float32, n*n)
	angle = make([]float32, n*n)
	for i := range n {
		fy := float64(i-n/2) / (float64(n) * samplingRate)
		for j := range n {
			fx := float64(j-n/2) / (float64(n) * samplingRate)
			freq2[i*n+j] = float32(fx*fx + fy*fy)
			angle[i*n+j] = float32(math.Atan2(fy, fx))
		}
	}
	return
}

// ComputeCTF returns the centered CTF [batchSize, padFactor*size, padFactor*size] for
// the particles described by params.
//
// samplingRate is given in Å/pixel. If apply is false, a CTF of ones is returned, so
// callers don't need to special case sources without CTF information.
func ComputeCTF(g *Graph, params CTFParams, samplingRate float64, padFactor, size int, apply bool) *Node {
	if params.DefocusU == nil {
		Panicf("ComputeCTF requires DefocusU to be set")
	}
	batchSize := params.DefocusU.Shape().Dimensions[0]
	n := padFactor * size
	dtype := params.DefocusU.DType()
	if !apply {
		return Ones(g, shapes.Make(dtype, batchSize, n, n))
	}
	for name, node := range map[string]*Node{"DefocusV": params.DefocusV, "DefocusAngle": params.DefocusAngle, "Cs": params.Cs} {
		if node == nil || node.Shape().Dimensions[0] != batchSize {
			Panicf("ComputeCTF: %s must be set and have the batch size %d", name, batchSize)
		}
	}

	freq2Host, angleHost := frequencyGrid(n, samplingRate)
	freq2 := ConvertDType(Reshape(Const(g, freq2Host), 1, n, n), dtype)
	angle := ConvertDType(Reshape(Const(g, angleHost), 1, n, n), dtype)

	perParticle := func(x *Node) *Node { return Reshape(x, batchSize, 1, 1) }
	defocusU, defocusV := perParticle(params.DefocusU), perParticle(params.DefocusV)
	defocusAngle := MulScalar(perParticle(params.DefocusAngle), math.Pi/180)
	cs := MulScalar(perParticle(params.Cs), 1e7) // mm -> Å

	// Astigmatic defocus at each frequency angle.
	meanDefocus := MulScalar(Add(defocusU, defocusV), 0.5)
	halfDiff := MulScalar(Sub(defocusU, defocusV), 0.5)
	defocus := Add(meanDefocus, Mul(halfDiff, Cos(MulScalar(Sub(angle, defocusAngle), 2))))

	lambda := ElectronWavelength(params.Voltage)
	chi := Sub(
		MulScalar(Mul(defocus, freq2), math.Pi*lambda),
		MulScalar(Mul(cs, Square(freq2)), 0.5*math.Pi*lambda*lambda*lambda))
	q := AmplitudeContrast
	ctf := Neg(Add(MulScalar(Sin(chi), math.Sqrt(1-q*q)), MulScalar(Cos(chi), q)))
	return ctf
}

// FilterImageWithCTF corrupts images [batchSize, size, size] with the centered ctf
// [batchSize, padFactor*size, padFactor*size] by multiplication in Fourier space.
func FilterImageWithCTF(images, ctf *Node, padFactor int) *Node {
	size := images.Shape().Dimensions[images.Rank()-1]
	n := padFactor * size
	assertCTFShape(ctf, n)
	spectrum := CenteredFFT2D(images, n)
	spectrum = Mul(spectrum, ConvertDType(ctf, spectrum.DType()))
	return ConvertDType(CenteredInverseFFT2D(spectrum, size), images.DType())
}

// WienerEpsilonFactor is the fraction of the mean CTF² used to regularize the Wiener filter.
const WienerEpsilonFactor = 0.1

// Wiener2D corrects images [batchSize, size, size] with a Wiener filter built from the centered
// ctf: F·ctf/(ctf²+ε), with ε = WienerEpsilonFactor·mean(ctf²) per image.
// Frequencies where the denominator vanishes are zeroed instead of producing NaN/Inf.
func Wiener2D(images, ctf *Node, padFactor int) *Node {
	size := images.Shape().Dimensions[images.Rank()-1]
	n := padFactor * size
	assertCTFShape(ctf, n)
	ctf2 := Square(ctf)
	epsilon := MulScalar(ReduceAndKeep(ctf2, ReduceMean, 1, 2), WienerEpsilonFactor)
	filter := DivideNoNaN(ctf, Add(ctf2, epsilon))
	spectrum := CenteredFFT2D(images, n)
	spectrum = Mul(spectrum, ConvertDType(filter, spectrum.DType()))
	return ConvertDType(CenteredInverseFFT2D(spectrum, size), images.DType())
}

func assertCTFShape(ctf *Node, n int) {
	dims := ctf.Shape().Dimensions
	if ctf.Rank() != 3 || dims[1] != n || dims[2] != n {
		Panicf("CTF must be shaped [batchSize, %d, %d], got %s", n, n, ctf.Shape())
	}
}
