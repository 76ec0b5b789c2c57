// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/cryosiren/pkg/imageformation"
	"github.com/gomlx/cryosiren/pkg/projection"
)

const (
	// L1DistanceScale multiplies the radially weighted L1 norm.
	L1DistanceScale = 0.01

	// AcosClamp keeps the arccos input strictly inside (-1, 1).
	AcosClamp = 1 - 1e-7

	// RepulsionEpsilon is added to the angular distances of UniformDistribution.
	RepulsionEpsilon = 1e-4
)

func checkValues(name string, values *Node) {
	if values.Rank() != 2 {
		Panicf("%s requires values shaped [batchSize, numVoxels], got %s", name, values.Shape())
	}
}

// L1Density returns the batch mean of the L1 norm of each density [batchSize, numVoxels],
// divided by totalVoxels. It returns a scalar.
func L1Density(values *Node, totalVoxels int) *Node {
	checkValues("L1Density", values)
	return DivScalar(ReduceAllMean(ReduceSum(Abs(values), 1)), float64(totalVoxels))
}

// L1DistanceNorm weights each voxel's absolute density by its squared distance to the
// center, normalized by the total mass times the number of spatial dimensions (3). It returns a
// value per sample [batchSize].
//
// values are shaped [batchSize, numVoxels], coords [numVoxels, 3].
func L1DistanceNorm(values, coords *Node) *Node {
	checkValues("L1DistanceNorm", values)
	numVoxels := values.Shape().Dimensions[1]
	if coords.Rank() != 2 || coords.Shape().Dimensions[0] != numVoxels || coords.Shape().Dimensions[1] != 3 {
		Panicf("L1DistanceNorm requires coords shaped [%d, 3], got %s", numVoxels, coords.Shape())
	}
	coords = ConvertDType(coords, values.DType())
	r := ExpandAxes(ReduceSum(Square(coords), 1), 0)
	absValues := Abs(values)
	mass := MulScalar(ReduceSum(absValues, 1), float64(coords.Shape().Dimensions[1]))
	weighted := ReduceSum(Mul(absValues, BroadcastToDims(r, values.Shape().Dimensions...)), 1)
	return MulScalar(imageformation.DivideNoNaN(weighted, mass), L1DistanceScale)
}

// DensitySmoothness scatters the densities values [batchSize, numVoxels] at indices [numVoxels, 3]
// on cubic volumes of side xsize, and returns the per-sample total variation and mean squared
// difference of neighboring voxels, both shaped [batchSize].
//
// The total variation is the sum of absolute differences divided by xsize³, and the squared
// differences are divided by 2·xsize²-2·xsize.
func DensitySmoothness(indices, values *Node, xsize int) (tv, mse *Node) {
	checkValues("DensitySmoothness", values)
	volumes := projection.ScatterVolume(indices, values, xsize)
	var sumAbs, sumSquares *Node
	for axis := 1; axis <= 3; axis++ {
		diff := ConsecutiveDifference(volumes, axis, false)
		a := ReduceSum(Abs(diff), 1, 2, 3)
		s := ReduceSum(Square(diff), 1, 2, 3)
		if sumAbs == nil {
			sumAbs, sumSquares = a, s
		} else {
			sumAbs, sumSquares = Add(sumAbs, a), Add(sumSquares, s)
		}
	}
	x := float64(xsize)
	tv = DivScalar(sumAbs, x*x*x)
	mse = DivScalar(sumSquares, 2*x*x-2*x)
	return
}

// NegativePenalty returns the mean absolute value of the negative entries of values, or 0 if
// there are none. It returns a scalar.
func NegativePenalty(values *Node) *Node {
	isNegative := LessThan(values, ZerosLike(values))
	negatives := Where(isNegative, Neg(values), ZerosLike(values))
	count := ReduceAllSum(ConvertDType(isNegative, values.DType()))
	return imageformation.DivideNoNaN(ReduceAllSum(negatives), count)
}

// UnitNorm returns ½·(mean‖a‖² + mean‖b‖²) for the two 3D vectors a and b packed in rows
// [batchSize, 6]. It returns a scalar.
func UnitNorm(rows *Node) *Node {
	if rows.Rank() != 2 || rows.Shape().Dimensions[1] != 6 {
		Panicf("UnitNorm requires rows shaped [batchSize, 6], got %s", rows.Shape())
	}
	n1 := ReduceSum(Square(SliceAxis(rows, 1, AxisRange(0, 3))), 1)
	n2 := ReduceSum(Square(SliceAxis(rows, 1, AxisRange(3, 6))), 1)
	return MulScalar(Add(ReduceAllMean(n1), ReduceAllMean(n2)), 0.5)
}

// acosCoefficients approximate arccos(x)/sqrt(1-x) for 0 <= x <= 1, with an absolute error
// below 2e-8 (Abramowitz & Stegun 4.4.46).
var acosCoefficients = []float64{
	1.5707963050, -0.2145988016, 0.0889789874, -0.0501743046,
	0.0308918810, -0.0170881256, 0.0066700901, -0.0012624911,
}

// SafeAcos returns arccos(x), with x first clamped to [-AcosClamp, AcosClamp], so both the
// value and its gradient are finite.
func SafeAcos(x *Node) *Node {
	x = ClipScalar(x, -AcosClamp, AcosClamp)
	absX := Abs(x)
	poly := Scalar(x.Graph(), x.DType(), acosCoefficients[len(acosCoefficients)-1])
	for ii := len(acosCoefficients) - 2; ii >= 0; ii-- {
		poly = AddScalar(Mul(poly, absX), acosCoefficients[ii])
	}
	positive := Mul(Sqrt(OneMinus(absX)), poly)
	negative := Sub(Scalar(x.Graph(), x.DType(), math.Pi), positive)
	return Where(LessThan(x, ZerosLike(x)), negative, positive)
}

// UniformDistribution encourages the unit vectors [batchSize, 3] to spread uniformly on the
// sphere: it returns the mean over distinct pairs of 1/(θ+ε), where θ is the angle between the
// pair. It returns a scalar, 0 if batchSize < 2.
func UniformDistribution(vectors *Node) *Node {
	g := vectors.Graph()
	if vectors.Rank() != 2 || vectors.Shape().Dimensions[1] != 3 {
		Panicf("UniformDistribution requires vectors shaped [batchSize, 3], got %s", vectors.Shape())
	}
	batchSize := vectors.Shape().Dimensions[0]
	if batchSize < 2 {
		return Scalar(g, vectors.DType(), 0)
	}
	cosine := Einsum("ik,jk->ij", vectors, vectors)
	repulsion := Inverse(AddScalar(SafeAcos(cosine), RepulsionEpsilon))
	notDiagonal := Not(Equal(Iota(g, shapes.Make(dtypes.Int32, batchSize, batchSize), 0),
		Iota(g, shapes.Make(dtypes.Int32, batchSize, batchSize), 1)))
	repulsion = Where(notDiagonal, repulsion, ZerosLike(repulsion))
	b := float64(batchSize)
	return DivScalar(ReduceAllSum(repulsion), b*(b-1))
}

// neighborsKernel counts the face and edge neighbors of a voxel (18-connectivity).
var neighborsKernel = []float32{
	0, 1, 0, 1, 1, 1, 0, 1, 0,
	1, 1, 1, 1, 0, 1, 1, 1, 1,
	0, 1, 0, 1, 1, 1, 0, 1, 0,
}

// ConnectedComponentPenalty counts the isolated voxels of each density: voxels above
// threshold·max(values) with at most one face or edge neighbor also above it. It returns
// max(0, count-1) per sample [batchSize].
//
// values are shaped [batchSize, numVoxels], indices [numVoxels, 3] (z, y, x) in a cube of side xsize.
// The penalty is piecewise constant, so it carries no gradient.
func ConnectedComponentPenalty(indices, values *Node, xsize int, threshold float64) *Node {
	checkValues("ConnectedComponentPenalty", values)
	g := values.Graph()
	dtype := values.DType()
	volumes := projection.ScatterVolume(indices, StopGradient(values), xsize)
	cut := MulScalar(ReduceAllMax(values), threshold)
	binary := ConvertDType(GreaterThan(volumes, BroadcastToDims(StopGradient(cut), volumes.Shape().Dimensions...)), dtype)
	binary = ExpandAxes(binary, -1)
	kernel := ConvertDType(Reshape(Const(g, neighborsKernel), 3, 3, 3, 1, 1), dtype)
	neighbors := Convolve(binary, kernel).Strides(1).PadSame().Done()
	isolated := Mul(ConvertDType(LessThan(neighbors, Scalar(g, dtype, 1.5)), dtype), binary)
	count := ReduceSum(isolated, 1, 2, 3, 4)
	return MaxScalar(AddScalar(count, -1), 0)
}

// Diversity returns minus the mean (over features) of the variance over the batch of
// predictions [batchSize, ...]. Minimizing it increases the spread of the predictions.
func Diversity(predictions *Node) *Node {
	predictions = flattenBatch(predictions)
	centered := Sub(predictions, ReduceAndKeep(predictions, ReduceMean, 0))
	variance := ReduceMean(Square(centered), 0)
	return Neg(ReduceAllMean(variance))
}
