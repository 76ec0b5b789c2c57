// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package projection implements the differentiable projection of a density field, represented as
// a set of 3D points with values, onto 2D images.
//
// Points are rotated, shifted and binned to their nearest pixel, where they are accumulated with a
// soft weight that depends on the sub-pixel distance to the bin. The pose gets gradients through
// those weights, while the values get gradients directly.
//
// Coordinates follow the Xmipp conventions: continuous coordinates are (x, y, z) centered on the
// volume origin, voxel indices are (z, y, x) and image positions are (row=y, col=x).
package projection

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// DefaultSigma is the default standard deviation, in pixels, of the soft scatter weights.
const DefaultSigma = 1.0

// lastAxisElem returns x[..., i] with the last axis removed.
func lastAxisElem(x *Node, i int) *Node {
	return Squeeze(SliceAxis(x, -1, AxisElem(i)), -1)
}

// EulerMatrix returns the rotation matrices [batchSize, 3, 3] for the ZYZ Euler angles
// rot, tilt and psi (each shaped [batchSize], in degrees), in the Xmipp convention.
func EulerMatrix(rot, tilt, psi *Node) *Node {
	if rot.Rank() != 1 || !rot.Shape().Equal(tilt.Shape()) || !rot.Shape().Equal(psi.Shape()) {
		Panicf("EulerMatrix requires rot, tilt and psi shaped [batchSize], got %s, %s and %s",
			rot.Shape(), tilt.Shape(), psi.Shape())
	}
	toRad := math.Pi / 180
	rot, tilt, psi = MulScalar(rot, toRad), MulScalar(tilt, toRad), MulScalar(psi, toRad)
	ca, sa := Cos(rot), Sin(rot)
	cb, sb := Cos(tilt), Sin(tilt)
	cg, sg := Cos(psi), Sin(psi)
	cc, cs := Mul(cb, ca), Mul(cb, sa)
	sc, ss := Mul(sb, ca), Mul(sb, sa)

	row0 := Stack([]*Node{Sub(Mul(cg, cc), Mul(sg, sa)), Add(Mul(cg, cs), Mul(sg, ca)), Neg(Mul(cg, sb))}, -1)
	row1 := Stack([]*Node{Sub(Neg(Mul(sg, cc)), Mul(cg, sa)), Add(Neg(Mul(sg, cs)), Mul(cg, ca)), Mul(sg, sb)}, -1)
	row2 := Stack([]*Node{sc, ss, cb}, -1)
	return Stack([]*Node{row0, row1, row2}, 1)
}

// Cross returns the cross product of a and b over their last axis, which must have dimension 3.
func Cross(a, b *Node) *Node {
	ax, ay, az := lastAxisElem(a, 0), lastAxisElem(a, 1), lastAxisElem(a, 2)
	bx, by, bz := lastAxisElem(b, 0), lastAxisElem(b, 1), lastAxisElem(b, 2)
	return Stack([]*Node{
		Sub(Mul(ay, bz), Mul(az, by)),
		Sub(Mul(az, bx), Mul(ax, bz)),
		Sub(Mul(ax, by), Mul(ay, bx)),
	}, -1)
}

// normalizeLastAxis divides x by its L2 norm over the last axis.
func normalizeLastAxis(x *Node) *Node {
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, -1))
	return Div(x, norm)
}

// GramSchmidt converts the 6D rotation representation rows [batchSize, 6] to rotation matrices
// [batchSize, 3, 3], whose rows are e1 = a/|a|, e2 = the normalized component of b orthogonal
// to e1, and e3 = e1×e2. Here a=rows[:, :3] and b=rows[:, 3:].
func GramSchmidt(rows *Node) *Node {
	if rows.Rank() != 2 || rows.Shape().Dimensions[1] != 6 {
		Panicf("GramSchmidt requires rows shaped [batchSize, 6], got %s", rows.Shape())
	}
	a := SliceAxis(rows, 1, AxisRange(0, 3))
	b := SliceAxis(rows, 1, AxisRange(3, 6))
	e1 := normalizeLastAxis(a)
	dot := ReduceAndKeep(Mul(e1, b), ReduceSum, -1)
	e2 := normalizeLastAxis(Sub(b, Mul(dot, e1)))
	e3 := Cross(e1, e2)
	return Stack([]*Node{e1, e2, e3}, 1)
}

// ApplySymmetry returns r·symᵀ for rotations r [batchSize, 3, 3] and one symmetry matrix sym [3, 3].
func ApplySymmetry(r, sym *Node) *Node {
	return Einsum("bij,kj->bik", r, ConvertDType(sym, r.DType()))
}

// RotateCoords rotates the coordinates coords [numPoints, 3] by each rotation in r [batchSize, 3, 3],
// returning scale·coords·rᵀ shaped [batchSize, numPoints, 3].
func RotateCoords(coords, r *Node, scale float64) *Node {
	if coords.Rank() != 2 || coords.Shape().Dimensions[1] != 3 {
		Panicf("RotateCoords requires coords shaped [numPoints, 3], got %s", coords.Shape())
	}
	rotated := Einsum("nj,bij->bni", ConvertDType(coords, r.DType()), r)
	if scale != 1 {
		rotated = MulScalar(rotated, scale)
	}
	return rotated
}

// ProjectPositions drops the z coordinate of the rotated points [batchSize, numPoints, 3],
// subtracts the per-image shifts [batchSize, 2] (x, y) and moves the origin to the pixel
// origin. It returns image positions [batchSize, numPoints, 2] as (row, col).
func ProjectPositions(rotated, shifts *Node, origin float64) *Node {
	if rotated.Rank() != 3 || shifts.Rank() != 2 || shifts.Shape().Dimensions[1] != 2 {
		Panicf("ProjectPositions requires rotated [batchSize, numPoints, 3] and shifts [batchSize, 2], got %s and %s",
			rotated.Shape(), shifts.Shape())
	}
	shifts = ConvertDType(shifts, rotated.DType())
	x := Sub(lastAxisElem(rotated, 0), SliceAxis(shifts, 1, AxisElem(0)))
	y := Sub(lastAxisElem(rotated, 1), SliceAxis(shifts, 1, AxisElem(1)))
	x, y = AddScalar(x, origin), AddScalar(y, origin)
	return Stack([]*Node{y, x}, -1)
}

// batchCoordinates prefixes each index in indices [batchSize, numPoints, k] with its batch
// position, returning [batchSize, numPoints, k+1].
func batchCoordinates(indices *Node) *Node {
	g := indices.Graph()
	dims := indices.Shape().Dimensions
	batchIdx := Iota(g, shapes.Make(indices.DType(), dims[0], dims[1], 1), 0)
	return Concatenate([]*Node{batchIdx, indices}, -1)
}

// SoftBins returns, for positions [batchSize, numPoints, 2], the nearest pixel bins (int32, clipped to
// [0, size-1]) and the weights exp(-d²/2σ²) where d is the distance to the bin.
// Points outside the image get weight 0. The bins carry no gradient.
func SoftBins(positions *Node, size int, sigma float64) (bins, weights *Node) {
	rounded := StopGradient(Round(positions))
	dist2 := ReduceSum(Square(Sub(positions, rounded)), -1)
	weights = Exp(MulScalar(dist2, -1/(2*sigma*sigma)))

	lower := GreaterOrEqual(rounded, ZerosLike(rounded))
	upper := LessOrEqual(rounded, BroadcastToDims(Scalar(positions.Graph(), rounded.DType(), float64(size-1)), rounded.Shape().Dimensions...))
	inside := allInLastAxis(And(lower, upper))
	weights = Where(inside, weights, ZerosLike(weights))

	bins = ConvertDType(ClipScalar(rounded, 0, float64(size-1)), dtypes.Int32)
	return
}

// allInLastAxis reduces the boolean x over its last axis with a logical "and".
func allInLastAxis(x *Node) *Node {
	minimum := ReduceMin(ConvertDType(x, dtypes.Int32), -1)
	return Equal(minimum, OnesLike(minimum))
}

// ScatterImage projects values [batchSize, numPoints] (or [numPoints], shared by the batch)
// at image positions [batchSize, numPoints, 2] onto size×size images, returning [batchSize, size, size].
//
// Each point is accumulated on its nearest pixel, weighted by SoftBins. Colliding points add up,
// and points outside the image are dropped.
func ScatterImage(positions, values *Node, size int, sigma float64) *Node {
	g := positions.Graph()
	if positions.Rank() != 3 || positions.Shape().Dimensions[2] != 2 {
		Panicf("ScatterImage requires positions shaped [batchSize, numPoints, 2], got %s", positions.Shape())
	}
	batchSize, numPoints := positions.Shape().Dimensions[0], positions.Shape().Dimensions[1]
	values = ConvertDType(values, positions.DType())
	if values.Rank() == 1 {
		values = BroadcastToDims(ExpandAxes(values, 0), batchSize, numPoints)
	}
	if values.Rank() != 2 || values.Shape().Dimensions[0] != batchSize || values.Shape().Dimensions[1] != numPoints {
		Panicf("ScatterImage values must be shaped [%d, %d], got %s", batchSize, numPoints, values.Shape())
	}
	bins, weights := SoftBins(positions, size, sigma)
	images := Zeros(g, shapes.Make(positions.DType(), batchSize, size, size))
	return ScatterSum(images, batchCoordinates(bins), Mul(values, weights), false, false)
}

// ScatterVolume accumulates values [batchSize, numPoints] at voxel indices [numPoints, 3] (z, y, x)
// on cubic grids, returning volumes [batchSize, xsize, xsize, xsize].
func ScatterVolume(indices, values *Node, xsize int) *Node {
	g := values.Graph()
	if indices.Rank() != 2 || indices.Shape().Dimensions[1] != 3 {
		Panicf("ScatterVolume requires indices shaped [numPoints, 3], got %s", indices.Shape())
	}
	if values.Rank() == 1 {
		values = ExpandAxes(values, 0)
	}
	batchSize, numPoints := values.Shape().Dimensions[0], values.Shape().Dimensions[1]
	if indices.Shape().Dimensions[0] != numPoints {
		Panicf("ScatterVolume: %d indices for %d values per volume", indices.Shape().Dimensions[0], numPoints)
	}
	indices = ConvertDType(indices, dtypes.Int32)
	indices = BroadcastToDims(ExpandAxes(indices, 0), batchSize, numPoints, 3)
	volumes := Zeros(g, shapes.Make(values.DType(), batchSize, xsize, xsize, xsize))
	return ScatterSum(volumes, batchCoordinates(indices), values, false, false)
}
