// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package projection

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
)

func identity3(g *Graph) *Node {
	return Const(g, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
}

func TestScatterImage(t *testing.T) {
	graphtest.RunTestGraphFn(t, "integer pixel gets the whole value", func(g *Graph) (inputs, outputs []*Node) {
		positions := Const(g, [][][]float32{{{1, 2}}})
		values := Const(g, [][]float32{{5}})
		img := ScatterImage(positions, values, 3, DefaultSigma)
		return []*Node{positions, values}, []*Node{img}
	}, []any{
		[][][]float32{{{0, 0, 0}, {0, 0, 5}, {0, 0, 0}}},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "collisions add up and outside points are dropped", func(g *Graph) (inputs, outputs []*Node) {
		positions := Const(g, [][][]float32{
			{{0, 0}, {0, 0}, {5, 1}},
			{{1, 1}, {-3, 0}, {0, 1}},
		})
		values := Const(g, []float32{1, 2, 4})
		img := ScatterImage(positions, values, 2, DefaultSigma)
		return []*Node{positions}, []*Node{img}
	}, []any{
		[][][]float32{
			{{3, 0}, {0, 0}},
			{{0, 4}, {0, 1}},
		},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "sub-pixel weight", func(g *Graph) (inputs, outputs []*Node) {
		positions := Const(g, [][][]float32{{{0.5, 0}}})
		values := Const(g, [][]float32{{1}})
		_, weights := SoftBins(positions, 4, 1)
		return []*Node{positions, values}, []*Node{weights}
	}, []any{
		[][]float32{{0.8824969}}, // exp(-0.25/2)
	}, 1e-5)
}

func TestScatterVolume(t *testing.T) {
	graphtest.RunTestGraphFn(t, "ScatterVolume", func(g *Graph) (inputs, outputs []*Node) {
		indices := Const(g, [][]int32{{0, 0, 0}, {1, 0, 1}, {1, 0, 1}})
		values := Const(g, [][]float32{{1, 2, 3}, {-1, 0, 1}})
		volumes := ScatterVolume(indices, values, 2)
		return []*Node{indices, values}, []*Node{volumes}
	}, []any{
		[][][][]float32{
			{{{1, 0}, {0, 0}}, {{0, 5}, {0, 0}}},
			{{{-1, 0}, {0, 0}}, {{0, 1}, {0, 0}}},
		},
	}, 1e-6)
}

func TestRotations(t *testing.T) {
	graphtest.RunTestGraphFn(t, "GramSchmidt is orthonormal", func(g *Graph) (inputs, outputs []*Node) {
		rows := Const(g, [][]float32{
			{1, 0.2, -0.3, 0.5, 2, 0.1},
			{-0.4, 3, 1, 1, 1, 1},
		})
		r := GramSchmidt(rows)
		rrt := Einsum("bij,bkj->bik", r, r)
		identity := BroadcastToDims(ExpandAxes(identity3(g), 0), 2, 3, 3)
		maxErr := ReduceAllMax(Abs(Sub(rrt, identity)))
		// Determinant of a matrix with orthonormal rows e1, e2, e3: e3·(e1×e2).
		e1 := SliceAxis(r, 1, AxisElem(0))
		e2 := SliceAxis(r, 1, AxisElem(1))
		e3 := SliceAxis(r, 1, AxisElem(2))
		det := ReduceSum(Mul(e3, Cross(e1, e2)), -1, -2)
		return []*Node{rows}, []*Node{maxErr, det}
	}, []any{float32(0), []float32{1, 1}}, 1e-5)

	graphtest.RunTestGraphFn(t, "EulerMatrix", func(g *Graph) (inputs, outputs []*Node) {
		rot := Const(g, []float32{0, 90})
		tilt := Const(g, []float32{0, 0})
		psi := Const(g, []float32{0, 0})
		return []*Node{rot}, []*Node{EulerMatrix(rot, tilt, psi)}
	}, []any{
		[][][]float32{
			{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			{{0, 1, 0}, {-1, 0, 0}, {0, 0, 1}},
		},
	}, 1e-6)

	graphtest.RunTestGraphFn(t, "identity rotation projects onto the origin", func(g *Graph) (inputs, outputs []*Node) {
		coords := Const(g, [][]float32{{0, 0, 0}, {1, -1, 3}})
		zeros := Const(g, []float32{0})
		r := EulerMatrix(zeros, zeros, zeros)
		r = ApplySymmetry(r, identity3(g))
		rotated := RotateCoords(coords, r, 1)
		shifts := Const(g, [][]float32{{0.5, 0}})
		return []*Node{coords}, []*Node{ProjectPositions(rotated, shifts, 4)}
	}, []any{
		[][][]float32{{{4, 3.5}, {3, 4.5}}},
	}, 1e-6)
}
