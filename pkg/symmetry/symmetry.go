// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package symmetry generates the rotation matrices of the point groups used to describe the
// symmetry of a particle: "c1" (no symmetry), cyclic "c<n>" and dihedral "d<n>".
//
// Cyclic groups rotate around the z axis, and dihedral groups add the 2-fold rotation
// around the x axis.
package symmetry

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Group is a parsed point group.
type Group struct {
	// Kind is 'c' (cyclic) or 'd' (dihedral).
	Kind byte

	// Order of the principal axis.
	Order int
}

// Parse a point group name, e.g. "c1", "C4" or "d7".
func Parse(name string) (Group, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) < 2 || (name[0] != 'c' && name[0] != 'd') {
		return Group{}, errors.Errorf("unknown symmetry group %q, expected c<n> or d<n>", name)
	}
	order, err := strconv.Atoi(name[1:])
	if err != nil || order < 1 {
		return Group{}, errors.Errorf("invalid order in symmetry group %q", name)
	}
	return Group{Kind: name[0], Order: order}, nil
}

// String implements fmt.Stringer.
func (g Group) String() string { return string(g.Kind) + strconv.Itoa(g.Order) }

// Size returns the number of elements of the group.
func (g Group) Size() int {
	if g.Kind == 'd' {
		return 2 * g.Order
	}
	return g.Order
}

func rotationZ(angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// flipX is the 2-fold rotation around the x axis.
var flipX = mat.NewDense(3, 3, []float64{
	1, 0, 0,
	0, -1, 0,
	0, 0, -1,
})

// Dense returns the rotation matrices of the group, starting with the identity.
func (g Group) Dense() []*mat.Dense {
	matrices := make([]*mat.Dense, 0, g.Size())
	for k := range g.Order {
		matrices = append(matrices, rotationZ(2*math.Pi*float64(k)/float64(g.Order)))
	}
	if g.Kind == 'd' {
		for k := range g.Order {
			var m mat.Dense
			m.Mul(flipX, matrices[k])
			matrices = append(matrices, &m)
		}
	}
	return matrices
}

// Matrices returns the rotation matrices of the group as row-major float32 arrays, starting
// with the identity.
func (g Group) Matrices() [][9]float32 {
	dense := g.Dense()
	out := make([][9]float32, len(dense))
	for ii, m := range dense {
		for r := range 3 {
			for c := range 3 {
				v := m.At(r, c)
				if math.Abs(v) < 1e-12 {
					v = 0
				}
				out[ii][3*r+c] = float32(v)
			}
		}
	}
	return out
}

// Matrices parses the group name and returns its rotation matrices.
func Matrices(name string) ([][9]float32, error) {
	g, err := Parse(name)
	if err != nil {
		return nil, err
	}
	return g.Matrices(), nil
}
