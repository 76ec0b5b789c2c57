// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the reconstruction costs and regularizers used to train the
// auto-encoders, plus MinReducer, used to select the best of several pose candidates.
//
// Per-sample losses return a vector shaped [batchSize]; global regularizers return a scalar.
package losses

import (
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/pkg/imageformation"
)

// CorrelationEpsilon is added to the product of variances in CorrelationLoss.
const CorrelationEpsilon = 1e-6

// flattenBatch reshapes x to [batchSize, -1].
func flattenBatch(x *Node) *Node {
	if x.Rank() < 1 {
		Panicf("losses require a leading batch axis, got shape %s", x.Shape())
	}
	return Reshape(x, x.Shape().Dimensions[0], -1)
}

func checkSameSize(name string, a, b *Node) (*Node, *Node) {
	a, b = flattenBatch(a), flattenBatch(b)
	if !a.Shape().Equal(b.Shape()) {
		Panicf("%s requires inputs with the same batch size and number of elements, got %s and %s",
			name, a.Shape(), b.Shape())
	}
	return a, b
}

// MSE returns the per-sample mean squared error [batchSize] between a and b, any shape with a
// leading batch axis.
func MSE(a, b *Node) *Node {
	a, b = checkSameSize("MSE", a, b)
	return ReduceMean(Square(Sub(a, b)), 1)
}

// CorrelationLoss returns 1 minus the per-sample Pearson correlation coefficient [batchSize]
// between a and b.
func CorrelationLoss(a, b *Node) *Node {
	a, b = checkSameSize("CorrelationLoss", a, b)
	a = Sub(a, ReduceAndKeep(a, ReduceMean, 1))
	b = Sub(b, ReduceAndKeep(b, ReduceMean, 1))
	covariance := ReduceSum(Mul(a, b), 1)
	varA := ReduceSum(Square(a), 1)
	varB := ReduceSum(Square(b), 1)
	corr := imageformation.DivideNoNaN(covariance, Sqrt(AddScalar(Mul(varA, varB), CorrelationEpsilon)))
	return OneMinus(corr)
}

// Cost selects the reconstruction cost function.
type Cost int

const (
	CostMSE Cost = iota
	CostCorrelation
)

var costNames = []string{"mse", "corr"}

// String implements fmt.Stringer.
func (c Cost) String() string {
	if c < 0 || int(c) >= len(costNames) {
		return "Cost(invalid)"
	}
	return costNames[c]
}

// ParseCost converts "mse" or "corr" to a Cost.
func ParseCost(name string) (Cost, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, known := range costNames {
		if name == known {
			return Cost(ii), nil
		}
	}
	return CostMSE, errors.Errorf("unknown cost %q, valid values are %q", name, costNames)
}

// MarshalText implements encoding.TextMarshaler.
func (c Cost) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(costNames) {
		return nil, errors.Errorf("invalid cost %d", int(c))
	}
	return []byte(costNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cost) UnmarshalText(text []byte) error {
	parsed, err := ParseCost(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Apply the cost to the images a and b, returning a per-sample cost [batchSize].
func (c Cost) Apply(a, b *Node) *Node {
	switch c {
	case CostMSE:
		return MSE(a, b)
	case CostCorrelation:
		return CorrelationLoss(a, b)
	default:
		Panicf("invalid cost %d", int(c))
		return nil
	}
}
