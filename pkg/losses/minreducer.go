// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MinReducer keeps, per sample, the smallest value seen so far and the payload that came with it.
//
// Payload nodes must have the same leading batch axis as the value. A typical payload is the
// rotation matrix and shifts of the pose candidate that produced the loss.
type MinReducer struct {
	// Value is the current per-sample minimum [batchSize].
	Value *Node

	// Payload associated with Value, one node per payload item.
	Payload []*Node
}

// NewMinReducer creates a reducer initialized with the first candidate.
func NewMinReducer(value *Node, payload ...*Node) *MinReducer {
	checkReducerInputs(value, payload)
	return &MinReducer{Value: value, Payload: slices.Clone(payload)}
}

func checkReducerInputs(value *Node, payload []*Node) {
	if value.Rank() != 1 {
		Panicf("MinReducer requires values shaped [batchSize], got %s", value.Shape())
	}
	batchSize := value.Shape().Dimensions[0]
	for ii, p := range payload {
		if p.Rank() < 1 || p.Shape().Dimensions[0] != batchSize {
			Panicf("MinReducer payload #%d must have leading axis %d, got shape %s", ii, batchSize, p.Shape())
		}
	}
}

// Update compares value with the current minimum and, for every sample where value <= Value,
// takes the new value and payload. Ties go to the newer candidate.
func (r *MinReducer) Update(value *Node, payload ...*Node) {
	checkReducerInputs(value, payload)
	if len(payload) != len(r.Payload) {
		Panicf("MinReducer.Update got %d payload items, but it was created with %d", len(payload), len(r.Payload))
	}
	if !value.Shape().Equal(r.Value.Shape()) {
		Panicf("MinReducer.Update value shape %s differs from the current %s", value.Shape(), r.Value.Shape())
	}
	takeNew := LessOrEqual(value, r.Value)
	for ii, p := range payload {
		if !p.Shape().Equal(r.Payload[ii].Shape()) {
			Panicf("MinReducer.Update payload #%d shape %s differs from the current %s",
				ii, p.Shape(), r.Payload[ii].Shape())
		}
		cond := takeNew
		if p.Rank() > 1 {
			dims := make([]int, p.Rank())
			for axis := range dims {
				dims[axis] = 1
			}
			dims[0] = p.Shape().Dimensions[0]
			cond = BroadcastToDims(Reshape(takeNew, dims...), p.Shape().Dimensions...)
		}
		r.Payload[ii] = Where(cond, p, r.Payload[ii])
	}
	r.Value = Where(takeNew, value, r.Value)
}
