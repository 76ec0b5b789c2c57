// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimize implements GroupAdam, an Adam optimizer restricted to the trainable variables
// under one scope (a parameter group), with its own learning rate and moments.
//
// Two GroupAdam optimizers over disjoint groups (e.g. "/encoder" and "/decoder") can be applied in
// the same training step, each with its own learning rate.
package optimize

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// DefaultLearningRate used if none is configured.
const DefaultLearningRate = 1e-4

// GroupAdam is an Adam optimizer over the variables of one scope.
//
// Its state (step counter, learning rate and moments) lives under "/optimizers/<name>", so it is
// saved together with the model by the checkpoints handler.
type GroupAdam struct {
	name, group  string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// NewGroupAdam creates an optimizer for the trainable variables under the absolute scope group
// (e.g. "/encoder").
func NewGroupAdam(group string) *GroupAdam {
	if !strings.HasPrefix(group, context.ScopeSeparator) || group == context.ScopeSeparator {
		Panicf("GroupAdam requires an absolute scope other than the root, got %q", group)
	}
	group = strings.TrimSuffix(group, context.ScopeSeparator)
	return &GroupAdam{
		name:         strings.ReplaceAll(strings.TrimPrefix(group, context.ScopeSeparator), context.ScopeSeparator, "_"),
		group:        group,
		learningRate: DefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// LearningRate sets the initial learning rate of the group. Once created, the learning rate
// variable keeps its value (e.g. when loaded from a checkpoint).
func (o *GroupAdam) LearningRate(lr float64) *GroupAdam {
	o.learningRate = lr
	return o
}

// Betas sets the moving average coefficients of the 1st and 2nd moments. Defaults to 0.9 and 0.999.
func (o *GroupAdam) Betas(beta1, beta2 float64) *GroupAdam {
	o.beta1, o.beta2 = beta1, beta2
	return o
}

// Epsilon sets the constant added to the denominator.
func (o *GroupAdam) Epsilon(epsilon float64) *GroupAdam {
	o.epsilon = epsilon
	return o
}

// FromContext reads optimizers.ParamAdamEpsilon, optimizers.ParamAdamBeta1 and
// optimizers.ParamAdamBeta2 from the context hyperparameters.
func (o *GroupAdam) FromContext(ctx *context.Context) *GroupAdam {
	o.epsilon = context.GetParamOr(ctx, optimizers.ParamAdamEpsilon, o.epsilon)
	o.beta1 = context.GetParamOr(ctx, optimizers.ParamAdamBeta1, o.beta1)
	o.beta2 = context.GetParamOr(ctx, optimizers.ParamAdamBeta2, o.beta2)
	return o
}

// Group returns the absolute scope of the optimized variables.
func (o *GroupAdam) Group() string { return o.group }

// stateContext returns the context where the optimizer state is stored.
func (o *GroupAdam) stateContext(ctx *context.Context) *context.Context {
	return ctx.Checked(false).InAbsPath(context.ScopeSeparator + optimizers.Scope + context.ScopeSeparator + o.name)
}

// Variables returns the trainable variables of the group used by g.
func (o *GroupAdam) Variables(ctx *context.Context, g *Graph) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.InAbsPath(o.group).IterVariablesInScope() {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
		}
	}
	return vars
}

// UpdateGraph builds the gradient of loss with respect to the group variables and the update of
// the variables and the optimizer state. It returns the number of variables updated.
//
// If none of the group variables are used by the graph, nothing is done.
func (o *GroupAdam) UpdateGraph(ctx *context.Context, loss *Node) int {
	if !loss.Shape().IsScalar() {
		Panicf("GroupAdam(%q) requires a scalar loss, got shape %s", o.group, loss.Shape())
	}
	g := loss.Graph()
	vars := o.Variables(ctx, g)
	if len(vars) == 0 {
		return 0
	}
	values := make([]*Node, len(vars))
	for ii, v := range vars {
		values[ii] = v.ValueGraph(g)
	}
	grads := Gradient(loss, values...)
	o.UpdateGraphWithGradients(ctx, vars, grads, loss.DType())
	return len(vars)
}

// UpdateGraphWithGradients applies the Adam update for the given variables and their gradients.
func (o *GroupAdam) UpdateGraphWithGradients(ctx *context.Context, vars []*context.Variable, grads []*Node,
	dtype dtypes.DType) {
	if len(vars) != len(grads) {
		Panicf("GroupAdam(%q) got %d variables and %d gradients", o.group, len(vars), len(grads))
	}
	if len(grads) == 0 {
		return
	}
	g := grads[0].Graph()
	stateCtx := o.stateContext(ctx)

	learningRate := optimizers.LearningRateVarWithValue(stateCtx, dtype, o.learningRate).ValueGraph(g)
	step := optimizers.IncrementGlobalStepGraph(stateCtx, g, dtype)
	beta1 := Scalar(g, dtype, o.beta1)
	beta2 := Scalar(g, dtype, o.beta2)
	debias1 := Inverse(OneMinus(Pow(beta1, step)))
	debias2 := Inverse(OneMinus(Pow(beta2, step)))
	epsilon := Scalar(g, dtype, o.epsilon)

	for ii, v := range vars {
		if v.Scope() != o.group && !strings.HasPrefix(v.Scope(), o.group+context.ScopeSeparator) {
			Panicf("GroupAdam(%q) asked to update variable %q outside its group", o.group, v.ScopeAndName())
		}
		grad := grads[ii]
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}
		optimizers.TraceNaNInGradients(ctx, v, grad)
		grad = optimizers.ClipNaNsInGradients(ctx, grad)
		m1Var, m2Var := o.momentVariables(stateCtx, v, dtype)

		moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
		m1Var.SetValueGraph(moment1)
		moment2 := Add(Mul(beta2, m2Var.ValueGraph(g)), Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)

		stepDirection := Div(
			Mul(learningRate, Mul(moment1, debias1)),
			Add(Sqrt(Mul(moment2, debias2)), epsilon))
		stepDirection = optimizers.ClipStepByValue(ctx, stepDirection)

		value := v.ValueGraph(g)
		if value.DType() != dtype {
			value = ConvertDType(value, dtype)
		}
		updated := optimizers.ClipNaNsInUpdates(ctx, value, Sub(value, stepDirection))
		if v.DType() != dtype {
			updated = ConvertDType(updated, v.DType())
		}
		v.SetValueGraph(updated)
	}
}

// momentVariables returns (creating if needed) the 1st and 2nd moments of the trainable variable v.
func (o *GroupAdam) momentVariables(stateCtx *context.Context, v *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	momentsCtx := stateCtx.InAbsPath(stateCtx.Scope() + v.Scope())
	shape := v.Shape().Clone()
	shape.DType = dtype
	zero := func(g *Graph, shape shapes.Shape) *Node {
		return Zeros(g, shape)
	}
	m1 = momentsCtx.WithInitializer(zero).VariableWithShape(fmt.Sprintf("%s_1st_moment", v.Name()), shape).
		SetTrainable(false)
	m2 = momentsCtx.WithInitializer(zero).VariableWithShape(fmt.Sprintf("%s_2nd_moment", v.Name()), shape).
		SetTrainable(false)
	return
}

// LearningRateValue returns the current learning rate of the group, creating the variable if needed.
func (o *GroupAdam) LearningRateValue(ctx *context.Context) float64 {
	v := optimizers.LearningRateVarWithValue(o.stateContext(ctx), dtypes.Float32, o.learningRate)
	switch lr := v.MustValue().Value().(type) {
	case float32:
		return float64(lr)
	case float64:
		return lr
	default:
		Panicf("GroupAdam(%q) learning rate variable has unexpected type %T", o.group, lr)
		return 0
	}
}

// Clear deletes the optimizer state of the group.
func (o *GroupAdam) Clear(ctx *context.Context) error {
	return o.stateContext(ctx).DeleteVariablesInScope()
}
