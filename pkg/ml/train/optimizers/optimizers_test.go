// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQuadraticVar(ctx *context.Context) *context.Variable {
	return ctx.In("model").VariableWithValue("w", tensors.FromValue([]float32{3, -2}))
}

// gradQuadratic returns the gradient of sum(w^2)/2, which is w itself.
func gradQuadratic(v *context.Variable) []Gradient {
	return []Gradient{{Var: v, Value: v.Value().Clone()}}
}

func TestClipGradientsByValue(t *testing.T) {
	ctx := context.New()
	v0 := ctx.VariableWithValue("a", tensors.FromValue([]float32{-10, 0.5, 7}))
	v1 := ctx.VariableWithValue("b", tensors.FromValue([]float32{1}))
	grads := []Gradient{
		{Var: v0, Value: tensors.FromValue([]float32{-10, 0.5, 7})},
		{Var: v1, Value: nil},
	}
	clipped := ClipGradientsByValue(grads, -5, 5)
	require.Len(t, clipped, 2)
	assert.Equal(t, []float32{-5, 0.5, 5}, clipped[0].Value.Flat())
	assert.Nil(t, clipped[1].Value)
	assert.Same(t, v1, clipped[1].Var)

	// Original gradient is not modified.
	assert.Equal(t, []float32{-10, 0.5, 7}, grads[0].Value.Flat())
}

func TestAdam(t *testing.T) {
	ctx := context.New()
	v := newQuadraticVar(ctx)
	opt := Adam().LearningRate(0.1).Done()

	// The first Adam step moves each value by approximately the learning rate, in the direction opposed to the
	// gradient.
	require.NoError(t, opt.Apply(ctx, gradQuadratic(v)))
	assert.InDelta(t, 2.9, v.Value().Flat()[0], 1e-4)
	assert.InDelta(t, -1.9, v.Value().Flat()[1], 1e-4)
	assert.Equal(t, int64(1), GetGlobalStep(ctx))

	for range 300 {
		require.NoError(t, opt.Apply(ctx, gradQuadratic(v)))
	}
	for _, value := range v.Value().Flat() {
		assert.InDelta(t, 0.0, value, 0.1)
	}
	assert.Equal(t, int64(301), GetGlobalStep(ctx))

	// Moments are stored under the Adam scope, and are not trainable.
	m1 := ctx.GetVariableByScopeAndName("/AdamOptimizer/model", "w_1st_moment")
	require.NotNil(t, m1)
	assert.False(t, m1.Trainable)

	// Reset zeroes moments and Adam's step, but not the global step or the variable.
	before := v.Value().Clone()
	require.NoError(t, opt.Reset(ctx))
	for _, value := range m1.Value().Flat() {
		assert.Equal(t, float32(0), value)
	}
	assert.Equal(t, int64(0), GetGlobalStep(ctx.InAbsPath("/AdamOptimizer")))
	assert.Equal(t, int64(301), GetGlobalStep(ctx))
	assert.True(t, before.Equal(v.Value()))
}

// memoryLoader serves variable values from a map, like a checkpoint being resumed.
type memoryLoader map[string]*tensors.Tensor

func (l memoryLoader) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	key := context.JoinScope(scope, name)
	value, found := l[key]
	delete(l, key)
	return value, found
}

func (l memoryLoader) DeleteVariable(_ *context.Context, scope, name string) error {
	delete(l, context.JoinScope(scope, name))
	return nil
}

func TestAdamResetLoadedState(t *testing.T) {
	ctx := context.New()
	ctx.SetLoader(memoryLoader{
		"/AdamOptimizer/global_step":        tensors.FromScalar(50),
		"/AdamOptimizer/model/w_1st_moment": tensors.FromValue([]float32{1, 1}),
		"/AdamOptimizer/model/w_2nd_moment": tensors.FromValue([]float32{4, 4}),
	})
	v := newQuadraticVar(ctx)
	opt := Adam().LearningRate(0.1).Done()

	// Nothing of Adam was used yet: Reset must still discard the saved state.
	require.NoError(t, opt.Reset(ctx))
	assert.Equal(t, int64(0), GetGlobalStep(ctx.InAbsPath("/AdamOptimizer")))
	m1 := ctx.GetVariableByScopeAndName("/AdamOptimizer/model", "w_1st_moment")
	require.NotNil(t, m1)
	assert.Equal(t, []float32{0, 0}, m1.Value().Flat())

	// So the next step is a first Adam step.
	require.NoError(t, opt.Apply(ctx, gradQuadratic(v)))
	assert.InDelta(t, 2.9, v.Value().Flat()[0], 1e-4)
	assert.InDelta(t, -1.9, v.Value().Flat()[1], 1e-4)
}

func TestAdamSkipsNilAndNonTrainable(t *testing.T) {
	ctx := context.New()
	v := newQuadraticVar(ctx)
	frozen := ctx.VariableWithValue("frozen", tensors.FromValue([]float32{1, 1})).SetTrainable(false)
	opt := Adam().LearningRate(0.1).Done()
	require.NoError(t, opt.Apply(ctx, []Gradient{
		{Var: v, Value: nil},
		{Var: frozen, Value: tensors.FromValue([]float32{1, 1})},
	}))
	assert.Equal(t, []float32{3, -2}, v.Value().Flat())
	assert.Equal(t, []float32{1, 1}, frozen.Value().Flat())
}

func TestAdamShapeMismatch(t *testing.T) {
	ctx := context.New()
	v := newQuadraticVar(ctx)
	other := ctx.VariableWithValue("other", tensors.FromValue([]float32{1}))
	opt := Adam().LearningRate(0.1).Done()
	err := opt.Apply(ctx, []Gradient{
		{Var: other, Value: tensors.FromValue([]float32{1})},
		{Var: v, Value: tensors.FromValue([]float32{1, 2, 3})},
	})
	require.ErrorIs(t, err, shapes.ErrShape)

	// No variable was touched.
	assert.Equal(t, []float32{3, -2}, v.Value().Flat())
	assert.Equal(t, []float32{1}, other.Value().Flat())
}

func TestSGD(t *testing.T) {
	ctx := context.New()
	v := newQuadraticVar(ctx)
	opt := StochasticGradientDescent().WithLearningRate(0.5).WithDecay(false)
	require.NoError(t, opt.Apply(ctx, gradQuadratic(v)))
	assert.Equal(t, []float32{1.5, -1}, v.Value().Flat())

	ctx.SetParam(ParamClipStepByValue, 0.25)
	require.NoError(t, opt.Apply(ctx, gradQuadratic(v)))
	assert.Equal(t, []float32{1.25, -0.75}, v.Value().Flat())
	assert.Equal(t, int64(2), GetGlobalStep(ctx))
	require.NoError(t, opt.Reset(ctx))
	assert.Equal(t, int64(0), GetGlobalStep(ctx))
}

func TestByName(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamOptimizer, "sgd")
	opt, err := FromContext(ctx)
	require.NoError(t, err)
	assert.IsType(t, &SGDConfig{}, opt)

	for name := range KnownOptimizers {
		opt, err := ByName(ctx, name)
		require.NoError(t, err, "optimizer %q", name)
		require.NotNil(t, opt)
	}

	_, err = ByName(ctx, "lbfgs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adam")
}

func TestAdamax(t *testing.T) {
	ctx := context.New()
	v := newQuadraticVar(ctx)
	opt := Adam().Adamax().LearningRate(0.1).Done()
	for range 50 {
		require.NoError(t, opt.Apply(ctx, gradQuadratic(v)))
	}
	for _, value := range v.Value().Flat() {
		assert.False(t, math.IsNaN(float64(value)))
		assert.Less(t, math.Abs(float64(value)), 2.0)
	}
}
