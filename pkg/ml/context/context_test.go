// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/initializers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextScopes(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, context.RootScope, ctx.Scope())
	ctx2 := ctx.In("a").Inf("layer_%d", 1)
	assert.Equal(t, "/a/layer_1", ctx2.Scope())
	assert.Equal(t, "/", ctx.Scope(), "original context must not change")
	assert.Panics(t, func() { ctx.In("a/b") })
	assert.Panics(t, func() { ctx.In("") })

	scope, name := context.SplitScope("/a/layer_1/weights")
	assert.Equal(t, "/a/layer_1", scope)
	assert.Equal(t, "weights", name)
	scope, name = context.SplitScope("/x")
	assert.Equal(t, "/", scope)
	assert.Equal(t, "x", name)
	assert.Equal(t, "/x", context.JoinScope("/", "x"))
}

func TestParams(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{"learning_rate": 0.01, "num_epochs": 10})
	ctx.In("dense").SetParam("dropout", 0.5)

	assert.Equal(t, 0.01, context.GetParamOr(ctx.In("dense"), "learning_rate", 1.0))
	assert.Equal(t, 0.5, context.GetParamOr(ctx.In("dense"), "dropout", 0.0))
	assert.Equal(t, 0.0, context.GetParamOr(ctx, "dropout", 0.0))
	// Numeric conversions.
	assert.Equal(t, float32(0.01), context.GetParamOr(ctx, "learning_rate", float32(0)))
	assert.Equal(t, 10.0, context.MustGetParam[float64](ctx, "num_epochs"))
	// nil values return the default.
	ctx.SetParam("optimizer", nil)
	assert.Equal(t, "adam", context.GetParamOr(ctx, "optimizer", "adam"))

	err := exceptions.TryCatch[error](func() { context.MustGetParam[int](ctx, "missing") })
	require.Error(t, err)
	ctx.SetParam("name", "x")
	err = exceptions.TryCatch[error](func() { context.MustGetParam[float64](ctx, "name") })
	require.Error(t, err)

	var keys []string
	ctx.EnumerateParams(func(scope, key string, _ any) { keys = append(keys, scope+key) })
	assert.Equal(t, []string{"/learning_rate", "/name", "/num_epochs", "/optimizer", "/densedropout"}, keys)
}

func TestVariables(t *testing.T) {
	ctx := context.New()
	ctx.SetRandomSeed(42)
	w := ctx.In("dense").VariableWithShape("weights", shapes.Make(dtypes.Float32, 3, 2))
	b := ctx.In("dense").WithInitializer(initializers.One).VariableWithShape("bias", shapes.Make(dtypes.Float32, 2))
	assert.Equal(t, "/dense/weights", w.ScopeAndName())
	assert.True(t, w.Trainable)
	assert.Equal(t, []float32{1, 1}, b.Value().Flat())
	assert.Equal(t, 2, ctx.NumVariables())
	assert.Equal(t, 8, ctx.NumParameters())
	assert.Equal(t, uintptr(32), ctx.Memory())

	// Same seed, same initial values.
	ctx2 := context.New()
	ctx2.SetRandomSeed(42)
	w2 := ctx2.In("dense").VariableWithShape("weights", shapes.Make(dtypes.Float32, 3, 2))
	assert.True(t, w.Value().Equal(w2.Value()))

	// Reuse checks.
	err := exceptions.TryCatch[error](func() { ctx.In("dense").VariableWithShape("weights", w.Shape()) })
	require.Error(t, err)
	assert.Same(t, w, ctx.In("dense").Reuse().VariableWithShape("weights", w.Shape()))
	err = exceptions.TryCatch[error](func() { ctx.In("dense").Reuse().VariableWithShape("other", w.Shape()) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() {
		ctx.In("dense").Reuse().VariableWithShape("weights", shapes.Make(dtypes.Float32, 2, 2))
	})
	require.ErrorIs(t, err, shapes.ErrShape)
	assert.Same(t, w, ctx.In("dense").Checked(false).VariableWithValue("weights", tensors.Zeros(3, 2)))

	// SetValue checks shapes.
	require.ErrorIs(t, w.SetValue(tensors.Zeros(2, 2)), shapes.ErrShape)
	require.NoError(t, w.SetValue(tensors.Zeros(3, 2)))

	var inScope []string
	counter := ctx.In("optimizer").Checked(false).VariableWithValue("count", tensors.FromScalar(0)).SetTrainable(false)
	assert.False(t, counter.Trainable)
	for v := range ctx.In("dense").IterVariablesInScope() {
		inScope = append(inScope, v.Name())
	}
	assert.Equal(t, []string{"weights", "bias"}, inScope)

	require.NoError(t, ctx.DeleteVariable("/optimizer", "count"))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/optimizer", "count"))
	assert.False(t, counter.IsValid())
	assert.Equal(t, 2, ctx.NumVariables())
}

type mapLoader map[string]*tensors.Tensor

func (l mapLoader) LoadVariable(_ *context.Context, scope, name string) (*tensors.Tensor, bool) {
	value, found := l[context.JoinScope(scope, name)]
	if found {
		delete(l, context.JoinScope(scope, name))
	}
	return value, found
}

func (l mapLoader) DeleteVariable(_ *context.Context, scope, name string) error {
	delete(l, context.JoinScope(scope, name))
	return nil
}

func TestLoader(t *testing.T) {
	ctx := context.New()
	ctx.SetLoader(mapLoader{"/dense/weights": tensors.FromValue([][]float32{{7}})})
	w := ctx.In("dense").Reuse().VariableWithShape("weights", shapes.Make(dtypes.Float32, 1, 1))
	assert.Equal(t, []float32{7}, w.Value().Flat())

	g := graph.NewGraph("test")
	node := w.ValueGraph(g)
	assert.True(t, node.IsParameter())
	assert.Same(t, node, w.ValueGraph(g))

	// Loaded variables can be requested once by a Unique context, but not twice.
	ctx = context.New()
	ctx.SetLoader(mapLoader{"/dense/bias": tensors.FromValue([]float32{1, 2})})
	bias := ctx.In("dense").VariableWithShape("bias", shapes.Make(dtypes.Float32, 2))
	assert.Equal(t, []float32{1, 2}, bias.Value().Flat())
	assert.Panics(t, func() { ctx.In("dense").VariableWithShape("bias", shapes.Make(dtypes.Float32, 2)) })

	// Loaded values with a different shape are rejected.
	ctx = context.New()
	ctx.SetLoader(mapLoader{"/dense/bias": tensors.FromValue([]float32{1, 2})})
	err := exceptions.TryCatch[error](func() { ctx.In("dense").VariableWithShape("bias", shapes.Make(dtypes.Float32, 3)) })
	require.ErrorIs(t, err, shapes.ErrShape)
}
