// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weights(ctx *context.Context) *context.Variable {
	return ctx.In("layer_1").Checked(false).
		VariableWithValue("weights", tensors.FromValue([][]float32{{0, 0}, {0, 0}}))
}

func TestCheckpoints(t *testing.T) {
	var dir string
	{
		// Build a context, checkpoint a few times.
		ctx := context.New()
		ctx.SetParam(optimizers.ParamLearningRate, 0.01)
		ctx.SetParam("batch_size", 32)
		ctx.SetParam("optimizer", "adam")
		ctx.SetParam("dims", []int{3, 4})
		ctx.In("layer_1").SetParam("dropout", float32(0.5))
		checkpoint, err := Build(ctx).TempDir("", "test_checkpoints_").Keep(3).Done()
		require.NoError(t, err)
		dir = checkpoint.Dir()
		t.Cleanup(func() { _ = os.RemoveAll(dir) })
		has, err := checkpoint.HasCheckpoints()
		require.NoError(t, err)
		assert.False(t, has)

		w := weights(ctx)
		for ii := range 10 {
			optimizers.IncrementGlobalStep(ctx)
			w.MustSetValue(tensors.FromValue([][]float32{{float32(ii), 1}, {2, 3}}))
			require.NoError(t, checkpoint.Save(), "saving checkpoint")
		}
		list, err := checkpoint.ListCheckpoints()
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Contains(t, list[2], "checkpoint-n0000009-")
		assert.Contains(t, list[2], "-step-00000010")
	}

	// Load in a new context.
	ctx := context.New()
	checkpoint, err := Build(ctx).Dir(dir).Keep(3).Done()
	require.NoError(t, err)
	assert.Len(t, checkpoint.LoadedVariables(), 2)
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	value, found := ctx.GetParam("batch_size")
	require.True(t, found)
	assert.Equal(t, 32, value)
	value, _ = ctx.GetParam("dims")
	assert.Equal(t, []int{3, 4}, value)
	value, _ = ctx.In("layer_1").GetParam("dropout")
	assert.Equal(t, float32(0.5), value)
	assert.Equal(t, "adam", context.GetParamOr(ctx, "optimizer", ""))

	assert.Equal(t, int64(10), optimizers.GetGlobalStep(ctx))
	w := weights(ctx)
	assert.True(t, tensors.FromValue([][]float32{{9, 1}, {2, 3}}).Equal(w.Value()))
	assert.Empty(t, checkpoint.LoadedVariables(), "all values consumed")

	// Numbering continues from the loaded checkpoints.
	require.NoError(t, checkpoint.Save())
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Contains(t, list[2], "checkpoint-n0000010-")
}

func TestUnusedVariablesAreSavedAgain(t *testing.T) {
	ctx := context.New()
	weights(ctx).MustSetValue(tensors.FromValue([][]float32{{1, 2}, {3, 4}}))
	checkpoint, err := Build(ctx).Dir(t.TempDir()).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	// Load, but don't use the weights: they must survive the next save.
	ctx2 := context.New()
	checkpoint2, err := Build(ctx2).Dir(checkpoint.Dir()).Done()
	require.NoError(t, err)
	optimizers.IncrementGlobalStep(ctx2)
	require.NoError(t, checkpoint2.Save())

	bundle, err := LoadBundle(checkpoint.Dir())
	require.NoError(t, err)
	assert.Equal(t, []string{"/global_step", "/layer_1/weights"}, bundle.Names())
	assert.True(t, tensors.FromValue([][]float32{{1, 2}, {3, 4}}).Equal(bundle["/layer_1/weights"]))
	assert.Equal(t, float32(1), bundle["/global_step"].ToScalar())
}

func TestHalfAndCompress(t *testing.T) {
	ctx := context.New()
	weights(ctx).MustSetValue(tensors.FromValue([][]float32{{0.5, 1.25}, {-3, 1.0 / 3.0}}))
	optimizers.GetGlobalStepVar(ctx).MustSetValue(tensors.FromScalar(3001))
	checkpoint, err := Build(ctx).Dir(t.TempDir()).Half().Compress().Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())
	list, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)
	_, err = os.Stat(filepath.Join(checkpoint.Dir(), list[0]+".bin.gz"))
	require.NoError(t, err)

	ctx2 := context.New()
	_, err = Build(ctx2).Dir(checkpoint.Dir()).Done()
	require.NoError(t, err)
	// The global step is not trainable, so it is kept in float32.
	assert.Equal(t, int64(3001), optimizers.GetGlobalStep(ctx2))
	w := weights(ctx2).Value()
	assert.Equal(t, float32(0.5), w.At(0, 0))
	assert.Equal(t, float32(1.25), w.At(0, 1))
	assert.Equal(t, float32(-3), w.At(1, 0))
	assert.InDelta(t, 1.0/3.0, w.At(1, 1), 1e-3)
}

func TestTakeMean(t *testing.T) {
	ctx := context.New()
	checkpoint, err := Build(ctx).Dir(t.TempDir()).Keep(-1).Done()
	require.NoError(t, err)
	w := weights(ctx)
	for _, value := range []float32{1, 3, 8} {
		optimizers.IncrementGlobalStep(ctx)
		w.MustSetValue(tensors.FromValue([][]float32{{value, value}, {value, 2 * value}}))
		require.NoError(t, checkpoint.Save())
	}

	ctx2 := context.New()
	_, err = Build(ctx2).Dir(checkpoint.Dir()).TakeMean(2).Done()
	require.NoError(t, err)
	assert.True(t, tensors.FromValue([][]float32{{5.5, 5.5}, {5.5, 11}}).InDelta(weights(ctx2).Value(), 1e-6))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx2), "non-trainable variables come from the last checkpoint")

	ctx3 := context.New()
	_, err = Build(ctx3).Dir(checkpoint.Dir()).TakeMean(-1).Done()
	require.NoError(t, err)
	assert.True(t, tensors.FromValue([][]float32{{4, 4}, {4, 8}}).InDelta(weights(ctx3).Value(), 1e-6))
}

func TestExcludeParams(t *testing.T) {
	ctx := context.New()
	ctx.SetParam("learning_rate", 0.1)
	ctx.SetParam("num_epochs", 10)
	checkpoint, err := Build(ctx).Dir(t.TempDir()).ExcludeParams("num_epochs").Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	ctx2 := context.New()
	_, err = Build(ctx2).Dir(checkpoint.Dir()).Done()
	require.NoError(t, err)
	assert.Equal(t, 0.1, context.GetParamOr(ctx2, "learning_rate", 0.0))
	_, found := ctx2.GetParam("num_epochs")
	assert.False(t, found)

	ctx3 := context.New()
	_, err = Build(ctx3).Dir(checkpoint.Dir()).ExcludeParams().Done()
	require.NoError(t, err)
	_, found = ctx3.GetParam("learning_rate")
	assert.False(t, found)
}

func TestExcludeVarsFromSaving(t *testing.T) {
	ctx := context.New()
	w := weights(ctx)
	optimizers.IncrementGlobalStep(ctx)
	checkpoint, err := Build(ctx).Dir(t.TempDir()).ExcludeVarsFromSaving(w).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())
	bundle, err := LoadBundle(checkpoint.Dir())
	require.NoError(t, err)
	assert.Equal(t, []string{"/global_step"}, bundle.Names())
}

func TestConfigErrors(t *testing.T) {
	_, err := Build(context.New()).Done()
	require.Error(t, err, "no directory")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = Build(context.New()).Dir(file).Done()
	require.Error(t, err, "not a directory")

	_, err = LoadBundle(t.TempDir())
	require.Error(t, err, "no checkpoints")
}

func TestBundleSelect(t *testing.T) {
	bundle := Bundle{
		"/layer_0/weights":  tensors.FromScalar(1),
		"/layer_0/bias":     tensors.FromScalar(2),
		"/layer_01/weights": tensors.FromScalar(3),
		"/dense/weights":    tensors.FromScalar(4),
	}
	assert.Equal(t, []string{"/layer_0/bias", "/layer_0/weights"}, bundle.Select("/layer_0").Names())
	assert.Len(t, bundle.Select("/"), 4)

	// Loading returns copies: the bundle can seed more than one context.
	value, found := bundle.LoadVariable(nil, "/dense", "weights")
	require.True(t, found)
	value.Flat()[0] = 10
	assert.Equal(t, float32(4), bundle["/dense/weights"].ToScalar())
	require.NoError(t, bundle.DeleteVariable(nil, "/dense", "weights"))
	_, found = bundle.LoadVariable(nil, "/dense", "weights")
	assert.False(t, found)
}

// ringGraph returns a ring of n nodes with self-loops, row-normalized, features and one-hot labels of 2 classes.
func ringGraph(t *testing.T, n int) (features *tensors.Tensor, adj *sparse.Matrix, labels *tensors.Tensor) {
	var rows, cols []int
	var values []float32
	features = tensors.Zeros(n, 3)
	labels = tensors.Zeros(n, 2)
	for node := range n {
		for _, neighbour := range []int{(node + n - 1) % n, node, (node + 1) % n} {
			rows = append(rows, node)
			cols = append(cols, neighbour)
			values = append(values, 1)
		}
		features.Set(node, node%2, 1)
		features.Set(node, 2, float32(node)/float32(n))
		labels.Set(node, node%2, 1)
	}
	adj, err := sparse.FromCOO(n, n, rows, cols, values)
	require.NoError(t, err)
	return features, adj.RowNormalize(), labels
}

func TestPretrainedModelFromCheckpoint(t *testing.T) {
	features, adj, labels := ringGraph(t, 8)
	cfg := saint.Config{Arch: saint.ArchConfig{Arch: "1-0", Dims: []int{4}, Act: []string{"relu"}}, NumClasses: 2}
	ctx := saint.CreateDefaultContext()
	ctx.SetParam(saint.ParamSeed, 7)
	checkpoint, err := Build(ctx).Dir(t.TempDir()).Done()
	require.NoError(t, err)
	model, err := saint.New(cfg, features, adj, saint.WithContext(ctx))
	require.NoError(t, err)
	nodes := []int{0, 1, 2, 3, 4, 5, 6, 7}
	for range 5 {
		_, err = model.TrainStep(&saint.Batch{Nodes: nodes, Adjacency: adj, Labels: labels})
		require.NoError(t, err)
	}
	require.NoError(t, checkpoint.Save())
	want, err := model.PredictFull()
	require.NoError(t, err)

	bundle, err := LoadBundle(checkpoint.Dir())
	require.NoError(t, err)
	ctx2 := saint.CreateDefaultContext()
	ctx2.SetParam(saint.ParamSeed, 99)
	pretrained, err := saint.New(cfg, features, adj, saint.WithContext(ctx2), saint.WithPretrained(bundle))
	require.NoError(t, err)
	got, err := pretrained.PredictFull()
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-6))
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(ctx2))

	// The same bundle with a wider architecture fails.
	wider := cfg
	wider.Arch.Dims = []int{6}
	_, err = saint.New(wider, features, adj, saint.WithPretrained(bundle))
	require.ErrorIs(t, err, saint.ErrConfiguration)
}
