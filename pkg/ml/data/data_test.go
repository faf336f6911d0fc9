// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallSyntheticConfig() SyntheticConfig {
	cfg := DefaultSyntheticConfig()
	cfg.NumNodes = 200
	cfg.NumClasses = 4
	cfg.FeatureDim = 8
	cfg.AvgDegree = 6
	return cfg
}

func TestSynthetic(t *testing.T) {
	cfg := smallSyntheticConfig()
	g, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.Equal(t, 200, g.NumNodes())
	assert.Equal(t, 8, g.FeatureDim())
	assert.Equal(t, 4, g.NumClasses())
	assert.False(t, g.MultiLabel)
	assert.Len(t, g.TrainNodes, 120)
	assert.Len(t, g.ValNodes, 40)
	assert.Len(t, g.TestNodes, 40)

	// Splits partition the nodes.
	all := slices.Concat(g.TrainNodes, g.ValNodes, g.TestNodes)
	slices.Sort(all)
	for ii, node := range all {
		require.Equal(t, ii, node)
	}

	// One-hot labels.
	for node := range g.NumNodes() {
		var sum float32
		for _, v := range g.Labels.Row(node) {
			sum += v
		}
		require.Equal(t, float32(1), sum, "node %d", node)
	}

	// Symmetric adjacency without self-loops.
	assert.Greater(t, g.AdjFull.NNZ(), 0)
	for r := range g.NumNodes() {
		indices, _ := g.AdjFull.Row(r)
		for _, c := range indices {
			require.NotEqual(t, r, c)
			require.Equal(t, float32(1), g.AdjFull.At(c, r))
		}
	}

	// Training adjacency only connects training nodes.
	isTrain := make(map[int]bool)
	for _, node := range g.TrainNodes {
		isTrain[node] = true
	}
	for r := range g.NumNodes() {
		indices, _ := g.AdjTrain.Row(r)
		for _, c := range indices {
			require.True(t, isTrain[r] && isTrain[c], "edge (%d, %d) in the training adjacency", r, c)
		}
	}

	// Deterministic given the seed.
	g2, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.True(t, g.Features.Equal(g2.Features))
	assert.True(t, g.AdjFull.Equal(g2.AdjFull))
	assert.Equal(t, g.TrainNodes, g2.TrainNodes)

	cfg.Seed++
	g3, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.False(t, g.Features.Equal(g3.Features))

	cfg.TrainFraction = 0
	_, err = Synthetic(cfg)
	require.Error(t, err)
}

func TestSyntheticMultiLabel(t *testing.T) {
	cfg := smallSyntheticConfig()
	cfg.MultiLabel = true
	g, err := Synthetic(cfg)
	require.NoError(t, err)
	assert.True(t, g.MultiLabel)
	var numMulti int
	for node := range g.NumNodes() {
		var sum float32
		for _, v := range g.Labels.Row(node) {
			sum += v
		}
		require.GreaterOrEqual(t, sum, float32(1))
		if sum > 1 {
			numMulti++
		}
	}
	assert.Greater(t, numMulti, 0)
}

func TestNormalization(t *testing.T) {
	features := tensors.FromValue([][]float32{{1, 2}, {3, 2}, {100, 0}})
	mean, stddev, err := Normalization(features, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, mean)
	assert.Equal(t, []float64{1, 0}, stddev)

	ReplaceZerosByOnes(stddev)
	assert.Equal(t, []float64{1, 1}, stddev)

	standardized, err := Standardize(features, []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 0, 1, 0, 98, -2}, standardized.Flat())
	assert.Equal(t, []float32{1, 2, 3, 2, 100, 0}, features.Flat(), "features should not be modified")

	_, _, err = Normalization(features, nil)
	require.Error(t, err)
	_, _, err = Normalization(features, []int{3})
	require.ErrorIs(t, err, shapes.ErrShape)
}

func TestRestrictToNodes(t *testing.T) {
	// Path 0-1-2-3.
	adj, err := sparse.FromCOO(4, 4, []int{0, 1, 1, 2, 2, 3}, []int{1, 0, 2, 1, 3, 2}, []float32{1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	restricted, err := RestrictToNodes(adj, []int{0, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, 4, restricted.Rows())
	assert.Equal(t, 2, restricted.NNZ())
	assert.Equal(t, float32(1), restricted.At(0, 1))
	assert.Equal(t, float32(1), restricted.At(1, 0))
	assert.Equal(t, float32(0), restricted.At(1, 2))

	empty, err := RestrictToNodes(adj, []int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.NNZ())

	_, err = RestrictToNodes(adj, []int{4})
	require.ErrorIs(t, err, shapes.ErrShape)
}

func TestGraph(t *testing.T) {
	g, err := Synthetic(smallSyntheticConfig())
	require.NoError(t, err)
	labels := g.LabelsOf([]int{5, 0})
	assert.Equal(t, []int{2, 4}, labels.Shape().Dimensions)
	assert.Equal(t, g.Labels.Row(5), labels.Row(0))
	assert.Equal(t, g.Labels.Row(0), labels.Row(1))
	assert.Contains(t, g.String(), "200 nodes")

	normalized := g.NormalizedAdjacency()
	for r := range normalized.Rows() {
		_, values := normalized.Row(r)
		if len(values) == 0 {
			continue
		}
		var sum float32
		for _, v := range values {
			sum += v
		}
		require.InDelta(t, 1.0, sum, 1e-5)
	}

	g.TrainNodes = append(g.TrainNodes, g.NumNodes())
	require.ErrorIs(t, g.Validate(), shapes.ErrShape)
}

func TestSaveAndLoadDir(t *testing.T) {
	for _, multiLabel := range []bool{false, true} {
		cfg := smallSyntheticConfig()
		cfg.MultiLabel = multiLabel
		g, err := Synthetic(cfg)
		require.NoError(t, err)

		dir := filepath.Join(t.TempDir(), "tiny")
		require.NoError(t, SaveDir(g, dir))
		for _, file := range []string{AdjFullFile, AdjTrainFile, FeaturesFile, ClassMapFile, RoleFile} {
			require.FileExists(t, filepath.Join(dir, file))
		}

		loaded, err := LoadDir(dir)
		require.NoError(t, err)
		assert.Equal(t, "tiny", loaded.Name)
		assert.Equal(t, multiLabel, loaded.MultiLabel)
		assert.True(t, g.Labels.Equal(loaded.Labels))
		assert.True(t, g.AdjFull.Equal(loaded.AdjFull))
		assert.True(t, g.AdjTrain.Equal(loaded.AdjTrain))
		assert.Equal(t, g.TrainNodes, loaded.TrainNodes)
		assert.Equal(t, g.ValNodes, loaded.ValNodes)
		assert.Equal(t, g.TestNodes, loaded.TestNodes)

		// Features are standardized with the statistics of the training nodes.
		want, err := Standardize(g.Features, g.TrainNodes)
		require.NoError(t, err)
		assert.True(t, want.InDelta(loaded.Features, 1e-4))

		// Without adj_train.npz the training adjacency is derived from the full one.
		require.NoError(t, os.Remove(filepath.Join(dir, AdjTrainFile)))
		loaded, err = LoadDir(dir)
		require.NoError(t, err)
		assert.True(t, g.AdjTrain.Equal(loaded.AdjTrain))
	}
}

func TestLoadDirErrors(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)

	g, err := Synthetic(smallSyntheticConfig())
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, SaveDir(g, dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClassMapFile), []byte(`{"0": 1}`), 0o644))
	_, err = LoadDir(dir)
	require.ErrorIs(t, err, shapes.ErrShape)

	// Features and labels are fine, but a validation node is out of range.
	dir = t.TempDir()
	require.NoError(t, SaveDir(g, dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RoleFile), []byte(`{"tr": [0, 1], "va": [100000], "te": []}`), 0o644))
	_, err = LoadDir(dir)
	require.ErrorIs(t, err, shapes.ErrShape)
	assert.Contains(t, err.Error(), "validation node 100000 out of range")
}

func TestClassMapOffset(t *testing.T) {
	labels, multiLabel, err := parseClassMapString(t, `{"0": 3, "1": 1, "2": 2}`, 3)
	require.NoError(t, err)
	assert.False(t, multiLabel)
	assert.True(t, labels.Equal(tensors.FromValue([][]float32{{0, 0, 1}, {1, 0, 0}, {0, 1, 0}})))

	labels, multiLabel, err = parseClassMapString(t, `{"1": [1, 1], "0": [0, 1]}`, 2)
	require.NoError(t, err)
	assert.True(t, multiLabel)
	assert.True(t, labels.Equal(tensors.FromValue([][]float32{{0, 1}, {1, 1}})))

	_, _, err = parseClassMapString(t, `{"0": [1], "1": [0, 1]}`, 2)
	require.ErrorIs(t, err, shapes.ErrShape)
	_, _, err = parseClassMapString(t, `{"0": 1, "x": 0}`, 2)
	require.ErrorIs(t, err, shapes.ErrShape)
}

func parseClassMapString(t *testing.T, content string, numNodes int) (*tensors.Tensor, bool, error) {
	var classMap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(content), &classMap))
	return parseClassMap(classMap, numNodes)
}

func TestReplaceTildeInDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir, err := ReplaceTildeInDir("~/work/ppi")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "work", "ppi"), dir)

	dir, err = ReplaceTildeInDir("/tmp/ppi")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ppi", dir)

	_, err = ReplaceTildeInDir("~no-such-user-xyz/ppi")
	require.Error(t, err)

	exists, err := FileExists(t.TempDir())
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.False(t, exists)
}
