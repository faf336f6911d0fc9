// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/checkpoints"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/ml/train/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createCheckpoint saves a checkpoint with two layers, at global step 7, and a few plot points.
func createCheckpoint(t *testing.T) string {
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.02)
	ctx.SetParam("batch_size", 64)
	checkpoint, err := checkpoints.Build(ctx).Dir(t.TempDir()).Done()
	require.NoError(t, err)
	ctx.In("layer_0").VariableWithValue("weights", tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
	ctx.In("layer_1").VariableWithValue("weights", tensors.FromValue([][]float32{{1}, {2}, {3}}))
	for range 7 {
		optimizers.IncrementGlobalStep(ctx)
	}
	require.NoError(t, checkpoint.Save())

	pointWriter, errReport := plots.CreatePointsWriter(filepath.Join(checkpoint.Dir(), plots.TrainingPlotFileName))
	for step := range 3 {
		pointWriter <- plots.Point{MetricName: "Validation loss", Short: "Val-loss", MetricType: "loss",
			Step: float64(step), Value: 1.0 / float64(step+1)}
		pointWriter <- plots.Point{MetricName: "Validation F1 micro", Short: "Val-F1mi", MetricType: "f1",
			Step: float64(step), Value: 0.5}
	}
	close(pointWriter)
	require.NoError(t, <-errReport)
	return checkpoint.Dir()
}

func TestReport(t *testing.T) {
	dir := createCheckpoint(t)

	var out bytes.Buffer
	require.NoError(t, report(&out, dir, reportOptions{scope: "/", summary: true, params: true, vars: true}))
	text := out.String()
	assert.Contains(t, text, "global_step")
	assert.Contains(t, text, "learning_rate")
	assert.Contains(t, text, "0.02")
	assert.Contains(t, text, "batch_size")
	assert.Contains(t, text, "/layer_0")
	assert.Contains(t, text, "/layer_1")
	assert.NotContains(t, text, "Metrics")

	// Only the first layer.
	out.Reset()
	require.NoError(t, report(&out, dir, reportOptions{scope: "/layer_0", vars: true}))
	assert.Contains(t, out.String(), "/layer_0")
	assert.NotContains(t, out.String(), "/layer_1")

	// Metrics, filtered by type.
	out.Reset()
	require.NoError(t, report(&out, dir, reportOptions{metrics: true, metricsTypes: []string{"f1"}}))
	assert.Contains(t, out.String(), "Validation F1 micro")
	assert.NotContains(t, out.String(), "Validation loss")
	assert.Contains(t, out.String(), "Best values")
	assert.Contains(t, out.String(), "0.5000")

	// Metrics, filtered by short name.
	out.Reset()
	require.NoError(t, report(&out, dir, reportOptions{metrics: true, metricsNames: []string{"Val-loss"}}))
	assert.Contains(t, out.String(), "Validation loss")
	assert.NotContains(t, out.String(), "Validation F1 micro")
}

func TestReportErrors(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, report(&out, filepath.Join(t.TempDir(), "missing"), reportOptions{summary: true}))

	// Directory without checkpoints.
	require.Error(t, report(&out, t.TempDir(), reportOptions{summary: true}))
}
