// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gomlx/graphsaint/pkg/core/tensors/numpy"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/checkpoints"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	outputDir := t.TempDir()
	opts := &options{
		configPath:      "testdata/synthetic.hcl",
		outputDir:       outputDir,
		settings:        "seed=3;cosine_schedule_steps=-1",
		syntheticNodes:  300,
		checkpointDir:   "run",
		checkpointKeep:  2,
		parallelism:     2,
		plots:           true,
		predictionsPath: filepath.Join(outputDir, "predictions.npy"),
	}
	ctx := createDefaultContext()
	var out bytes.Buffer
	require.NoError(t, run(ctx, opts, &out))
	assert.Contains(t, out.String(), "Test F1 micro")
	assert.Contains(t, out.String(), "Validation loss")

	// 180 training nodes in batches of 64 (4 * input_dim), for 2 epochs.
	assert.Equal(t, int64(6), optimizers.GetGlobalStep(ctx))

	runDir := filepath.Join(outputDir, "run")
	for _, file := range []string{"plot_loss.png", "plot_f1.png", "training_metrics.csv", "training_plot_points.json"} {
		assert.FileExists(t, filepath.Join(runDir, file))
	}
	_, err := checkpoints.LoadBundle(runDir)
	require.NoError(t, err)

	predictions := must.M1(must.M1(numpy.FromNpyFile(opts.predictionsPath)).ToTensor())
	assert.Equal(t, []int{300, 5}, predictions.Shape().Dimensions)

	// Evaluation only, with the trained model as pretrained.
	evalOpts := *opts
	evalOpts.checkpointDir = ""
	evalOpts.pretrainedDir = runDir
	evalOpts.settings = "num_epochs=0"
	evalOpts.predictionsPath = filepath.Join(outputDir, "predictions_eval.npy")
	out.Reset()
	require.NoError(t, run(createDefaultContext(), &evalOpts, &out))
	assert.Contains(t, out.String(), "Test F1 micro")
	evalPredictions := must.M1(must.M1(numpy.FromNpyFile(evalOpts.predictionsPath)).ToTensor())
	assert.True(t, predictions.InDelta(evalPredictions, 1e-5))
}

func TestRunResetOptimizer(t *testing.T) {
	adamStep := func(ctx *context.Context) int64 {
		return optimizers.GetGlobalStep(ctx.InAbsPath(context.RootScope + optimizers.AdamDefaultScope))
	}
	for _, reset := range []bool{false, true} {
		opts := &options{
			configPath:     "testdata/synthetic.hcl",
			outputDir:      t.TempDir(),
			settings:       "seed=5",
			syntheticNodes: 300,
			checkpointDir:  "run",
			checkpointKeep: 1,
			parallelism:    1,
		}
		require.NoError(t, run(createDefaultContext(), opts, &bytes.Buffer{}))

		// Resume from the checkpoint for another 2 epochs of 3 steps.
		opts.settings = fmt.Sprintf("seed=5;reset_optimizer=%v", reset)
		ctx := createDefaultContext()
		require.NoError(t, run(ctx, opts, &bytes.Buffer{}))
		assert.Equal(t, int64(12), optimizers.GetGlobalStep(ctx))
		wantAdamStep := int64(12)
		if reset {
			wantAdamStep = 6
		}
		assert.Equal(t, wantAdamStep, adamStep(ctx), "reset_optimizer=%v", reset)
	}
}

func TestRunErrors(t *testing.T) {
	opts := &options{
		configPath:     "testdata/missing.hcl",
		outputDir:      t.TempDir(),
		syntheticNodes: 100,
	}
	require.Error(t, run(createDefaultContext(), opts, &bytes.Buffer{}))

	opts.configPath = ""
	opts.settings = "unknown_param=1"
	require.Error(t, run(createDefaultContext(), opts, &bytes.Buffer{}))

	opts.settings = ""
	opts.dataDir = filepath.Join(t.TempDir(), "missing")
	require.Error(t, run(createDefaultContext(), opts, &bytes.Buffer{}))
}
