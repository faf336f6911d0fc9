// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package saint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
network {
  arch = "1-0-1-0"
  dim  = [256]
  aggr = ["concat"]
  act  = ["relu"]
  bias = ["norm"]
  loss = "sigmoid"
}

params {
  lr             = 0.01
  dropout        = 0.1
  weight_decay   = 0.0
  batch_size     = input_dim * 4
  eval_val_every = 5
  optimizer      = "adamax"
  reset_optimizer = true
}
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig), "test.hcl", EvalVariables(50, 121))
	require.NoError(t, err)
	wantNetwork := ArchConfig{
		Arch: "1-0-1-0",
		Dims: []int{256},
		Aggr: []string{"concat"},
		Act:  []string{"relu"},
		Bias: []string{"norm"},
		Loss: "sigmoid",
	}
	if diff := cmp.Diff(wantNetwork, cfg.Network); diff != "" {
		t.Errorf("network mismatch (-want +got):\n%s", diff)
	}
	wantParams := map[string]any{
		ParamLearningRate:   0.01,
		ParamDropout:        0.1,
		ParamWeightDecay:    0,
		ParamBatchSize:      200,
		ParamEvalEvery:      5,
		"optimizer":         "adamax",
		ParamResetOptimizer: true,
	}
	if diff := cmp.Diff(wantParams, cfg.Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	ctx := CreateDefaultContext()
	cfg.ApplyParams(ctx.In("some_scope"))
	assert.Equal(t, 200, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, ParamLearningRate, 0.0))
	assert.True(t, context.GetParamOr(ctx, ParamResetOptimizer, false))
	assert.Equal(t, 0.0, context.GetParamOr(ctx, ParamWeightDecay, 1.0))

	arch, err := ParseArchitecture(cfg.Network, 50)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 512, 256, 512, 256}, arch.DimsFeat())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reddit.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
network {
  arch   = "1-1"
  dim    = [128, num_classes]
  shared = [true, false]
}
`), 0o644))
	cfg, err := LoadConfigFile(path, EvalVariables(602, 41))
	require.NoError(t, err)
	assert.Equal(t, []int{128, 41}, cfg.Network.Dims)
	assert.Equal(t, []bool{true, false}, cfg.Network.Shared)
	assert.Empty(t, cfg.Params)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.hcl"), nil)
	require.Error(t, err)
}

func TestParseConfigErrors(t *testing.T) {
	testCases := []struct {
		name, src string
	}{
		{"syntax", `network {`},
		{"missing-network", `params { lr = 0.1 }`},
		{"missing-arch", `network { dim = [4] }`},
		{"unknown-variable", `
network {
  arch = "1"
  dim  = [hidden]
}`},
		{"duplicate-alias", `
network {
  arch = "1"
  dim  = [4]
}
params {
  lr            = 0.1
  learning_rate = 0.2
}`},
		{"object-param", `
network {
  arch = "1"
  dim  = [4]
}
params {
  phase = { end = 10 }
}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.src), tc.name+".hcl", EvalVariables(4, 2))
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}
}
