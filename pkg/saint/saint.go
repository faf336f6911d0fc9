// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package saint implements the GraphSAINT graph convolutional network: a stack of high-order
// aggregators (see layers.NewAggregator) followed by a dense output layer, trained with mini-batches
// of sampled subgraphs and a loss normalized per node to correct the sampling bias.
//
// The architecture is described textually (see ArchConfig and ParseArchitecture), usually loaded
// from an HCL configuration file (see LoadConfigFile), and the hyperparameters are stored in the
// context.Context of the model (see CreateDefaultContext and the Param... constants).
//
// Example:
//
//	cfg, err := saint.LoadConfigFile("ppi.hcl", nil)
//	...
//	ctx := saint.CreateDefaultContext()
//	cfg.ApplyParams(ctx)
//	model, err := saint.New(saint.Config{Arch: cfg.Network, NumClasses: numClasses}, features, adjFull,
//		saint.WithContext(ctx))
//	...
//	for batch := range batches {
//		result, err := model.TrainStep(batch)
//		...
//	}
//	eval, err := model.Evaluate(validationNodes, validationLabels)
package saint

import (
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/layers"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// ErrConfiguration is returned (wrapped) for invalid architectures, unknown tokens, invalid hyperparameters
// and pretrained weights that don't match the architecture.
var ErrConfiguration = errors.New("invalid GraphSAINT configuration")

var (
	// ParamLearningRate is the learning rate of the optimizer. The default is 0.01.
	ParamLearningRate = optimizers.ParamLearningRate

	// ParamWeightDecay is the factor of the L2 regularization of all trainable variables. The default is 0.
	ParamWeightDecay = "weight_decay"

	// ParamDropout is the dropout rate used by the demo mini-batches (see Batch.DropoutRate). The default is 0.
	ParamDropout = layers.ParamDropoutRate

	// ParamNumPartitions is the number of row blocks the full adjacency is split into for evaluation,
	// each multiplied concurrently. The default is 1, no partitioning.
	ParamNumPartitions = "num_partitions"

	// ParamClipGradientValue is the absolute value gradients are clipped to. The default is 5.0.
	ParamClipGradientValue = "clip_gradient_value"

	// ParamResetOptimizer enables Model.ResetOptimizer. If false (the default), ResetOptimizer is a no-op.
	ParamResetOptimizer = "reset_optimizer"

	// ParamSeed seeds the initialization of the variables and the dropout masks. 0 (the default) means random.
	ParamSeed = "seed"

	// ParamNumEpochs is the number of training epochs. The default is 10.
	ParamNumEpochs = "num_epochs"

	// ParamEvalEvery is the number of epochs between evaluations on the validation nodes. The default is 1.
	ParamEvalEvery = "eval_every"

	// ParamBatchSize is the number of nodes in each demo mini-batch. The default is 512.
	ParamBatchSize = "batch_size"
)

// CreateDefaultContext returns a context with the default hyperparameters of the model set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLearningRate:         0.01,
		ParamWeightDecay:          0.0,
		ParamDropout:              0.0,
		optimizers.ParamOptimizer: "adam",
		ParamNumPartitions:        1,
		ParamClipGradientValue:    5.0,
		ParamResetOptimizer:       false,
		ParamSeed:                 0,
		ParamNumEpochs:            10,
		ParamEvalEvery:            1,
		ParamBatchSize:            512,
		layers.ParamNormEpsilon:   1e-9,
	})
	return ctx
}
