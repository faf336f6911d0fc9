// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphsaint trains a GraphSAINT graph convolutional network on a node classification dataset, and
// reports the F1 scores of the validation and test nodes.
//
// The dataset is a directory in the GraphSAINT format (see data.LoadDir), or a generated community graph if
// -data is not given. The architecture and training parameters are read from an HCL file (-config), and can
// be overridden with -set, e.g.:
//
//	graphsaint -data=~/work/ppi -config=ppi.hcl -set="learning_rate=0.005;num_epochs=20"
//
// Checkpoints, plots of the training metrics and the CSV with their values are saved in the -checkpoint
// directory, or in a new directory under -output. Training resumes from the latest checkpoint if there is one.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train/commandline"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir = flag.String("data", "", "Directory of a dataset in the GraphSAINT format. "+
		"If empty, a synthetic community graph is generated.")
	flagConfig = flag.String("config", "", "HCL file with the network architecture and training parameters. "+
		"If empty a 2-hop architecture with 128 hidden units per layer is used.")
	flagOutput = flag.String("output", "~/work/graphsaint", "Base directory for the runs without -checkpoint.")

	// Synthetic dataset.
	flagSyntheticNodes      = flag.Int("synthetic_nodes", 2000, "Number of nodes of the synthetic graph, if -data is not set.")
	flagSyntheticMultiLabel = flag.Bool("synthetic_multilabel", false, "Generate a multi-label synthetic graph.")

	// Checkpointing.
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"If relative, it is created under -output. If empty, a new directory is created for the run.")
	flagCheckpointKeep     = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep.")
	flagCheckpointHalf     = flag.Bool("checkpoint_half", false, "Save the trainable variables in float16.")
	flagCheckpointCompress = flag.Bool("checkpoint_compress", false, "Compress the checkpoints with gzip.")
	flagPretrained         = flag.String("pretrained", "", "Directory of a checkpoint to initialize the model from. "+
		"Use it with -set=num_epochs=0 to only evaluate a trained model.")

	flagParallelism = flag.Int("parallelism", 0, "Number of goroutines preparing minibatches. 0 for the number of cores.")
	flagPlots       = flag.Bool("plots", true, "Save plots and a CSV file of the training metrics in the checkpoint directory.")
	flagPredictions = flag.String("predictions", "", "If set, save the predictions for all nodes to this .npy file.")
)

// createDefaultContext returns the model's default hyperparameters, plus the ones of the training loop.
func createDefaultContext() *context.Context {
	ctx := saint.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamWarmUpSteps:     0,
		cosineschedule.ParamMinLearningRate: 0.0,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	opts := &options{
		dataDir:             *flagDataDir,
		configPath:          *flagConfig,
		outputDir:           *flagOutput,
		settings:            *settings,
		syntheticNodes:      *flagSyntheticNodes,
		syntheticMultiLabel: *flagSyntheticMultiLabel,
		checkpointDir:       *flagCheckpoint,
		checkpointKeep:      *flagCheckpointKeep,
		checkpointHalf:      *flagCheckpointHalf,
		checkpointCompress:  *flagCheckpointCompress,
		pretrainedDir:       *flagPretrained,
		parallelism:         *flagParallelism,
		plots:               *flagPlots,
		predictionsPath:     *flagPredictions,
	}
	must.M(run(ctx, opts, os.Stdout))
}
