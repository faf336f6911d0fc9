// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphsaint/pkg/core/tensors/numpy"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/checkpoints"
	"github.com/gomlx/graphsaint/pkg/ml/data"
	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/commandline"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/graphsaint/pkg/ml/train/plots"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointPeriod is the time between checkpoints during training.
const CheckpointPeriod = time.Minute

type options struct {
	dataDir, configPath, outputDir, settings string

	syntheticNodes      int
	syntheticMultiLabel bool

	checkpointDir                      string
	checkpointKeep                     int
	checkpointHalf, checkpointCompress bool
	pretrainedDir                      string

	parallelism     int
	plots           bool
	predictionsPath string
}

// defaultArchitecture has two aggregation layers over the immediate neighbours, each followed by a
// layer transforming each node.
func defaultArchitecture(multiLabel bool) saint.ArchConfig {
	loss := "softmax"
	if multiLabel {
		loss = "sigmoid"
	}
	return saint.ArchConfig{
		Arch: "1-0-1-0",
		Dims: []int{128},
		Aggr: []string{"concat"},
		Act:  []string{"relu"},
		Bias: []string{"norm"},
		Loss: loss,
	}
}

func loadGraph(opts *options) (*data.Graph, error) {
	if opts.dataDir == "" {
		cfg := data.DefaultSyntheticConfig()
		cfg.NumNodes = opts.syntheticNodes
		cfg.MultiLabel = opts.syntheticMultiLabel
		return data.Synthetic(cfg)
	}
	dir, err := data.ReplaceTildeInDir(opts.dataDir)
	if err != nil {
		return nil, err
	}
	return data.LoadDir(dir)
}

// run loads the dataset, builds the model, trains it and reports the final evaluation to w.
func run(ctx *context.Context, opts *options, w io.Writer) error {
	g, err := loadGraph(opts)
	if err != nil {
		return err
	}
	klog.Infof("dataset %s", g)

	archCfg := defaultArchitecture(g.MultiLabel)
	if opts.configPath != "" {
		fileCfg, err := saint.LoadConfigFile(opts.configPath, saint.EvalVariables(g.FeatureDim(), g.NumClasses()))
		if err != nil {
			return err
		}
		archCfg = fileCfg.Network
		fileCfg.ApplyParams(ctx)
	}
	if err = commandline.ParseContextSettings(ctx, opts.settings); err != nil {
		return err
	}

	checkpoint, err := createCheckpoint(ctx, opts, g.Name)
	if err != nil {
		return err
	}
	// Settings given in the command line take precedence over the ones loaded from the checkpoint.
	if err = commandline.ParseContextSettings(ctx, opts.settings); err != nil {
		return err
	}
	klog.V(1).Infof("hyperparameters:\n%s", commandline.SprintContextSettings(ctx))

	modelOpts := []saint.Option{saint.WithContext(ctx)}
	if opts.pretrainedDir != "" {
		dir, err := data.ReplaceTildeInDir(opts.pretrainedDir)
		if err != nil {
			return err
		}
		bundle, err := checkpoints.LoadBundle(dir)
		if err != nil {
			return err
		}
		modelOpts = append(modelOpts, saint.WithPretrained(bundle))
	}
	model, err := saint.New(saint.Config{Arch: archCfg, NumClasses: g.NumClasses()}, g.Features,
		g.NormalizedAdjacency(), modelOpts...)
	if err != nil {
		return err
	}
	klog.Infof("model %s: %s parameters, %s", model.Architecture(),
		humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))

	seed := uint64(context.GetParamOr(ctx, saint.ParamSeed, 0))
	if seed == 0 {
		seed = ctx.RandomSource().Uint64()
	}
	minibatcher, err := data.NewMinibatcher(g, context.GetParamOr(ctx, saint.ParamBatchSize, 512), seed)
	if err != nil {
		return err
	}
	minibatcher.
		WithDropout(float32(context.GetParamOr(ctx, saint.ParamDropout, 0.0))).
		WithPartitions(context.GetParamOr(ctx, saint.ParamNumPartitions, 1))
	if err = model.SetNormLoss(minibatcher.NormLoss()); err != nil {
		return err
	}

	if numEpochs := context.GetParamOr(ctx, saint.ParamNumEpochs, 10); numEpochs > 0 {
		if err = trainModel(ctx, opts, g, model, minibatcher, checkpoint, numEpochs, w); err != nil {
			return err
		}
	}
	return finalReport(model, g, opts, w)
}

// createCheckpoint creates the checkpoints.Handler, which loads the latest checkpoint of the directory if there
// is one.
func createCheckpoint(ctx *context.Context, opts *options, datasetName string) (*checkpoints.Handler, error) {
	outputDir, err := data.ReplaceTildeInDir(opts.outputDir)
	if err != nil {
		return nil, err
	}
	dir := opts.checkpointDir
	if dir == "" {
		dir = fmt.Sprintf("%s-%s", datasetName, uuid.NewString()[:8])
	}
	if dir, err = data.ReplaceTildeInDir(dir); err != nil {
		return nil, err
	}
	cfg := checkpoints.Build(ctx).DirFromBase(dir, outputDir).Keep(opts.checkpointKeep)
	if opts.checkpointHalf {
		cfg.Half()
	}
	if opts.checkpointCompress {
		cfg.Compress()
	}
	checkpoint, err := cfg.Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "while setting up checkpoints in %q", dir)
	}
	klog.Infof("checkpoints in %q", checkpoint.Dir())
	return checkpoint, nil
}

// trainModel runs the training loop for numEpochs, with a progress bar, the cosine schedule of the learning rate
// (if configured), periodic checkpoints, validation every eval_every epochs and plots of the metrics.
// The optimizer state is reset first if reset_optimizer is set.
func trainModel(ctx *context.Context, opts *options, g *data.Graph, model *saint.Model, minibatcher *data.Minibatcher,
	checkpoint *checkpoints.Handler, numEpochs int, w io.Writer) error {
	ds := data.CustomParallel(minibatcher).Parallelism(opts.parallelism).Buffer(4).Start()
	defer ds.Done()

	loop, err := train.NewLoop(model)
	if err != nil {
		return err
	}
	commandline.AttachProgressBarToWriter(loop, w)
	// With reset_optimizer, the optimizer state of a resumed (or pretrained) model is discarded before training.
	loop.OnStart("reset optimizer", -200, func(_ *train.Loop, _ train.Dataset) error {
		return model.ResetOptimizer()
	})
	schedule, err := cosineschedule.New(ctx).FromContext().Done()
	if err != nil {
		return err
	}
	if schedule != nil {
		schedule.AttachToLoop(loop)
	}

	var recorder *plots.Recorder
	if opts.plots {
		recorder = plots.New().WithDir(checkpoint.Dir()).ScheduleExponential(loop, 10, 1.2)
	}
	evalEvery := context.GetParamOr(ctx, saint.ParamEvalEvery, 1)
	if evalEvery > 0 && len(g.ValNodes) > 0 {
		valLabels := g.LabelsOf(g.ValNodes)
		train.EveryNEpochs(loop, evalEvery, true, "validation", 100,
			func(loop *train.Loop, epoch int, _ []metrics.Value) error {
				result, err := model.Evaluate(g.ValNodes, valLabels)
				if err != nil {
					return err
				}
				if recorder != nil {
					recorder.AddMetrics(loop.LoopStep, result.Metrics("Validation"))
				}
				klog.V(1).Infof("epoch %d (step %d): validation loss=%.4g, F1 micro=%.4f, F1 macro=%.4f",
					epoch, loop.LoopStep, result.Loss, result.F1Micro, result.F1Macro)
				return nil
			})
	}
	train.PeriodicCallback(loop, CheckpointPeriod, true, "saving checkpoint", 110, checkpoint.OnStepFn)

	klog.Infof("training %d epochs of %d batches", numEpochs, minibatcher.BatchesPerEpoch())
	if _, err = loop.RunEpochs(ds, numEpochs); err != nil {
		return errors.WithMessagef(err, "training failed at step %d", loop.LoopStep)
	}
	klog.Infof("trained %d steps, median step duration %s", loop.LoopStep, loop.MedianTrainStepDuration())
	return nil
}

// finalReport evaluates the validation and test nodes, and saves the predictions if requested.
func finalReport(model *saint.Model, g *data.Graph, opts *options, w io.Writer) error {
	var values []metrics.Value
	for _, split := range []struct {
		name  string
		nodes []int
	}{{"Validation", g.ValNodes}, {"Test", g.TestNodes}} {
		if len(split.nodes) == 0 {
			continue
		}
		result, err := model.Evaluate(split.nodes, g.LabelsOf(split.nodes))
		if err != nil {
			return err
		}
		values = append(values, result.Metrics(split.name)...)
		values = append(values, metrics.Value{Name: split.name + " accuracy", ShortName: split.name[:min(5, len(split.name))] + "-acc",
			MetricType: metrics.AccuracyMetricType, Value: result.Accuracy})
	}
	if err := commandline.ReportEval(w, "Final evaluation of "+g.Name, values); err != nil {
		return err
	}

	if opts.predictionsPath != "" {
		predictions, err := model.PredictFull()
		if err != nil {
			return err
		}
		path, err := data.ReplaceTildeInDir(opts.predictionsPath)
		if err != nil {
			return err
		}
		if err = numpy.ToNpyFile(predictions, path); err != nil {
			return err
		}
		klog.Infof("predictions saved to %q", filepath.Clean(path))
	}
	return nil
}
