// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training loop of a GraphSAINT model: it pulls minibatches from a Dataset,
// runs the model's TrainStep and calls the hooks registered by tools like checkpointing, progress bars,
// plots and evaluation.
package train

import (
	"io"
	"iter"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority orders the hooks: lower values run first, and hooks with the same priority run in the order they
// were registered.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. The metrics are the ones returned by Loop.TrainMetrics.
type OnStepFn func(loop *Loop, metrics []metrics.Value) error

// OnEpochEndFn is the type of OnEpochEnd hooks. The epoch is the one just finished, starting from 0.
type OnEpochEndFn func(loop *Loop, epoch int, metrics []metrics.Value) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []metrics.Value) error

// Metric indices in the slice returned by Loop.TrainMetrics.
const (
	BatchLossMetric = iota
	MovingAverageLossMetric
	MedianLossMetric
)

// MovingAverageDecay is the decay of the exponential moving average of the batch loss.
const MovingAverageDecay = 0.99

// Loop feeds the minibatches of a Dataset to Trainer.TrainStep, and calls the hooks registered for the start,
// each step, each epoch end and the end of a run. Validation, checkpoints, plots and the progress bar are all
// hooks.
//
// Hooks may read the exported fields, but only the Loop changes them.
type Loop struct {
	// Trainer associated with this loop, usually a *saint.Model.
	Trainer Trainer

	// LoopStep is the step being executed. It starts at the global step of the trainer's context, so a run
	// resumed from a checkpoint continues its count.
	LoopStep int

	// StartStep is LoopStep when the current run started.
	StartStep int

	// EndStep is one past the last step of the current run. RunEpochs sets it to -1 until the first epoch
	// ends, and then to an estimate from the number of batches of the last epoch.
	EndStep int

	// Epoch being run by RunEpochs, from 0.
	Epoch int

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// LastResult is the result of the last training step.
	LastResult saint.StepResult

	movingAverage *metrics.ExponentialMovingAverage
	median        *metrics.StreamingMedian

	// Registered hooks.
	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a loop for trainer, starting at the global step of its context.
func NewLoop(trainer Trainer) (*Loop, error) {
	loop := &Loop{
		Trainer:       trainer,
		movingAverage: metrics.NewExponentialMovingAverage(MovingAverageDecay),
		median:        metrics.NewStreamingMedian(),
		onStart:       newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:        newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:    newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:         newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	err := exceptions.TryCatch[error](func() {
		loop.LoopStep = int(optimizers.GetGlobalStep(trainer.Context()))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "train.NewLoop() reading global step")
	}
	return loop, nil
}

// TrainerAbsoluteScope is the scope of the variables created by the training loop.
const TrainerAbsoluteScope = context.ScopeSeparator + "trainer"

// TrainLastStepVarName is the variable, in TrainerAbsoluteScope, with Loop.EndStep. Learning rate schedules
// read it to know the length of the run.
const TrainLastStepVarName = "train_last_global_step"

// GetTrainLastStepVar returns the TrainLastStepVarName variable, creating it with -1 (unknown) if needed.
// It panics if ctx has a variable with that name and a different shape.
func GetTrainLastStepVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(TrainerAbsoluteScope).
		Checked(false).
		VariableWithValue(TrainLastStepVarName, tensors.FromScalar(-1)).
		SetTrainable(false)
}

// start resets the loss statistics and calls the OnStart hooks.
func (loop *Loop) start(ds Dataset) error {
	loop.movingAverage.Reset()
	loop.median.Reset()
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step trains on batch, updates the loss statistics and calls the OnStep hooks. A NaN or infinite loss stops
// training after the hooks ran.
func (loop *Loop) step(batch *saint.Batch) (trainMetrics []metrics.Value, err error) {
	startTime := time.Now()
	result, err := loop.Trainer.TrainStep(batch)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return nil, err
	}
	loop.LastResult = result
	batchLoss := float64(result.Loss)
	if !math.IsNaN(batchLoss) && !math.IsInf(batchLoss, 0) {
		loop.movingAverage.Update(batchLoss)
		loop.median.Update(batchLoss)
	}
	trainMetrics = loop.TrainMetrics()

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, trainMetrics)
		if err != nil {
			return nil, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	if math.IsNaN(batchLoss) {
		return nil, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return trainMetrics, nil
}

// TrainMetrics returns the training metrics after the last step: the batch loss, its moving average
// and its median since the start of the run. See BatchLossMetric and the other indices.
func (loop *Loop) TrainMetrics() []metrics.Value {
	median, _ := loop.median.Median()
	return []metrics.Value{
		BatchLossMetric: {
			Name: "Batch Loss", ShortName: "batch", MetricType: metrics.LossMetricType,
			Value: float64(loop.LastResult.Loss),
		},
		MovingAverageLossMetric: {
			Name: "Moving Average Loss", ShortName: "~loss", MetricType: metrics.LossMetricType,
			Value: loop.movingAverage.Value(),
		},
		MedianLossMetric: {
			Name: "Median Loss", ShortName: "~med", MetricType: metrics.LossMetricType,
			Value: median,
		},
	}
}

// setLastStep sets Loop.EndStep and the TrainLastStepVarName variable.
func (loop *Loop) setLastStep(lastStep int) error {
	loop.EndStep = lastStep
	var endStepVar *context.Variable
	err := exceptions.TryCatch[error](func() {
		endStepVar = GetTrainLastStepVar(loop.Trainer.Context())
	})
	if err != nil {
		return err
	}
	return endStepVar.SetValue(tensors.FromScalar(float32(loop.EndStep)))
}

// end calls the OnEnd hooks.
func (loop *Loop) end(trainMetrics []metrics.Value) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, trainMetrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) epochEnd(trainMetrics []metrics.Value) error {
	for hook := range loop.onEpochEnd.All() {
		if err := hook.fn(loop, loop.Epoch, trainMetrics); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q, epoch %d)", hook.name, loop.Epoch)
		}
	}
	return nil
}

// RunToGlobalStep trains until the global step reaches targetGlobalStep, e.g. to finish a run resumed from a
// checkpoint. It does nothing, and returns nil metrics, if the target was already reached.
func (loop *Loop) RunToGlobalStep(ds Dataset, targetGlobalStep int) (trainMetrics []metrics.Value, err error) {
	var globalStep int
	err = exceptions.TryCatch[error](func() {
		globalStep = int(optimizers.GetGlobalStep(loop.Trainer.Context()))
	})
	if err != nil {
		return nil, err
	}
	if targetGlobalStep <= globalStep {
		return nil, nil
	}
	return loop.RunSteps(ds, targetGlobalStep-globalStep)
}

// RunSteps trains for the given number of steps, from the current LoopStep. The dataset must not end
// before that. It returns the train metrics of the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (trainMetrics []metrics.Value, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.Epoch = 0
	if err = loop.setLastStep(loop.LoopStep + steps); err != nil {
		return nil, err
	}
	if err = loop.start(ds); err != nil {
		return nil, err
	}

	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		batch, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return nil, errors.Errorf(
					"dataset ended after %d of %d steps: use Loop.RunEpochs to train by epochs",
					loop.LoopStep-loop.StartStep, steps)
			}
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		trainMetrics, err = loop.step(batch)
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	err = loop.end(trainMetrics)
	if err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (GlobalStep=%d)", steps, loop.LoopStep)
	}
	return trainMetrics, nil
}

// RunEpochs trains for the given number of epochs, from the current LoopStep. An epoch ends when the dataset
// returns io.EOF. After each epoch (including the last) the dataset is reset and the OnEpochEnd hooks run.
// It returns the train metrics of the last step.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (trainMetrics []metrics.Value, err error) {
	loop.StartStep = loop.LoopStep
	if err = loop.setLastStep(-1); err != nil {
		return nil, err
	}
	loop.Epoch = 0
	if err = loop.start(ds); err != nil {
		return nil, err
	}

	loop.TrainStepDurations = nil
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			batch, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step (loop.EndStep).
					if err := loop.setLastStep(loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)); err != nil {
						return nil, err
					}
					break
				}
				return nil, errors.WithMessagef(err,
					"Loop.RunEpochs(epoch %d of %d): failed reading from Dataset", loop.Epoch, epochs)
			}
			if loop.EndStep >= 0 && loop.LoopStep >= loop.EndStep {
				// More steps than the previous epochs: keep the estimate one step ahead.
				loop.EndStep = loop.LoopStep + 1
			}
			yieldsPerEpoch++
			trainMetrics, err = loop.step(batch)
			if err != nil {
				return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep (LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		if yieldsPerEpoch == 0 {
			return nil, errors.Errorf("Loop.RunEpochs(%d): dataset %q yielded no batches in epoch %d",
				epochs, ds.Name(), loop.Epoch)
		}
		ds.Reset()
		if klog.V(1).Enabled() {
			klog.Infof("epoch %d of %d done: %d steps, %s=%s", loop.Epoch+1, epochs, yieldsPerEpoch,
				trainMetrics[MovingAverageLossMetric].Name, trainMetrics[MovingAverageLossMetric].PrettyPrint())
		}
		if err = loop.epochEnd(trainMetrics); err != nil {
			return nil, err
		}
	}
	err = loop.end(trainMetrics)
	if err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (GlobalStep=%d)", epochs, loop.LoopStep)
	}
	return
}

// MedianTrainStepDuration returns the median duration of the train steps of the last run, or 1ms if there
// were none.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart registers fn to be called before the first step of each run. The name identifies the hook in
// errors.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep registers fn to be called after each train step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd registers fn to be called after each epoch of RunEpochs, once the dataset is reset.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd registers fn to be called after the last step of each run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks holds the hooks of one kind, by priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All iterates over the hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		for _, priority := range slices.Sorted(maps.Keys(h.hooks)) {
			for _, hook := range h.hooks[priority] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
