// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"testing"

	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrainer returns losses from a list, and increments the global step like an optimizer would.
type fakeTrainer struct {
	ctx    *context.Context
	losses []float32
	steps  int
}

func newFakeTrainer(losses ...float32) *fakeTrainer {
	return &fakeTrainer{ctx: context.New(), losses: losses}
}

func (f *fakeTrainer) Context() *context.Context { return f.ctx }

func (f *fakeTrainer) TrainStep(_ *saint.Batch) (saint.StepResult, error) {
	loss := float32(1)
	if len(f.losses) > 0 {
		loss = f.losses[f.steps%len(f.losses)]
	}
	f.steps++
	optimizers.IncrementGlobalStep(f.ctx)
	return saint.StepResult{Loss: loss}, nil
}

// countingDataset yields size batches per epoch, or never ends if size is 0.
type countingDataset struct {
	size, pos int
	resets    int
}

func (ds *countingDataset) Name() string { return "counting" }

func (ds *countingDataset) Reset() {
	ds.pos = 0
	ds.resets++
}

func (ds *countingDataset) Yield() (*saint.Batch, error) {
	if ds.size > 0 && ds.pos >= ds.size {
		return nil, io.EOF
	}
	ds.pos++
	return &saint.Batch{Nodes: []int{ds.pos}}, nil
}

func TestRunSteps(t *testing.T) {
	trainer := newFakeTrainer(4, 2)
	loop, err := NewLoop(trainer)
	require.NoError(t, err)

	var order []string
	var steps []int
	loop.OnStart("start", 0, func(loop *Loop, ds Dataset) error {
		order = append(order, "start:"+ds.Name())
		return nil
	})
	loop.OnStep("second", 10, func(loop *Loop, _ []metrics.Value) error {
		order = append(order, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, _ []metrics.Value) error {
		order = append(order, "first")
		steps = append(steps, loop.LoopStep)
		return nil
	})
	loop.OnEnd("end", 0, func(loop *Loop, _ []metrics.Value) error {
		order = append(order, "end")
		return nil
	})
	trainMetrics, err := loop.RunSteps(&countingDataset{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:counting", "first", "second", "first", "second", "first", "second", "end"}, order)
	assert.Equal(t, []int{0, 1, 2}, steps)
	assert.Equal(t, 3, loop.LoopStep)
	assert.Len(t, loop.TrainStepDurations, 3)
	require.Len(t, trainMetrics, 3)
	assert.Equal(t, 4.0, trainMetrics[BatchLossMetric].Value)
	assert.InDelta(t, 10.0/3.0, trainMetrics[MovingAverageLossMetric].Value, 1e-6)
	assert.Equal(t, 4.0, trainMetrics[MedianLossMetric].Value)
	assert.Equal(t, float32(3), GetTrainLastStepVar(trainer.ctx).Value().ToScalar())

	// Continues from where it stopped.
	_, err = loop.RunToGlobalStep(&countingDataset{}, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, loop.LoopStep)
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(trainer.ctx))

	// A new loop picks up the global step.
	loop2, err := NewLoop(trainer)
	require.NoError(t, err)
	assert.Equal(t, 5, loop2.LoopStep)
	trainMetrics, err = loop2.RunToGlobalStep(&countingDataset{}, 2)
	require.NoError(t, err)
	assert.Nil(t, trainMetrics)
}

func TestRunStepsDatasetEnd(t *testing.T) {
	loop, err := NewLoop(newFakeTrainer())
	require.NoError(t, err)
	_, err = loop.RunSteps(&countingDataset{size: 2}, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataset ended after 2 of")
}

func TestRunEpochs(t *testing.T) {
	trainer := newFakeTrainer()
	loop, err := NewLoop(trainer)
	require.NoError(t, err)
	ds := &countingDataset{size: 4}

	var epochsEnded []int
	var evaluated []int
	var endSteps []int
	loop.OnEpochEnd("epochs", 0, func(loop *Loop, epoch int, _ []metrics.Value) error {
		epochsEnded = append(epochsEnded, epoch)
		endSteps = append(endSteps, loop.EndStep)
		return nil
	})
	EveryNEpochs(loop, 2, true, "eval", 0, func(loop *Loop, epoch int, _ []metrics.Value) error {
		evaluated = append(evaluated, epoch)
		return nil
	})
	_, err = loop.RunEpochs(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, epochsEnded)
	assert.Equal(t, []int{12, 12, 12}, endSteps)
	// Epoch 1 (the 2nd) and the last epoch.
	assert.Equal(t, []int{1, 2}, evaluated)
	assert.Equal(t, 3, ds.resets)
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, 12, trainer.steps)
}

func TestRunEpochsEmptyDataset(t *testing.T) {
	loop, err := NewLoop(newFakeTrainer())
	require.NoError(t, err)
	_, err = loop.RunEpochs(&countingDataset{size: 1, pos: 1}, 1)
	require.ErrorContains(t, err, "yielded no batches")
}

func TestNaNLossStopsTraining(t *testing.T) {
	loop, err := NewLoop(newFakeTrainer(1, float32(math.NaN())))
	require.NoError(t, err)
	var stepped int
	loop.OnStep("count", 0, func(*Loop, []metrics.Value) error {
		stepped++
		return nil
	})
	_, err = loop.RunSteps(&countingDataset{}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
	assert.Equal(t, 2, stepped)

	loop, err = NewLoop(newFakeTrainer(float32(math.Inf(1))))
	require.NoError(t, err)
	_, err = loop.RunSteps(&countingDataset{}, 10)
	require.ErrorContains(t, err, "infinity")
}

func TestCallbacks(t *testing.T) {
	loop, err := NewLoop(newFakeTrainer())
	require.NoError(t, err)
	var everyN, nTimes, exponential []int
	EveryNSteps(loop, 3, "every3", 0, func(loop *Loop, _ []metrics.Value) error {
		everyN = append(everyN, loop.LoopStep)
		return nil
	})
	NTimesDuringLoop(loop, 4, "4times", 0, func(loop *Loop, _ []metrics.Value) error {
		nTimes = append(nTimes, loop.LoopStep)
		return nil
	})
	ExponentialCallback(loop, 2, 2.0, false, "exponential", 0, func(loop *Loop, _ []metrics.Value) error {
		exponential = append(exponential, loop.LoopStep)
		return nil
	})
	_, err = loop.RunSteps(&countingDataset{}, 20)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8, 11, 14, 17}, everyN)
	// Evenly spread, plus the very last step.
	assert.Equal(t, []int{0, 4, 9, 14, 19}, nTimes)
	assert.Equal(t, []int{2, 6, 14}, exponential)

	assert.Panics(t, func() { EveryNSteps(loop, 0, "bad", 0, nil) })
	assert.Panics(t, func() { ExponentialCallback(loop, 1, 1.0, false, "bad", 0, nil) })
}
