// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosineschedule_test

import (
	"math"
	"testing"

	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	periodInSteps    = 100
	minLearningRate  = 0.001
	baseLearningRate = 1.0
)

func wantCosine(step, warmUp, period int) float64 {
	var ratio float64
	if step < warmUp {
		ratio = float64(step) / float64(warmUp)
	} else {
		cycle := float64(step-warmUp) / float64(period)
		ratio = (math.Cos((cycle-math.Floor(cycle))*math.Pi) + 1.0) / 2.0
	}
	return ratio*(baseLearningRate-minLearningRate) + minLearningRate
}

func TestCosineAnnealingSchedule(t *testing.T) {
	t.Run("periodSteps", func(t *testing.T) {
		schedule, err := cosineschedule.New(context.New()).
			PeriodInSteps(periodInSteps).
			LearningRate(baseLearningRate).
			MinLearningRate(minLearningRate).
			Done()
		require.NoError(t, err)
		for step := range 2 * periodInSteps {
			require.InDeltaf(t, wantCosine(step, 0, periodInSteps), schedule.LearningRateAt(int64(step), -1), 1e-9,
				"step=%d", step)
		}
	})

	t.Run("periodSteps with warmUp", func(t *testing.T) {
		const warmUpSteps = 10
		schedule, err := cosineschedule.New(context.New()).
			PeriodInSteps(periodInSteps).
			LearningRate(baseLearningRate).
			MinLearningRate(minLearningRate).
			WarmUpSteps(warmUpSteps).
			Done()
		require.NoError(t, err)
		for step := range 2*periodInSteps + warmUpSteps {
			require.InDeltaf(t, wantCosine(step, warmUpSteps, periodInSteps),
				schedule.LearningRateAt(int64(step), -1), 1e-9, "step=%d", step)
		}
	})

	t.Run("fraction of training with context configuration", func(t *testing.T) {
		const warmUpSteps = 10
		const numSteps = 2*periodInSteps + warmUpSteps
		ctx := context.New()
		ctx.SetParams(map[string]any{
			optimizers.ParamLearningRate:        baseLearningRate,
			cosineschedule.ParamPeriodSteps:     -2,
			cosineschedule.ParamWarmUpSteps:     warmUpSteps,
			cosineschedule.ParamMinLearningRate: minLearningRate,
		})
		schedule, err := cosineschedule.New(ctx).FromContext().Done()
		require.NoError(t, err)
		for step := range numSteps {
			require.InDeltaf(t, wantCosine(step, warmUpSteps, periodInSteps),
				schedule.LearningRateAt(int64(step), numSteps), 1e-9, "step=%d", step)
		}
	})
}

func TestDone(t *testing.T) {
	schedule, err := cosineschedule.New(context.New()).FromContext().Done()
	require.NoError(t, err)
	assert.Nil(t, schedule, "disabled by default")

	_, err = cosineschedule.New(context.New()).PeriodInSteps(10).Done()
	require.Error(t, err, "no learning rate")

	_, err = cosineschedule.New(context.New()).PeriodInSteps(10).LearningRate(0.1).MinLearningRate(1).Done()
	require.Error(t, err)
}

// lrRecorder records the learning rate variable seen at each training step.
type lrRecorder struct {
	ctx *context.Context
	lrs []float64
}

func (r *lrRecorder) Context() *context.Context { return r.ctx }

func (r *lrRecorder) TrainStep(_ *saint.Batch) (saint.StepResult, error) {
	r.lrs = append(r.lrs, float64(optimizers.LearningRateVar(r.ctx, -1).Value().ToScalar()))
	optimizers.IncrementGlobalStep(r.ctx)
	return saint.StepResult{Loss: 1}, nil
}

type infiniteDataset struct{}

func (infiniteDataset) Name() string                 { return "infinite" }
func (infiniteDataset) Reset()                       {}
func (infiniteDataset) Yield() (*saint.Batch, error) { return &saint.Batch{}, nil }

func TestAttachToLoop(t *testing.T) {
	const numSteps = 50
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, baseLearningRate)
	ctx.SetParam(cosineschedule.ParamMinLearningRate, minLearningRate)
	ctx.SetParam(cosineschedule.ParamPeriodSteps, -1)
	schedule, err := cosineschedule.New(ctx).FromContext().Done()
	require.NoError(t, err)

	recorder := &lrRecorder{ctx: ctx}
	loop, err := train.NewLoop(recorder)
	require.NoError(t, err)
	schedule.AttachToLoop(loop)
	_, err = loop.RunSteps(infiniteDataset{}, numSteps)
	require.NoError(t, err)
	require.Len(t, recorder.lrs, numSteps)
	for step, lr := range recorder.lrs {
		require.InDeltaf(t, wantCosine(step, 0, numSteps), lr, 1e-5, "step=%d", step)
	}
}
