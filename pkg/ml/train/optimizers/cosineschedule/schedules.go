// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate, updated by
// the training loop before each training step.
package cosineschedule

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamPeriodSteps is the length of one cosine cycle, in steps. 0 (default) disables the schedule.
	// A negative -n makes n cycles over the training steps left after warm-up: -1 is a single decay
	// over the whole training.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamWarmUpSteps is the number of initial steps where the learning rate grows linearly from the
	// minimum to optimizers.ParamLearningRate, before the cosine cycles start. Default 0.
	ParamWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamMinLearningRate is the learning rate at the end of each cycle. Default 0.
	ParamMinLearningRate = "cosine_schedule_min_learning_rate"
)

// DefaultLastStep is used for the last step of the training while one is not yet known.
const DefaultLastStep = 1_000_000_000

// Config is the builder returned by New.
type Config struct {
	ctx                           *context.Context
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
}

// New starts the configuration of a cosine annealing schedule (Loshchilov and Hutter, SGDR) of the
// learning rate of ctx. E.g., one decay over the whole training after 100 warm-up steps:
//
//	schedule, err := cosineschedule.New(ctx).
//		MinLearningRate(0.0001).
//		WarmUpSteps(100).
//		PeriodInSteps(-1).Done()
//	if err != nil { ... }
//	schedule.AttachToLoop(loop)
func New(ctx *context.Context) *Config {
	return &Config{ctx: ctx}
}

// FromContext reads ParamPeriodSteps, ParamMinLearningRate, ParamWarmUpSteps and the base learning rate
// from the context.
func (opt *Config) FromContext() *Config {
	opt.periodNumSteps = context.GetParamOr(opt.ctx, ParamPeriodSteps, 0)
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	opt.minLearningRate = context.GetParamOr(opt.ctx, ParamMinLearningRate, 0.0)
	opt.warmUpSteps = context.GetParamOr(opt.ctx, ParamWarmUpSteps, 0)
	return opt
}

// PeriodInSteps sets the cycle length, with the same meaning as ParamPeriodSteps.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate reached at the end of each cycle.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the linear warm-up length, 0 for none.
func (opt *Config) WarmUpSteps(warmUpSteps int) *Config {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate at the start of each cycle. FromContext reads it from optimizers.ParamLearningRate.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// Schedule updates the learning rate variable of the context (optimizers.LearningRateVar) according to
// the global step.
type Schedule struct {
	Config
}

// Done validates the configuration and returns the Schedule. It returns a nil Schedule (and no error)
// if the schedule is disabled (period of 0 steps).
func (opt *Config) Done() (*Schedule, error) {
	if opt.periodNumSteps == 0 {
		return nil, nil
	}
	if opt.learningRate == 0 {
		opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
		if opt.learningRate == 0 {
			return nil, errors.Errorf("learning rate not configured for cosineschedule.New and also "+
				"not set in the context as parameter %q", optimizers.ParamLearningRate)
		}
	}
	if opt.warmUpSteps < 0 {
		return nil, errors.Errorf("cosine schedule warm up steps must be >= 0, got %d", opt.warmUpSteps)
	}
	if opt.minLearningRate > opt.learningRate {
		return nil, errors.Errorf("cosine schedule minimum learning rate (%g) is larger than the learning rate (%g)",
			opt.minLearningRate, opt.learningRate)
	}
	return &Schedule{Config: *opt}, nil
}

// LearningRateAt returns the learning rate to use at the given global step (0 for the first step),
// given the last step of the training (or a negative value if not known).
func (s *Schedule) LearningRateAt(step, lastStep int64) float64 {
	lrRange := s.learningRate - s.minLearningRate
	if step < int64(s.warmUpSteps) {
		return float64(step)/float64(s.warmUpSteps)*lrRange + s.minLearningRate
	}
	cosineStep := float64(step - int64(s.warmUpSteps))

	var period float64
	if s.periodNumSteps > 0 {
		period = float64(s.periodNumSteps)
	} else {
		if lastStep < 0 {
			lastStep = DefaultLastStep
		}
		period = float64(lastStep-int64(s.warmUpSteps)) / float64(-s.periodNumSteps)
	}
	if period <= 0 {
		return s.minLearningRate
	}
	cycle := cosineStep / period
	cycle -= math.Floor(cycle)                 // Position within the current cycle, in [0, 1).
	ratio := (math.Cos(cycle*math.Pi) + 1) / 2 // from 1.0 to 0.0
	return ratio*lrRange + s.minLearningRate
}

// Update sets the learning rate variable for the next training step, based on the context's global step
// and on the last step set by the training loop (train.GetTrainLastStepVar).
func (s *Schedule) Update() (learningRate float64, err error) {
	err = exceptions.TryCatch[error](func() {
		step := optimizers.GetGlobalStep(s.ctx)
		lastStep := int64(train.GetTrainLastStepVar(s.ctx).Value().ToScalar())
		learningRate = s.LearningRateAt(step, lastStep)
		optimizers.LearningRateVar(s.ctx, s.learningRate).MustSetValue(tensors.FromScalar(float32(learningRate)))
	})
	if err != nil {
		return 0, errors.WithMessage(err, "updating cosine schedule learning rate")
	}
	return learningRate, nil
}

// AttachToLoop updates the learning rate at the start of the loop and after each step.
func (s *Schedule) AttachToLoop(loop *train.Loop) {
	const name = "cosine_schedule"
	loop.OnStart(name, -100, func(_ *train.Loop, _ train.Dataset) error {
		lr, err := s.Update()
		if err == nil && klog.V(1).Enabled() {
			klog.Infof("cosine schedule: starting learning rate %g", lr)
		}
		return err
	})
	loop.OnStep(name, -100, func(_ *train.Loop, _ []metrics.Value) error {
		_, err := s.Update()
		return err
	})
}
