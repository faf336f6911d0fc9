// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
)

// NTimesDuringLoop calls fn on at most n steps, spread evenly over the run, and always on the last step.
// The progress bar uses it to refresh with bounded cost.
//
// When the end step is not known in advance, fn is called when the number of steps done reaches
// 128, 256, 512, ...
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("NTimesDuringLoop(n=%d): n must be > 0", n)
	}
	var calls int
	name = fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name)
	loop.OnStart(name, priority, func(*Loop, Dataset) error {
		calls = 0
		return nil
	})
	loop.OnStep(name, priority, func(loop *Loop, trainMetrics []metrics.Value) error {
		stepsDone := loop.LoopStep - loop.StartStep + 1
		switch {
		case loop.EndStep < 0:
			if stepsDone < 128<<calls {
				return nil
			}
		case loop.LoopStep < loop.EndStep-1:
			stepsPerCall := float64(loop.EndStep-loop.StartStep) / float64(n)
			if stepsPerCall > 1 && float64(calls) > float64(stepsDone)/stepsPerCall {
				return nil
			}
		}
		calls++
		return fn(loop, trainMetrics)
	})
}

// EveryNSteps calls fn every n steps of the run. It is not called on the last step, unless it falls on a
// multiple of n.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNSteps(n=%d): n must be > 0", n)
	}
	var count int
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority,
		func(loop *Loop, trainMetrics []metrics.Value) error {
			count++
			if count%n != 0 {
				return nil
			}
			return fn(loop, trainMetrics)
		})
}

// EveryNEpochs registers an OnEpochEnd hook that calls fn at the end of every n-th epoch, counting epochs
// from 1. If callOnLastEpoch is set it also calls fn at the end of the last epoch of Loop.RunEpochs.
func EveryNEpochs(loop *Loop, n int, callOnLastEpoch bool, name string, priority Priority, fn OnEpochEndFn) {
	if n <= 0 {
		exceptions.Panicf("EveryNEpochs(n=%d): n must be > 0", n)
	}
	called := -1
	fullName := fmt.Sprintf("EveryNEpochs(%d): %s", n, name)
	loop.OnEpochEnd(fullName, priority, func(loop *Loop, epoch int, trainMetrics []metrics.Value) error {
		if (epoch+1)%n != 0 {
			return nil
		}
		called = loop.LoopStep
		return fn(loop, epoch, trainMetrics)
	})
	if callOnLastEpoch {
		loop.OnEnd(fullName, priority, func(loop *Loop, trainMetrics []metrics.Value) error {
			if called == loop.LoopStep || loop.Epoch == 0 {
				// Already called for this step, or not running epochs.
				return nil
			}
			called = loop.LoopStep
			return fn(loop, loop.Epoch-1, trainMetrics)
		})
	}
}

// PeriodicCallback calls fn once at least period has passed since the previous call, e.g. to save checkpoints
// every few minutes. The clock starts at the first step, and restarts after fn returns, so a slow fn does not
// eat into the next period.
//
// If callOnEnd is set, fn is also called when the loop ends.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	var last time.Time
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, func(loop *Loop, trainMetrics []metrics.Value) error {
		if last.IsZero() {
			last = time.Now()
			return nil
		}
		if time.Since(last) < period {
			return nil
		}
		err := fn(loop, trainMetrics)
		last = time.Now()
		return err
	})
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, trainMetrics []metrics.Value) error {
			return fn(loop, trainMetrics)
		})
	}
}

// ExponentialCallback calls fn at growing intervals: first after startStep steps, and then each interval is
// factor times the previous one (rounded). The plots recorder uses it to sample the train loss densely at the
// start of training, when it changes fastest.
//
// With startStep=100 and factor=1.2 it calls fn at steps 100, 220, 364, ...
//
// If callOnEnd is set, fn is also called when the loop ends.
func ExponentialCallback(loop *Loop, startStep int, factor float64, callOnEnd bool,
	name string, priority Priority, fn OnStepFn) {
	if startStep <= 0 || factor <= 1 {
		exceptions.Panicf("ExponentialCallback(startStep=%d, factor=%g): startStep must be > 0 and factor > 1",
			startStep, factor)
	}
	var nextStep, interval int
	advance := func() {
		nextStep += interval
		interval = int(math.Round(float64(interval) * factor))
	}
	fullName := fmt.Sprintf("ExponentialCallback(%d, %g): %s", startStep, factor, name)
	loop.OnStep(fullName, priority, func(loop *Loop, trainMetrics []metrics.Value) error {
		if nextStep == 0 {
			// First call: skip the steps done by previous runs.
			interval = startStep
			for nextStep <= loop.StartStep {
				advance()
			}
		}
		if loop.LoopStep < nextStep {
			return nil
		}
		advance()
		return fn(loop, trainMetrics)
	})
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, trainMetrics []metrics.Value) error {
			return fn(loop, trainMetrics)
		})
	}
}
