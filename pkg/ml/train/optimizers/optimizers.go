// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers updates the trainable variables of a context.Context from their gradients: Adam (and its
// AdamW and Adamax variants) and SGD, plus the global step and learning rate variables they share.
package optimizers

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Gradient of a trainable variable, as computed for one training step.
//
// A nil Value means the variable has no gradient in this step (it doesn't contribute to the loss),
// and optimizers skip it.
type Gradient struct {
	Var   *context.Variable
	Value *tensors.Tensor
}

// Interface of an optimizer. Optimizers keep their state as non-trainable variables in the context.
type Interface interface {
	// Apply updates the trainable variables with the given gradients, one training step.
	//
	// The ctx holds the hyperparameters used by the optimizer (in `ctx.Params`) and non-trainable variables
	// that the optimizer itself may create.
	//
	// Either all variables are updated or, if an error is returned, none is.
	Apply(ctx *context.Context, grads []Gradient) error

	// Reset the optimizer state (moments, step counters), without touching the trainable variables.
	Reset(ctx *context.Context) error
}

var (
	// KnownOptimizers lists the values accepted by ParamOptimizer.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":  func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"adam": func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamw": func(ctx *context.Context) Interface {
			return Adam().FromContext(ctx).WeightDecay(0.004).Done()
		},
		"adamax": func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
	}

	// ParamOptimizer selects one of KnownOptimizers, "adam" by default.
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the base learning rate of every optimizer.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue (float64) limits the absolute value of each element of the final update step.
	// Unset or 0 means no clipping.
	ParamClipStepByValue = "clip_step_by_value"
)

const (
	// GlobalStepVariableName is the variable counting training steps, created in the scope given to
	// GetGlobalStepVar (the root scope, for the training loop).
	GlobalStepVariableName = "global_step"

	// Scope of the learning rate variable.
	Scope = "optimizers"
)

// FromContext returns the optimizer named by [ParamOptimizer].
func FromContext(ctx *context.Context) (Interface, error) {
	return ByName(ctx, context.GetParamOr(ctx, ParamOptimizer, "adam"))
}

// ByName builds the optimizer optName of KnownOptimizers, configured from ctx where it applies.
func ByName(ctx *context.Context, optName string) (Interface, error) {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		names := maps.Keys(KnownOptimizers)
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", optName, names)
	}
	return optBuilder(ctx), nil
}

// GetGlobalStepVar returns the non-trainable global step variable, created with 0 if missing.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).VariableWithValue(GlobalStepVariableName, tensors.FromScalar(0)).SetTrainable(false)
}

// GetGlobalStep returns the value of GetGlobalStepVar.
func GetGlobalStep(ctx *context.Context) int64 {
	return int64(GetGlobalStepVar(ctx).Value().ToScalar())
}

// IncrementGlobalStep adds one to the global step and returns it, so the first training step is 1.
func IncrementGlobalStep(ctx *context.Context) int64 {
	v := GetGlobalStepVar(ctx)
	step := v.Value().ToScalar() + 1
	v.MustSetValue(tensors.FromScalar(step))
	return int64(step)
}

// DeleteGlobalStep removes the global step of the current scope, e.g. when reusing pretrained weights.
func DeleteGlobalStep(ctx *context.Context) error {
	return ctx.DeleteVariable(ctx.Scope(), GlobalStepVariableName)
}

// LearningRateVar returns the scalar learning rate variable, created with initialValue if missing.
// Schedules update it between steps.
func LearningRateVar(ctx *context.Context, initialValue float64) *context.Variable {
	ctx = ctx.Checked(false).In(Scope)
	return ctx.VariableWithValue(ParamLearningRate, tensors.FromScalar(float32(initialValue))).SetTrainable(false)
}

// ClipGradientsByValue clips every gradient value elementwise to the range [minValue, maxValue].
//
// Gradients with a nil Value are kept nil. The gradients given are not modified: new tensors
// are allocated for the clipped values.
func ClipGradientsByValue(grads []Gradient, minValue, maxValue float32) []Gradient {
	if minValue > maxValue {
		exceptions.Panicf("ClipGradientsByValue(min=%g, max=%g): min must be <= max", minValue, maxValue)
	}
	clipped := make([]Gradient, len(grads))
	for ii, grad := range grads {
		clipped[ii].Var = grad.Var
		if grad.Value == nil {
			continue
		}
		out := tensors.FromShape(grad.Value.Shape())
		outFlat := out.Flat()
		for jj, value := range grad.Value.Flat() {
			outFlat[jj] = min(max(value, minValue), maxValue)
		}
		clipped[ii].Value = out
	}
	return clipped
}

// checkGradients validates that gradients match their variables, before any update is made.
func checkGradients(grads []Gradient) error {
	for _, grad := range grads {
		if grad.Var == nil {
			return errors.New("gradient without a variable")
		}
		if !grad.Var.IsValid() {
			return errors.Errorf("variable %q was deleted", grad.Var.ScopeAndName())
		}
		if grad.Value == nil {
			continue
		}
		if !grad.Value.Shape().Equal(grad.Var.Shape()) {
			return errors.Wrapf(shapes.ErrShape, "gradient for variable %q shaped %s, but variable is shaped %s",
				grad.Var.ScopeAndName(), grad.Value.Shape(), grad.Var.Shape())
		}
	}
	return nil
}

// stepClipValue returns the ParamClipStepByValue hyperparameter, 0 meaning no clipping.
func stepClipValue(ctx *context.Context) float32 {
	return float32(context.GetParamOr(ctx, ParamClipStepByValue, 0.0))
}

// clipStep clips the step to [-clipByValue, clipByValue], if clipByValue > 0.
func clipStep(step, clipByValue float32) float32 {
	if clipByValue <= 0 {
		return step
	}
	return min(max(step, -clipByValue), clipByValue)
}

// SGDConfig is plain stochastic gradient descent, see StochasticGradientDescent.
type SGDConfig struct {
	learningRate float64
	useDecay     bool
}

// SGDDefaultLearningRate applies when no learning rate is configured.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent returns an SGD optimizer. Unless WithDecay(false), the learning rate used at
// step t is learning_rate/sqrt(t).
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: -1, useDecay: true}
}

// WithLearningRate sets the initial learning rate. If not set, it defaults to the context
// parameter ParamLearningRate, or SGDDefaultLearningRate.
func (sgd *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	sgd.learningRate = learningRate
	return sgd
}

// WithDecay configures whether the learning rate decays with the square root of the global step.
func (sgd *SGDConfig) WithDecay(useDecay bool) *SGDConfig {
	sgd.useDecay = useDecay
	return sgd
}

// Apply implements optimizers.Interface.
func (sgd *SGDConfig) Apply(ctx *context.Context, grads []Gradient) error {
	if err := checkGradients(grads); err != nil {
		return err
	}
	lrValue := sgd.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, SGDDefaultLearningRate)
	}
	learningRate := LearningRateVar(ctx, lrValue).Value().ToScalar()
	globalStep := IncrementGlobalStep(ctx)
	if sgd.useDecay {
		learningRate /= float32(math.Sqrt(float64(globalStep)))
	}
	clipByValue := stepClipValue(ctx)
	for _, grad := range grads {
		if grad.Value == nil || !grad.Var.Trainable {
			continue
		}
		updated := grad.Var.Value().Clone()
		values := updated.Flat()
		for ii, g := range grad.Value.Flat() {
			values[ii] -= clipStep(learningRate*g, clipByValue)
		}
		grad.Var.MustSetValue(updated)
	}
	klog.V(2).Infof("sgd: step #%d, learning rate %g, %d gradients", globalStep, learningRate, len(grads))
	return nil
}

// Reset implements optimizers.Interface. SGD only keeps the global step, which is reset to 0.
func (sgd *SGDConfig) Reset(ctx *context.Context) error {
	return GetGlobalStepVar(ctx).SetValue(tensors.FromScalar(0))
}
