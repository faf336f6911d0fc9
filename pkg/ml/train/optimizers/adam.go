// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/initializers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// AdamDefaultLearningRate applies when neither AdamConfig.LearningRate nor ParamLearningRate are set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the root-level scope holding Adam's moments and step counter.
	AdamDefaultScope = "AdamOptimizer"

	// ParamAdamEpsilon overrides AdamConfig.Epsilon (float64).
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay overrides AdamConfig.WeightDecay (float64, default 0).
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the decay of the first moment average, 0.9 by default.
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the decay of the second moment average, 0.999 by default.
	ParamAdamBeta2 = "adam_beta2"
)

// Adam starts the configuration of the Adam optimizer (Kingma and Ba, https://arxiv.org/abs/1412.6980),
// the one GraphSAINT trains with. Finish with AdamConfig.Done; [AdamConfig.FromContext] reads the
// "adam_*" hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig is the builder returned by Adam.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
}

// FromContext overrides the configuration with ParamAdamEpsilon, ParamAdamWeightDecay, ParamAdamBeta1 and
// ParamAdamBeta2, when set in ctx.
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.Epsilon(context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon))
	c.WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, c.weightDecay))
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	return c
}

// Scope changes where the moments and the step counter are stored. Default is AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate fixes the base learning rate. If not set, ParamLearningRate is read from the context, with
// AdamDefaultLearningRate as fallback.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the decays of the averaged gradient (beta1) and of the averaged squared gradient (beta2).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon is added to the denominator of the update, 1e-8 by default.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax replaces the second moment by an exponentially weighted max of the absolute gradient.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay makes it AdamW: weights shrink by weightDecay*learningRate at every step.
//
// This is independent of the L2 regularization term the GraphSAINT loss adds.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config *AdamConfig
}

// adamUpdate holds the new values of a variable and its moments, applied only once all updates
// have been calculated.
type adamUpdate struct {
	v, m1Var, m2Var         *context.Variable
	value, moment1, moment2 *tensors.Tensor
}

// Apply implements optimizers.Interface.
func (o *adam) Apply(ctx *context.Context, grads []Gradient) error {
	if err := checkGradients(grads); err != nil {
		return err
	}
	cfg := o.config
	lrValue := cfg.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	learningRate := float64(LearningRateVar(ctx, lrValue).Value().ToScalar())

	// Adam keeps its own step counter, for the bias correction, zeroed by Reset.
	_ = IncrementGlobalStep(ctx)
	adamStep := IncrementGlobalStep(ctx.InAbsPath(context.JoinScope(context.RootScope, cfg.scopeName)))

	debiasTermBeta1 := float32(1 / (1 - math.Pow(cfg.beta1, float64(adamStep))))
	debiasTermBeta2 := float32(1 / (1 - math.Pow(cfg.beta2, float64(adamStep))))
	beta1, beta2 := float32(cfg.beta1), float32(cfg.beta2)
	epsilon := float32(cfg.epsilon)
	lr := float32(learningRate)
	weightDecay := float32(cfg.weightDecay)
	clipByValue := stepClipValue(ctx)

	updates := make([]adamUpdate, 0, len(grads))
	for _, grad := range grads {
		if grad.Value == nil || !grad.Var.Trainable {
			continue
		}
		m1Var, m2Var := o.getMomentVariables(ctx, grad.Var)
		u := adamUpdate{
			v: grad.Var, m1Var: m1Var, m2Var: m2Var,
			value:   grad.Var.Value().Clone(),
			moment1: m1Var.Value().Clone(),
			moment2: m2Var.Value().Clone(),
		}
		value, moment1, moment2 := u.value.Flat(), u.moment1.Flat(), u.moment2.Flat()
		for ii, g := range grad.Value.Flat() {
			moment1[ii] = beta1*moment1[ii] + (1-beta1)*g
			var denominator float32
			if cfg.adamax {
				moment2[ii] = max(beta2*moment2[ii], float32(math.Abs(float64(g))))
				denominator = moment2[ii] + epsilon
			} else {
				moment2[ii] = beta2*moment2[ii] + (1-beta2)*g*g
				denominator = float32(math.Sqrt(float64(moment2[ii]*debiasTermBeta2))) + epsilon
			}
			step := lr * moment1[ii] * debiasTermBeta1 / denominator
			if weightDecay > 0 {
				step += lr * weightDecay * value[ii]
			}
			value[ii] -= clipStep(step, clipByValue)
		}
		updates = append(updates, u)
	}

	// All shapes were checked, so setting values can't fail from here on.
	for _, u := range updates {
		u.m1Var.MustSetValue(u.moment1)
		u.m2Var.MustSetValue(u.moment2)
		u.v.MustSetValue(u.value)
	}
	if klog.V(2).Enabled() {
		klog.Infof("adam: step #%d, learning rate %g, %d variables updated", adamStep, learningRate, len(updates))
	}
	return nil
}

// getMomentVariables returns the moment variables corresponding to the trainable variable given,
// creating them (zero initialized) if they don't exist yet.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	originalScope := trainable.Scope()
	originalName := trainable.Name()
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, originalScope)
	if originalScope == context.RootScope {
		scopePath = context.ScopeSeparator + o.config.scopeName
	}
	m1Name := fmt.Sprintf("%s_1st_moment", originalName)
	m2Name := fmt.Sprintf("%s_2nd_moment", originalName)
	shape := trainable.Shape().Clone()

	// It shouldn't matter if it's the first time or not creating the variable.
	ctx = ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	m1 = ctx.VariableWithShape(m1Name, shape).SetTrainable(false)
	m2 = ctx.VariableWithShape(m2Name, shape).SetTrainable(false)
	return
}

// Reset implements Interface: it zeroes the moments and Adam's step counter.
func (o *adam) Reset(ctx *context.Context) error {
	ctxAdam := ctx.InAbsPath(context.JoinScope(context.RootScope, o.config.scopeName))

	// State still held by the context Loader (e.g. a resumed checkpoint) is only read when first used:
	// pull it in now, so it is zeroed too.
	var trainables []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			trainables = append(trainables, v)
		}
	}
	err := exceptions.TryCatch[error](func() {
		GetGlobalStepVar(ctxAdam)
		for _, v := range trainables {
			o.getMomentVariables(ctx, v)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "while loading Adam optimizer state to reset")
	}

	count := 0
	for v := range ctxAdam.IterVariablesInScope() {
		if err := v.SetValue(tensors.FromShape(v.Shape())); err != nil {
			return errors.WithMessagef(err, "while resetting Adam optimizer")
		}
		count++
	}
	klog.V(1).Infof("adam: reset %d optimizer variables in scope %q", count, ctxAdam.Scope())
	return nil
}
