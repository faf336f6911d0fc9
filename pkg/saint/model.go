// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package saint

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/layers"
	"github.com/gomlx/graphsaint/pkg/ml/train/losses"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the model that is not a hyperparameter.
type Config struct {
	Arch       ArchConfig
	NumClasses int
}

// Mode of the forward pass.
type Mode int

const (
	// ModeTrain runs the network on the subgraph of a Batch: features of the batch nodes and the batch adjacency.
	ModeTrain Mode = iota

	// ModeEval runs the network on the full graph: all features and the full adjacency.
	ModeEval
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Batch is a sampled subgraph used for one training step.
type Batch struct {
	// Nodes of the subgraph, as indices into the full graph. They must be unique.
	Nodes []int

	// Adjacency of the subgraph, normalized, shaped [len(Nodes), len(Nodes)]: row and column i refer to Nodes[i].
	Adjacency *sparse.Matrix

	// Partitions is an optional sequence of row blocks of Adjacency, whose vertical concatenation is Adjacency.
	// If given, each partition is multiplied concurrently.
	Partitions []*sparse.Matrix

	// Labels of the nodes, shaped [len(Nodes), numClasses]: one-hot for multi-class problems,
	// 0/1 per class for multi-label problems.
	Labels *tensors.Tensor

	// DropoutRate applied to the input of each layer, during training.
	DropoutRate float32
}

// Check returns an error wrapping shapes.ErrShape if the subgraph is inconsistent: missing or mis-shaped
// adjacency, partitions that don't add up to it, or repeated nodes.
func (b *Batch) Check() error {
	numNodes := len(b.Nodes)
	if b.Adjacency == nil {
		return errors.Wrapf(shapes.ErrShape, "batch of %d nodes has no adjacency", numNodes)
	}
	if b.Adjacency.Rows() != numNodes || b.Adjacency.Cols() != numNodes {
		return errors.Wrapf(shapes.ErrShape, "batch adjacency %s doesn't match its %d nodes", b.Adjacency, numNodes)
	}
	if len(b.Partitions) > 0 {
		rows := 0
		for ii, partition := range b.Partitions {
			if partition == nil || partition.Cols() != numNodes {
				return errors.Wrapf(shapes.ErrShape, "batch partition #%d should have %d columns", ii, numNodes)
			}
			rows += partition.Rows()
		}
		if rows != numNodes {
			return errors.Wrapf(shapes.ErrShape, "batch partitions have %d rows in total, expected %d", rows, numNodes)
		}
	}
	seen := make(map[int]bool, numNodes)
	for _, node := range b.Nodes {
		if seen[node] {
			return errors.Wrapf(shapes.ErrShape, "node %d appears more than once in the batch", node)
		}
		seen[node] = true
	}
	return nil
}

// StepResult is the outcome of one training step.
type StepResult struct {
	// Loss of the batch, including the L2 regularization, before the update.
	Loss float32

	// Predictions for the batch nodes, before the update: probabilities shaped [len(Nodes), numClasses].
	Predictions *tensors.Tensor

	// Grad is the clipped gradient of the first trainable variable, for diagnostics. It is nil if the
	// loss doesn't depend on it.
	Grad *tensors.Tensor
}

// EvalResult holds the evaluation of the model on a set of nodes.
type EvalResult struct {
	// Loss is the mean classification loss over the nodes, without regularization.
	Loss float32

	F1Micro, F1Macro, Accuracy float64
}

// Metrics returns the evaluation as metrics.Value, named with the given prefix (e.g.: "Validation").
func (r EvalResult) Metrics(prefix string) []metrics.Value {
	short := prefix
	if len(short) > 5 {
		short = short[:5]
	}
	return []metrics.Value{
		{Name: prefix + " loss", ShortName: short + "-loss", MetricType: metrics.LossMetricType, Value: float64(r.Loss)},
		{Name: prefix + " F1 micro", ShortName: short + "-f1mic", MetricType: metrics.F1MetricType, Value: r.F1Micro},
		{Name: prefix + " F1 macro", ShortName: short + "-f1mac", MetricType: metrics.F1MetricType, Value: r.F1Macro},
	}
}

// Model is a GraphSAINT network: its layers, variables (in its context), optimizer and normalization
// of the loss.
//
// A Model is not safe for concurrent use: callers must not run two TrainStep at the same time.
type Model struct {
	ctx        *context.Context
	arch       *Architecture
	numClasses int

	features       *tensors.Tensor
	adjFull        *sparse.Matrix
	fullPartitions []*sparse.Matrix

	aggregators []*layers.Aggregator
	dense       *layers.Dense

	loader         context.Loader
	optimizer      optimizers.Interface
	resetOptimizer bool
	clipValue      float32

	normLoss []float32
}

// Option configures New.
type Option func(m *Model)

// WithContext sets the context holding the hyperparameters and where the variables are created.
// The default is CreateDefaultContext().
func WithContext(ctx *context.Context) Option {
	return func(m *Model) { m.ctx = ctx }
}

// WithOptimizer replaces the default optimizer, created by optimizers.FromContext (Adam, by default).
func WithOptimizer(optimizer optimizers.Interface) Option {
	return func(m *Model) { m.optimizer = optimizer }
}

// WithPretrained sets the loader of pretrained variables, e.g. a checkpoints.Bundle or a
// checkpoints.Handler. Variables it provides take precedence over the initialization, and they must
// have the shapes the architecture requires.
//
// If the context already has a Loader (e.g. a checkpoints.Handler to resume training), it takes
// precedence over the pretrained one.
func WithPretrained(loader context.Loader) Option {
	return func(m *Model) { m.loader = loader }
}

// chainedLoader tries the loaders in order.
type chainedLoader []context.Loader

func (c chainedLoader) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	for _, loader := range c {
		if value, found := loader.LoadVariable(ctx, scope, name); found {
			return value, true
		}
	}
	return nil, false
}

func (c chainedLoader) DeleteVariable(ctx *context.Context, scope, name string) error {
	for _, loader := range c {
		if err := loader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	return nil
}

// New builds a model for the given configuration on the graph with the given features, shaped
// [numNodes, featureDim], and full normalized adjacency, shaped [numNodes, numNodes].
//
// It parses the architecture, creates the layers and their variables in the context, and creates the optimizer.
// Invalid configurations, and pretrained variables with the wrong shapes, return an error that
// wraps ErrConfiguration (and shapes.ErrShape for the latter).
//
// On error the context is left as it was given: variables created by New are removed and the previous
// loader is restored, so the same context can be used to build again.
func New(cfg Config, features *tensors.Tensor, adjFull *sparse.Matrix, opts ...Option) (_ *Model, err error) {
	m := &Model{numClasses: cfg.NumClasses, features: features, adjFull: adjFull}
	for _, opt := range opts {
		opt(m)
	}
	if m.ctx == nil {
		m.ctx = CreateDefaultContext()
	}
	ctx := m.ctx
	prevLoader, numVars := ctx.Loader(), ctx.NumVariables()
	defer func() {
		if err != nil {
			m.discardBuild(prevLoader, numVars)
		}
	}()
	if m.loader != nil {
		if current := ctx.Loader(); current != nil {
			ctx.SetLoader(chainedLoader{current, m.loader})
		} else {
			ctx.SetLoader(m.loader)
		}
	}

	if features == nil || features.Rank() != 2 {
		return nil, errors.Wrap(shapes.ErrShape, "features must be a matrix shaped [numNodes, featureDim]")
	}
	if adjFull == nil || adjFull.Rows() != features.Rows() || adjFull.Cols() != features.Rows() {
		return nil, errors.Wrapf(shapes.ErrShape, "full adjacency %s doesn't match features shaped %s",
			adjFull, features.Shape())
	}
	if cfg.NumClasses <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "number of classes must be > 0, got %d", cfg.NumClasses)
	}
	m.arch, err = ParseArchitecture(cfg.Arch, features.Cols())
	if err != nil {
		return nil, err
	}

	m.clipValue = float32(context.GetParamOr(ctx, ParamClipGradientValue, 5.0))
	if m.clipValue <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "%q must be > 0, got %g", ParamClipGradientValue, m.clipValue)
	}
	m.resetOptimizer = context.GetParamOr(ctx, ParamResetOptimizer, false)
	if seed := context.GetParamOr(ctx, ParamSeed, 0); seed != 0 {
		ctx.SetRandomSeed(uint64(seed))
	}
	if numPartitions := context.GetParamOr(ctx, ParamNumPartitions, 1); numPartitions > 1 {
		m.fullPartitions = adjFull.Partition(numPartitions)
	}

	err = exceptions.TryCatch[error](m.buildLayers)
	if err != nil {
		if errors.Is(err, shapes.ErrShape) {
			// Only pretrained variables can have unexpected shapes.
			return nil, errors.WithStack(fmt.Errorf("%w: pretrained variables don't match the architecture %s: %w",
				ErrConfiguration, m.arch, err))
		}
		return nil, errors.WithMessage(err, "failed to build GraphSAINT model")
	}

	if m.optimizer == nil {
		m.optimizer, err = optimizers.FromContext(ctx)
		if err != nil {
			return nil, errors.Wrapf(ErrConfiguration, "optimizer: %v", err)
		}
	}
	if klog.V(1).Enabled() {
		numParams := 0
		for _, v := range m.TrainableVariables() {
			numParams += v.Shape().Size()
		}
		klog.Infof("GraphSAINT model %s: %s trainable parameters, %d classes, %d nodes",
			m.arch, humanize.Comma(int64(numParams)), m.numClasses, features.Rows())
	}
	return m, nil
}

// discardBuild removes the variables created after the first numVars ones and reinstates loader.
// The loader is detached while deleting, so values it still holds (e.g. pretrained weights) are kept.
func (m *Model) discardBuild(loader context.Loader, numVars int) {
	ctx := m.ctx
	ctx.SetLoader(nil)
	created := slices.Collect(ctx.IterVariables())
	for _, v := range created[min(numVars, len(created)):] {
		if err := ctx.DeleteVariable(v.Scope(), v.Name()); err != nil {
			klog.Warningf("failed to remove variable %q of a failed model build: %+v", v.ScopeAndName(), err)
		}
	}
	ctx.SetLoader(loader)
}

// buildLayers creates the aggregators, one scope per layer, and the dense output layer.
func (m *Model) buildLayers() {
	dimsWeight := m.arch.DimsWeight()
	m.aggregators = make([]*layers.Aggregator, m.arch.NumLayers())
	for l, layer := range m.arch.Layers {
		m.aggregators[l] = layers.NewAggregator(m.ctx.Inf("layer_%d", l), dimsWeight[l][0], dimsWeight[l][1]).
			Order(layer.Order).
			Aggregation(layer.Aggr).
			Activation(layer.Act).
			Bias(layer.Bias).
			SharedWeights(layer.Shared).
			Done()
	}
	dimsFeat := m.arch.DimsFeat()
	m.dense = layers.NewDense(m.ctx.In("dense"), dimsFeat[len(dimsFeat)-1], m.numClasses).Done()
}

// Context holding the variables and hyperparameters of the model. Use it to checkpoint the model.
func (m *Model) Context() *context.Context { return m.ctx }

// Architecture of the model.
func (m *Model) Architecture() *Architecture { return m.arch }

// NumClasses the model predicts.
func (m *Model) NumClasses() int { return m.numClasses }

// NumNodes of the full graph.
func (m *Model) NumNodes() int { return m.features.Rows() }

// IsMultiLabel returns whether each class is an independent label (sigmoid loss).
func (m *Model) IsMultiLabel() bool { return m.arch.Loss == losses.TypeSigmoid }

// TrainableVariables of the aggregators and the dense layer, in creation order.
func (m *Model) TrainableVariables() []*context.Variable {
	var vars []*context.Variable
	for _, agg := range m.aggregators {
		vars = append(vars, agg.Variables()...)
	}
	vars = append(vars, m.dense.Variables()...)
	return slices.DeleteFunc(vars, func(v *context.Variable) bool { return !v.Trainable })
}

// SetNormLoss sets the weight of each node of the full graph in the loss. Nodes sampled more often
// should weigh less, to correct the sampling bias.
//
// If never set, each batch node weighs 1/len(batch.Nodes), and the loss is the mean over the batch.
func (m *Model) SetNormLoss(normLoss []float32) error {
	if len(normLoss) != m.NumNodes() {
		return errors.Wrapf(ErrConfiguration, "norm_loss has %d values, the graph has %d nodes", len(normLoss), m.NumNodes())
	}
	for node, w := range normLoss {
		if w < 0 {
			return errors.Wrapf(ErrConfiguration, "norm_loss[%d]=%g must be >= 0", node, w)
		}
	}
	m.normLoss = slices.Clone(normLoss)
	return nil
}

// NormLossWeights returns the loss weight of each of the given nodes, in order.
func (m *Model) NormLossWeights(nodes []int) ([]float32, error) {
	weights := make([]float32, len(nodes))
	if m.normLoss == nil {
		for ii := range weights {
			weights[ii] = 1 / float32(len(nodes))
		}
		return weights, nil
	}
	for ii, node := range nodes {
		if node < 0 || node >= len(m.normLoss) {
			return nil, errors.Wrapf(shapes.ErrShape, "node %d out of range for a graph with %d nodes", node, len(m.normLoss))
		}
		weights[ii] = m.normLoss[node]
	}
	return weights, nil
}

// newGraph creates a graph for one computation, with dropout seeded from the context random source.
func (m *Model) newGraph(name string, training bool) *Graph {
	return NewGraph(name).WithTraining(training).WithSeed(m.ctx.RandomSource().Uint64())
}

// Forward returns the logits of the network, shaped [numNodes, numClasses].
//
// In ModeTrain it runs on the batch subgraph: the features of batch.Nodes and batch.Adjacency.
// In ModeEval it runs on the full graph, and batch is ignored.
// Dropout is only applied if g is a training graph.
//
// It panics on invalid inputs, with errors wrapping shapes.ErrShape for dimension mismatches.
func (m *Model) Forward(g *Graph, mode Mode, batch *Batch) *Node {
	var (
		hidden      *Node
		adjacency   *sparse.Matrix
		partitions  []*sparse.Matrix
		dropoutRate float32
	)
	switch mode {
	case ModeTrain:
		if batch == nil || len(batch.Nodes) == 0 {
			exceptions.Panicf("Forward(%s) requires a batch with nodes", mode)
		}
		if err := batch.Check(); err != nil {
			panic(err)
		}
		hidden = Gather(Const(g, m.features), batch.Nodes)
		adjacency, partitions, dropoutRate = batch.Adjacency, batch.Partitions, batch.DropoutRate
	case ModeEval:
		if batch != nil && len(batch.Partitions) > 0 {
			klog.Warningf("Forward(%s): batch partitions ignored, the full adjacency is used", mode)
		}
		hidden = Const(g, m.features)
		adjacency, partitions = m.adjFull, m.fullPartitions
	default:
		exceptions.Panicf("Forward: invalid mode %s", mode)
	}

	for l, agg := range m.aggregators {
		hidden = agg.Apply(g, hidden, adjacency, partitions, dropoutRate)
		if klog.V(2).Enabled() {
			klog.Infof("%s: layer %d output shaped %s", g.Name(), l, hidden.Shape())
		}
	}
	hidden = L2NormalizeRows(hidden, 1e-12)
	return m.dense.Apply(g, hidden, dropoutRate)
}

// Loss returns the scalar loss for the logits of the batch nodes:
// `weight_decay·Σ l2(w) + Σ_nodes norm_loss[node]·CE(node)`, where the first sum is over all trainable
// variables and CE is the sigmoid or softmax cross-entropy, according to the architecture.
func (m *Model) Loss(g *Graph, logits *Node, batch *Batch) *Node {
	if batch.Labels == nil {
		exceptions.Panicf("Loss requires the batch labels")
	}
	if err := batch.Labels.Shape().CheckDims(len(batch.Nodes), m.numClasses); err != nil {
		panic(errors.WithMessage(err, "batch labels"))
	}
	weights, err := m.NormLossWeights(batch.Nodes)
	if err != nil {
		panic(err)
	}
	loss := m.arch.Loss.Fn()(batch.Labels, logits, weights)
	weightDecay := float32(context.GetParamOr(m.ctx, ParamWeightDecay, 0.0))
	if regularization := losses.L2Regularization(g, m.TrainableVariables(), weightDecay); regularization != nil {
		loss = Add(regularization, loss)
	}
	return loss
}

// TrainStep runs one training step on the batch: forward pass, loss, gradients with respect to all
// trainable variables, clipping of the gradients by value and update of the variables by the optimizer.
//
// If an error is returned, the variables keep their values.
func (m *Model) TrainStep(batch *Batch) (StepResult, error) {
	var (
		result StepResult
		grads  []optimizers.Gradient
	)
	err := exceptions.TryCatch[error](func() {
		g := m.newGraph("train_step", true)
		logits := m.Forward(g, ModeTrain, batch)
		loss := m.Loss(g, logits, batch)
		result.Loss = loss.Value().ToScalar()
		result.Predictions = m.arch.Loss.Activation(StopGradient(logits)).Value()

		vars := m.TrainableVariables()
		wrt := make([]*Node, len(vars))
		for ii, v := range vars {
			wrt[ii] = v.ValueGraph(g)
		}
		values := Gradient(loss, wrt...)
		grads = make([]optimizers.Gradient, len(vars))
		for ii, v := range vars {
			grads[ii] = optimizers.Gradient{Var: v, Value: values[ii]}
		}
		grads = optimizers.ClipGradientsByValue(grads, -m.clipValue, m.clipValue)
	})
	if err != nil {
		return StepResult{}, errors.WithMessage(err, "GraphSAINT train step")
	}
	if len(grads) > 0 {
		result.Grad = grads[0].Value
	}
	if err = m.optimizer.Apply(m.ctx, grads); err != nil {
		return StepResult{}, errors.WithMessage(err, "GraphSAINT train step: optimizer")
	}
	if klog.V(2).Enabled() {
		klog.Infof("train step #%d: %d nodes, loss=%g", optimizers.GetGlobalStep(m.ctx), len(batch.Nodes), result.Loss)
	}
	return result, nil
}

// Predict returns the probabilities predicted for the batch nodes, using only the batch subgraph, without dropout.
// They are shaped [len(batch.Nodes), numClasses].
func (m *Model) Predict(batch *Batch) (predictions *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		g := m.newGraph("predict", false)
		predictions = m.arch.Loss.Activation(m.Forward(g, ModeTrain, batch)).Value()
	})
	return
}

// PredictFull returns the probabilities predicted for all nodes of the graph, shaped [numNodes, numClasses].
func (m *Model) PredictFull() (predictions *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		g := m.newGraph("predict_full", false)
		predictions = m.arch.Loss.Activation(m.Forward(g, ModeEval, nil)).Value()
	})
	return
}

// Evaluate the model on the full graph, restricted to the given nodes whose labels (shaped [len(nodes), numClasses])
// are given. It returns the F1 scores (micro and macro averaged), the accuracy and the mean loss.
func (m *Model) Evaluate(nodes []int, labels *tensors.Tensor) (result EvalResult, err error) {
	if len(nodes) == 0 || labels == nil {
		return result, errors.New("Evaluate requires at least one node, and their labels")
	}
	var predictions *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		g := m.newGraph("evaluate", false)
		logits := Gather(m.Forward(g, ModeEval, nil), nodes)
		if err := labels.Shape().CheckDims(len(nodes), m.numClasses); err != nil {
			panic(errors.WithMessage(err, "evaluation labels"))
		}
		weights := make([]float32, len(nodes))
		for ii := range weights {
			weights[ii] = 1 / float32(len(nodes))
		}
		result.Loss = m.arch.Loss.Fn()(labels, logits, weights).Value().ToScalar()
		predictions = m.arch.Loss.Activation(logits).Value()
	})
	if err != nil {
		return result, errors.WithMessage(err, "GraphSAINT evaluation")
	}
	counts := metrics.NewF1Counts(m.numClasses, m.IsMultiLabel())
	if err = counts.Update(labels, predictions); err != nil {
		return result, err
	}
	result.F1Micro, result.F1Macro, result.Accuracy = counts.Micro(), counts.Macro(), counts.Accuracy()
	return result, nil
}

// ResetOptimizer resets the state of the optimizer (e.g. Adam moments), if enabled with ParamResetOptimizer.
// Otherwise, it is a no-op.
func (m *Model) ResetOptimizer() error {
	if !m.resetOptimizer {
		return nil
	}
	klog.V(1).Infof("resetting optimizer state")
	return m.optimizer.Reset(m.ctx)
}

// Optimizer used by TrainStep.
func (m *Model) Optimizer() optimizers.Interface { return m.optimizer }
