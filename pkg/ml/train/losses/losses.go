// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have the losses used to train graph convolutional networks on node classification,
// with per-node weights to normalize the contribution of nodes sampled with different probabilities.
//
// They all have the same signature, LossFn, and can also be called separately by custom losses.
package losses

import (
	"fmt"
	"strings"

	. "github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/pkg/errors"
)

// LossFn takes the labels, shaped [numNodes, numClasses], the logits of the model with the same shape, and
// one weight per node, and returns the scalar loss.
type LossFn func(labels *tensors.Tensor, logits *Node, weights []float32) (loss *Node)

// Type of the classification loss.
type Type int

const (
	// TypeSoftmax is used for multi-class classification, where each node has exactly one class.
	TypeSoftmax Type = iota

	// TypeSigmoid is used for multi-label classification, where each class is an independent binary label.
	TypeSigmoid
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeSoftmax:
		return "softmax"
	case TypeSigmoid:
		return "sigmoid"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// TypeString converts a loss name to its Type.
func TypeString(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "softmax":
		return TypeSoftmax, nil
	case "sigmoid":
		return TypeSigmoid, nil
	}
	return TypeSoftmax, errors.Errorf("%q is not a valid loss, options are \"softmax\" or \"sigmoid\"", name)
}

// Fn returns the LossFn for the loss type.
func (t Type) Fn() LossFn {
	if t == TypeSigmoid {
		return WeightedSigmoidCrossEntropyLogits
	}
	return WeightedSoftmaxCrossEntropyLogits
}

// Activation converts logits to probabilities, according to the loss type: sigmoid for
// TypeSigmoid and softmax (per row) for TypeSoftmax.
func (t Type) Activation(logits *Node) *Node {
	if t == TypeSigmoid {
		return Sigmoid(logits)
	}
	return Softmax(logits)
}

// WeightedSigmoidCrossEntropyLogits returns `Σ_nodes weights[node]·Σ_classes CE(node, class)`, where CE is the
// binary cross-entropy between the labels and the sigmoid of the logits.
//
// It uses the numerically stable formulation in
// https://www.tensorflow.org/api_docs/python/tf/nn/sigmoid_cross_entropy_with_logits
func WeightedSigmoidCrossEntropyLogits(labels *tensors.Tensor, logits *Node, weights []float32) *Node {
	return WeightedRowSum(SigmoidCrossEntropyWithLogits(labels, logits), weights)
}

// WeightedSoftmaxCrossEntropyLogits returns `Σ_nodes weights[node]·CE(node)`, where CE is the categorical
// cross-entropy between the labels distribution and the softmax of the logits of each node.
func WeightedSoftmaxCrossEntropyLogits(labels *tensors.Tensor, logits *Node, weights []float32) *Node {
	return WeightedRowSum(SoftmaxCrossEntropyWithLogits(labels, logits), weights)
}

// L2Regularization returns `weightDecay·Σ_v Σ v²/2` over the given variables, as TensorFlow's `l2_loss`.
// It returns nil if there are no variables or if weightDecay is 0.
func L2Regularization(g *Graph, vars []*context.Variable, weightDecay float32) *Node {
	if weightDecay == 0 || len(vars) == 0 {
		return nil
	}
	parts := make([]*Node, 0, len(vars))
	for _, v := range vars {
		parts = append(parts, L2Loss(v.ValueGraph(g)))
	}
	return MulScalar(AddN(parts...), weightDecay)
}
