// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/initializers"
)

// RowNormBuilder is a helper to build a row normalization. Create it with RowNormalization,
// set the desired parameters and when all is set, call Done.
type RowNormBuilder struct {
	ctx                   *context.Context
	dim                   int
	epsilon               float64
	center, gain          bool
	offsetName, scaleName string
}

// RowNormalization normalizes each row (the features of one node) of a [numNodes, dim] input to zero mean and
// unit variance, and then applies a learned scale (gain) and offset, each shaped [dim].
//
// It is the equivalent of a layer normalization over the feature axis, with moments calculated per node.
// The epsilon defaults to [ParamNormEpsilon].
//
// It returns a RowNormBuilder for configuration. Once it is set up call RowNormBuilder.Done to create the
// variables and get the RowNorm.
func RowNormalization(ctx *context.Context, dim int) *RowNormBuilder {
	checkDims("RowNormalization", dim)
	return &RowNormBuilder{
		ctx:        ctx,
		dim:        dim,
		epsilon:    context.GetParamOr(ctx, ParamNormEpsilon, 1e-9),
		center:     true,
		gain:       true,
		offsetName: "offset",
		scaleName:  "scale",
	}
}

// Epsilon is a small float added to variance to avoid dividing by zero.
func (b *RowNormBuilder) Epsilon(value float64) *RowNormBuilder {
	b.epsilon = value
	return b
}

// LearnedOffset defines whether to add a learned offset after normalization. It defaults to true.
func (b *RowNormBuilder) LearnedOffset(value bool) *RowNormBuilder {
	b.center = value
	return b
}

// LearnedGain defines whether to multiply the normalized values by a learned gain. It defaults to true.
func (b *RowNormBuilder) LearnedGain(value bool) *RowNormBuilder {
	b.gain = value
	return b
}

// VariableNames sets the names of the offset and scale variables. They default to "offset" and "scale".
func (b *RowNormBuilder) VariableNames(offsetName, scaleName string) *RowNormBuilder {
	b.offsetName, b.scaleName = offsetName, scaleName
	return b
}

// Done creates the variables and returns the RowNorm.
func (b *RowNormBuilder) Done() *RowNorm {
	n := &RowNorm{epsilon: float32(b.epsilon)}
	shape := shapes.Make(dtypes.Float32, b.dim)
	if b.center {
		n.offset = b.ctx.WithInitializer(initializers.Zero).VariableWithShape(b.offsetName, shape)
	}
	if b.gain {
		n.scale = b.ctx.WithInitializer(initializers.One).VariableWithShape(b.scaleName, shape)
	}
	return n
}

// RowNorm is a configured row normalization. See RowNormalization.
type RowNorm struct {
	offset, scale *context.Variable
	epsilon       float32
}

// Apply the normalization to x, shaped [numNodes, dim].
func (n *RowNorm) Apply(g *Graph, x *Node) *Node {
	x = NormalizeRows(x, n.epsilon)
	if n.scale != nil {
		x = ScaleColumns(x, n.scale.ValueGraph(g))
	}
	if n.offset != nil {
		x = AddBias(x, n.offset.ValueGraph(g))
	}
	return x
}

// Variables returns the learned variables of the normalization.
func (n *RowNorm) Variables() []*context.Variable {
	return variablesOf(n.offset, n.scale)
}
