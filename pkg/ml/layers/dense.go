// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/initializers"
	"github.com/gomlx/graphsaint/pkg/ml/layers/activations"
)

// DenseBuilder configures a dense layer. Create it with NewDense.
type DenseBuilder struct {
	ctx           *context.Context
	dimIn, dimOut int
	useBias       bool
	activation    activations.Type
}

// NewDense creates a builder for a dense (fully connected) layer, `x·W + b`, from dimIn to dimOut.
// By default, it uses a bias and no activation. Variables "weights" and "bias" are created in the
// scope of ctx.
func NewDense(ctx *context.Context, dimIn, dimOut int) *DenseBuilder {
	checkDims("NewDense", dimIn, dimOut)
	return &DenseBuilder{ctx: ctx, dimIn: dimIn, dimOut: dimOut, useBias: true, activation: activations.TypeNone}
}

// Bias sets whether to add a learned bias.
func (b *DenseBuilder) Bias(useBias bool) *DenseBuilder {
	b.useBias = useBias
	return b
}

// Activation sets the activation of the layer. Default is none.
func (b *DenseBuilder) Activation(activation activations.Type) *DenseBuilder {
	b.activation = activation
	return b
}

// Done creates the variables and returns the Dense layer.
func (b *DenseBuilder) Done() *Dense {
	d := &Dense{dimIn: b.dimIn, dimOut: b.dimOut, activation: b.activation}
	d.weights = b.ctx.VariableWithShape("weights", shapes.Make(dtypes.Float32, b.dimIn, b.dimOut))
	if b.useBias {
		d.bias = b.ctx.WithInitializer(initializers.Zero).VariableWithShape("bias", shapes.Make(dtypes.Float32, b.dimOut))
	}
	return d
}

// Dense is a configured dense layer.
type Dense struct {
	dimIn, dimOut int
	weights, bias *context.Variable
	activation    activations.Type
}

// Variables of the layer.
func (d *Dense) Variables() []*context.Variable {
	return variablesOf(d.weights, d.bias)
}

// Apply the layer to x, shaped [numNodes, dimIn]. Dropout with dropoutRate is applied to x first,
// if g is a training graph.
func (d *Dense) Apply(g *Graph, x *Node, dropoutRate float32) *Node {
	if x.Shape().Rank() != 2 || x.Shape().Dim(1) != d.dimIn {
		shapes.Panicf("Dense: input shaped %s, expected [numNodes, %d]", x.Shape(), d.dimIn)
	}
	x = Dropout(x, dropoutRate)
	x = MatMul(x, d.weights.ValueGraph(g))
	if d.bias != nil {
		x = AddBias(x, d.bias.ValueGraph(g))
	}
	return activations.Apply(d.activation, x)
}
