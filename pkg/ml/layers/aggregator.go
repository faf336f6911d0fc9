// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	. "github.com/gomlx/graphsaint/pkg/core/graph"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/initializers"
	"github.com/gomlx/graphsaint/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AggregationType defines how the outputs of the different hops of an Aggregator are combined.
type AggregationType int

const (
	// AggregationConcat concatenates the hops outputs along the feature axis.
	AggregationConcat AggregationType = iota

	// AggregationMean adds the hops outputs element-wise.
	AggregationMean
)

// String implements fmt.Stringer.
func (a AggregationType) String() string {
	switch a {
	case AggregationConcat:
		return "concat"
	case AggregationMean:
		return "mean"
	}
	return fmt.Sprintf("AggregationType(%d)", int(a))
}

// AggregationTypeString converts a name to an AggregationType. "sum" is accepted as an alias to "mean",
// since the hops outputs are added.
func AggregationTypeString(name string) (AggregationType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "concat":
		return AggregationConcat, nil
	case "mean", "sum":
		return AggregationMean, nil
	}
	return AggregationConcat, errors.Errorf("%q is not a valid aggregation, options are \"concat\" or \"mean\"", name)
}

// BiasType defines what is added to each hop projection.
type BiasType int

const (
	// BiasNone adds nothing.
	BiasNone BiasType = iota

	// BiasAdd adds a learned bias.
	BiasAdd

	// BiasNorm adds a learned bias, and after the activation normalizes each row, with a learned
	// offset and scale. See RowNormalization.
	BiasNorm
)

// String implements fmt.Stringer.
func (b BiasType) String() string {
	switch b {
	case BiasNone:
		return "none"
	case BiasAdd:
		return "bias"
	case BiasNorm:
		return "norm"
	}
	return fmt.Sprintf("BiasType(%d)", int(b))
}

// BiasTypeString converts a name to a BiasType. The empty string is the same as "none".
func BiasTypeString(name string) (BiasType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return BiasNone, nil
	case "bias":
		return BiasAdd, nil
	case "norm":
		return BiasNorm, nil
	}
	return BiasNone, errors.Errorf("%q is not a valid bias type, options are \"none\", \"bias\" or \"norm\"", name)
}

// AggregatorBuilder configures a high-order graph aggregator. Create it with NewAggregator, configure
// it and call Done.
type AggregatorBuilder struct {
	ctx           *context.Context
	dimIn, dimOut int
	order         int
	aggregation   AggregationType
	activation    activations.Type
	bias          BiasType
	sharedWeights bool
}

// NewAggregator creates a builder for a graph aggregation layer (a graph convolution) taking
// node features of width dimIn and projecting each hop to dimOut.
//
// The layer computes hop 0 as the input itself and hop `o` as `adjacency · hop(o-1)`, for `o=1..order`.
// Each hop is projected with its own weights, followed by the bias, the activation and, if configured,
// the row normalization. The hops are then combined according to the aggregation type:
// with AggregationConcat the output width is `(order+1)·dimOut`, with AggregationMean it is `dimOut`.
//
// Defaults: order 1, AggregationConcat, relu activation, BiasNorm, one weight matrix per hop.
// Variables are created in the scope of ctx: `order{o}_weights`, `order{o}_bias`,
// `order{o}_offset` and `order{o}_scale`.
func NewAggregator(ctx *context.Context, dimIn, dimOut int) *AggregatorBuilder {
	checkDims("NewAggregator", dimIn, dimOut)
	return &AggregatorBuilder{
		ctx:         ctx,
		dimIn:       dimIn,
		dimOut:      dimOut,
		order:       1,
		aggregation: AggregationConcat,
		activation:  activations.TypeRelu,
		bias:        BiasNorm,
	}
}

// Order sets the number of hops aggregated. Order 0 means only the node itself is used.
func (b *AggregatorBuilder) Order(order int) *AggregatorBuilder {
	if order < 0 {
		exceptions.Panicf("Aggregator: order must be >= 0, got %d", order)
	}
	b.order = order
	return b
}

// Aggregation sets how hops are combined.
func (b *AggregatorBuilder) Aggregation(aggregation AggregationType) *AggregatorBuilder {
	b.aggregation = aggregation
	return b
}

// Activation sets the activation applied to each hop projection.
func (b *AggregatorBuilder) Activation(activation activations.Type) *AggregatorBuilder {
	b.activation = activation
	return b
}

// Bias sets what is added to each hop projection.
func (b *AggregatorBuilder) Bias(bias BiasType) *AggregatorBuilder {
	b.bias = bias
	return b
}

// SharedWeights configures all hops to share the same projection weights (`order0_weights`).
// Biases and normalizations are still per hop.
func (b *AggregatorBuilder) SharedWeights(shared bool) *AggregatorBuilder {
	b.sharedWeights = shared
	return b
}

// Done creates the variables of the layer and returns the Aggregator.
//
// It panics if a variable already exists, or if a variable provided by the context loader
// (e.g. pretrained weights) has a different shape.
func (b *AggregatorBuilder) Done() *Aggregator {
	a := &Aggregator{
		dimIn:       b.dimIn,
		dimOut:      b.dimOut,
		order:       b.order,
		aggregation: b.aggregation,
		activation:  b.activation,
		bias:        b.bias,
		hops:        make([]hopVariables, b.order+1),
	}
	weightsShape := shapes.Make(dtypes.Float32, b.dimIn, b.dimOut)
	biasShape := shapes.Make(dtypes.Float32, b.dimOut)
	for o := range a.hops {
		hop := &a.hops[o]
		if o == 0 || !b.sharedWeights {
			hop.weights = b.ctx.VariableWithShape(fmt.Sprintf("order%d_weights", o), weightsShape)
		} else {
			hop.weights = a.hops[0].weights
		}
		if b.bias != BiasNone {
			hop.bias = b.ctx.WithInitializer(initializers.Zero).VariableWithShape(fmt.Sprintf("order%d_bias", o), biasShape)
		}
		if b.bias == BiasNorm {
			hop.norm = RowNormalization(b.ctx, b.dimOut).
				VariableNames(fmt.Sprintf("order%d_offset", o), fmt.Sprintf("order%d_scale", o)).
				Done()
		}
	}
	klog.V(1).Infof("aggregator %q: order=%d, %s, activation=%s, bias=%s, [%d]->[%d]",
		b.ctx.Scope(), a.order, a.aggregation, a.activation, a.bias, a.dimIn, a.OutputDim())
	return a
}

type hopVariables struct {
	weights, bias *context.Variable
	norm          *RowNorm
}

// Aggregator is a configured high-order graph aggregation layer. See NewAggregator.
type Aggregator struct {
	dimIn, dimOut int
	order         int
	aggregation   AggregationType
	activation    activations.Type
	bias          BiasType
	hops          []hopVariables
}

// OutputDim returns the width of the output of the layer.
func (a *Aggregator) OutputDim() int {
	if a.aggregation == AggregationConcat {
		return (a.order + 1) * a.dimOut
	}
	return a.dimOut
}

// Order of the aggregator: the number of hops beyond the node itself.
func (a *Aggregator) Order() int { return a.order }

// Variables returns the variables of the layer, without repetitions.
func (a *Aggregator) Variables() []*context.Variable {
	var vars []*context.Variable
	for o, hop := range a.hops {
		if o == 0 || hop.weights != a.hops[0].weights {
			vars = append(vars, hop.weights)
		}
		vars = append(vars, variablesOf(hop.bias)...)
		if hop.norm != nil {
			vars = append(vars, hop.norm.Variables()...)
		}
	}
	return vars
}

// Apply the aggregation on hidden, shaped [numNodes, dimIn], using the square adjacency matrix shaped
// [numNodes, numNodes]. Dropout with dropoutRate is applied to hidden if g is a training graph.
//
// If partitions is not empty, it must be a sequence of row blocks of adjacency, whose vertical concatenation
// is adjacency: the sparse products are then computed concurrently, one task per partition.
//
// It panics with an error wrapping shapes.ErrShape if the dimensions don't match.
func (a *Aggregator) Apply(g *Graph, hidden *Node, adjacency *sparse.Matrix, partitions []*sparse.Matrix,
	dropoutRate float32) *Node {
	if hidden.Shape().Rank() != 2 || hidden.Shape().Dim(1) != a.dimIn {
		shapes.Panicf("Aggregator: hidden shaped %s, expected [numNodes, %d]", hidden.Shape(), a.dimIn)
	}
	numNodes := hidden.Shape().Dim(0)
	if a.order > 0 {
		if adjacency == nil {
			exceptions.Panicf("Aggregator: order %d requires an adjacency matrix", a.order)
		}
		if adjacency.Rows() != numNodes || adjacency.Cols() != numNodes {
			shapes.Panicf("Aggregator: adjacency %s doesn't match hidden shaped %s", adjacency, hidden.Shape())
		}
	}

	hidden = Dropout(hidden, dropoutRate)
	hop := hidden
	outputs := make([]*Node, a.order+1)
	for o := range outputs {
		if o > 0 {
			hop = SparseMatMul(adjacency, partitions, hop)
		}
		outputs[o] = a.transformHop(g, o, hop)
	}
	if len(outputs) == 1 {
		return outputs[0]
	}
	if a.aggregation == AggregationConcat {
		return Concatenate(outputs, -1)
	}
	return AddN(outputs...)
}

// transformHop projects one hop, and applies bias, activation and normalization.
func (a *Aggregator) transformHop(g *Graph, o int, x *Node) *Node {
	hop := a.hops[o]
	x = MatMul(x, hop.weights.ValueGraph(g))
	if hop.bias != nil {
		x = AddBias(x, hop.bias.ValueGraph(g))
	}
	x = activations.Apply(a.activation, x)
	if hop.norm != nil {
		x = hop.norm.Apply(g, x)
	}
	return x
}
