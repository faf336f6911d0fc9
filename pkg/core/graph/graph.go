// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is a small reverse-mode automatic differentiation engine for float32 matrices.
//
// A Graph records every operation as it is executed (define-by-run): each op function (MatMul, Add,
// SparseMatMul, Relu, ...) computes its value immediately and returns a *Node holding it, along with
// what is needed to back-propagate through it. Gradient then walks the recorded nodes in reverse
// creation order to compute the gradients of a scalar with respect to any of the nodes.
//
// Graphs are created per computation (e.g. one per training step) and discarded afterward.
// They are not safe for concurrent use.
//
// It is designed to be dot-imported:
//
//	import . "github.com/gomlx/graphsaint/pkg/core/graph"
//
// Op functions panic on invalid inputs, with errors that wrap shapes.ErrShape for shape
// mismatches. Use exceptions.TryCatch to convert them to errors at API boundaries.
package graph

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/internal/workerspool"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// defaultPool is used by graphs that are not given a pool explicitly.
var defaultPool = workerspool.New(0)

// Graph records the operations executed, so they can be differentiated.
type Graph struct {
	name     string
	nodes    []*Node
	training bool
	rng      *rand.Rand
	pool     *workerspool.Pool

	// parameters caches the nodes created by Parameter, by key.
	parameters map[string]*Node
}

// vjpFn returns the vector-Jacobian product of the node for each of its inputs: given the gradient of the
// output with respect to the node, it returns the gradients with respect to each input.
// Only inputs for which needs[i] is true are required, others can be left nil.
type vjpFn func(grad *tensors.Tensor, needs []bool) []*tensors.Tensor

// Node is the result of an operation in a Graph. It holds the computed value.
type Node struct {
	graph       *Graph
	id          int
	op          string
	value       *tensors.Tensor
	inputs      []*Node
	vjp         vjpFn
	isParameter bool
}

// NewGraph creates an empty Graph in inference mode, with dropout randomness seeded from the
// global random source.
func NewGraph(name string) *Graph {
	return &Graph{
		name:       name,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		pool:       defaultPool,
		parameters: make(map[string]*Node),
	}
}

// WithTraining sets whether the graph is used for training, which enables Dropout. It returns the graph itself.
func (g *Graph) WithTraining(training bool) *Graph {
	g.training = training
	return g
}

// WithSeed makes the random operations of the graph (Dropout) deterministic. It returns the graph itself.
func (g *Graph) WithSeed(seed uint64) *Graph {
	g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return g
}

// WithPool sets the pool of workers used by partitioned operations. It returns the graph itself.
func (g *Graph) WithPool(pool *workerspool.Pool) *Graph {
	g.pool = pool
	return g
}

// Name of the graph, used for logging.
func (g *Graph) Name() string { return g.name }

// IsTraining returns whether the graph was marked for training.
func (g *Graph) IsTraining() bool { return g.training }

// NumNodes returns the number of nodes recorded so far.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Rand returns the graph's random number generator.
func (g *Graph) Rand() *rand.Rand { return g.rng }

func (g *Graph) newNode(op string, value *tensors.Tensor, inputs []*Node, vjp vjpFn) *Node {
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("%s: input #%d is nil", op, ii)
		}
		if input.graph != g {
			exceptions.Panicf("%s: input #%d (%s) belongs to graph %q, not %q", op, ii, input, input.graph.name, g.name)
		}
	}
	node := &Node{graph: g, id: len(g.nodes), op: op, value: value, inputs: inputs, vjp: vjp}
	g.nodes = append(g.nodes, node)
	return node
}

// Parameter returns a node for a value that one may want to differentiate with respect to, typically
// the value of a trainable variable. Calling it again with the same key returns the same node.
func (g *Graph) Parameter(key string, value *tensors.Tensor) *Node {
	if node, found := g.parameters[key]; found {
		return node
	}
	node := g.newNode("Parameter("+key+")", value, nil, nil)
	node.isParameter = true
	g.parameters[key] = node
	return node
}

// Const returns a node holding the given value. Gradients with respect to constants are still
// available, but they are usually not requested.
func Const(g *Graph, value *tensors.Tensor) *Node {
	return g.newNode("Const", value, nil, nil)
}

// Scalar returns a scalar constant node.
func Scalar(g *Graph, value float32) *Node {
	return Const(g, tensors.FromScalar(value))
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node in the graph, unique and increasing in creation order.
func (n *Node) Id() int { return n.id }

// Value computed for the node. It must not be modified.
func (n *Node) Value() *tensors.Tensor { return n.value }

// Shape of the node's value.
func (n *Node) Shape() shapes.Shape { return n.value.Shape() }

// IsParameter returns whether the node was created with Graph.Parameter.
func (n *Node) IsParameter() bool { return n.isParameter }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("#%d %s: %s", n.id, n.op, n.Shape())
}

// Gradient returns the gradient of the scalar output with respect to each of the wrt nodes.
//
// The gradient for a node that output doesn't depend on is nil, not zero.
func Gradient(output *Node, wrt ...*Node) []*tensors.Tensor {
	g := output.graph
	if !output.Shape().IsScalar() {
		shapes.Panicf("Gradient requires a scalar output, got %s", output)
	}
	numNodes := output.id + 1

	// needs[id] is true if the node is one of the wrt nodes or depends on one of them.
	needs := make([]bool, numNodes)
	for _, node := range wrt {
		if node.graph != g {
			exceptions.Panicf("Gradient with respect to node %s from a different graph", node)
		}
		if node.id < numNodes {
			needs[node.id] = true
		}
	}
	for id := range numNodes {
		for _, input := range g.nodes[id].inputs {
			if needs[input.id] {
				needs[id] = true
				break
			}
		}
	}

	grads := make([]*tensors.Tensor, numNodes)
	if needs[output.id] {
		grads[output.id] = tensors.FromScalar(1)
	}
	for id := numNodes - 1; id >= 0; id-- {
		node := g.nodes[id]
		if grads[id] == nil || node.vjp == nil {
			continue
		}
		inputNeeds := make([]bool, len(node.inputs))
		anyNeeded := false
		for ii, input := range node.inputs {
			inputNeeds[ii] = needs[input.id]
			anyNeeded = anyNeeded || inputNeeds[ii]
		}
		if !anyNeeded {
			continue
		}
		inputGrads := node.vjp(grads[id], inputNeeds)
		for ii, input := range node.inputs {
			if !inputNeeds[ii] || inputGrads[ii] == nil {
				continue
			}
			if grads[input.id] == nil {
				grads[input.id] = inputGrads[ii]
			} else {
				grads[input.id] = addTensors(grads[input.id], inputGrads[ii])
			}
		}
	}

	results := make([]*tensors.Tensor, len(wrt))
	for ii, node := range wrt {
		if node.id < numNodes {
			results[ii] = grads[node.id]
		}
		if results[ii] == nil && klog.V(2).Enabled() {
			klog.Infof("graph %q: output %s doesn't depend on %s", g.name, output, node)
		}
	}
	return results
}
