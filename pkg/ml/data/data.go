// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides the graphs GraphSAINT models are trained on, and the minibatches to train them.
//
// Graphs are loaded from a directory in the GraphSAINT format (see LoadDir) or generated (see Synthetic).
// Minibatcher yields uniformly sampled subgraphs of the training nodes, and ParallelDataset prepares them
// in the background while the model trains.
package data

import (
	"fmt"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Graph is a node classification dataset: a graph, the features and labels of its nodes, and the split of
// the nodes into training, validation and test sets.
type Graph struct {
	// Name of the dataset, usually the directory it was loaded from.
	Name string

	// Features of the nodes, shaped [numNodes, featureDim].
	Features *tensors.Tensor

	// Labels of the nodes, shaped [numNodes, numClasses]: one-hot for multi-class datasets, or 0/1 per class
	// for multi-label datasets.
	Labels *tensors.Tensor

	// AdjFull is the (not normalized) adjacency of the whole graph.
	AdjFull *sparse.Matrix

	// AdjTrain is the (not normalized) adjacency restricted to edges between training nodes. It has the same
	// shape as AdjFull.
	AdjTrain *sparse.Matrix

	// TrainNodes, ValNodes and TestNodes are the sorted node ids of each split.
	TrainNodes, ValNodes, TestNodes []int

	// MultiLabel is true if nodes can have more than one label.
	MultiLabel bool
}

// NumNodes in the graph.
func (g *Graph) NumNodes() int { return g.Features.Rows() }

// FeatureDim is the width of the node features.
func (g *Graph) FeatureDim() int { return g.Features.Cols() }

// NumClasses is the number of labels.
func (g *Graph) NumClasses() int { return g.Labels.Cols() }

// NormalizedAdjacency returns the full adjacency normalized by row (D⁻¹·A), used for evaluation.
func (g *Graph) NormalizedAdjacency() *sparse.Matrix { return g.AdjFull.RowNormalize() }

// LabelsOf returns the labels of the given nodes, in order, shaped [len(nodes), numClasses].
func (g *Graph) LabelsOf(nodes []int) *tensors.Tensor {
	numClasses := g.NumClasses()
	labels := tensors.Zeros(len(nodes), numClasses)
	flat := labels.Flat()
	for ii, node := range nodes {
		copy(flat[ii*numClasses:(ii+1)*numClasses], g.Labels.Row(node))
	}
	return labels
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	kind := "multi-class"
	if g.MultiLabel {
		kind = "multi-label"
	}
	return fmt.Sprintf("%s: %d nodes, %d edges, %d features, %d classes (%s), split %d/%d/%d",
		g.Name, g.NumNodes(), g.AdjFull.NNZ(), g.FeatureDim(), g.NumClasses(), kind,
		len(g.TrainNodes), len(g.ValNodes), len(g.TestNodes))
}

// Validate checks that the shapes of the graph components are consistent and the splits are valid node ids.
func (g *Graph) Validate() error {
	if g.Features == nil || g.Features.Rank() != 2 {
		return errors.Wrap(shapes.ErrShape, "features must be a matrix shaped [numNodes, featureDim]")
	}
	numNodes := g.NumNodes()
	if g.Labels == nil || g.Labels.Rank() != 2 || g.Labels.Rows() != numNodes {
		return errors.Wrapf(shapes.ErrShape, "labels must be shaped [%d, numClasses]", numNodes)
	}
	for name, adj := range map[string]*sparse.Matrix{"full": g.AdjFull, "train": g.AdjTrain} {
		if adj == nil || adj.Rows() != numNodes || adj.Cols() != numNodes {
			return errors.Wrapf(shapes.ErrShape, "%s adjacency %s doesn't match %d nodes", name, adj, numNodes)
		}
	}
	for name, nodes := range map[string][]int{"train": g.TrainNodes, "validation": g.ValNodes, "test": g.TestNodes} {
		for _, node := range nodes {
			if node < 0 || node >= numNodes {
				return errors.Wrapf(shapes.ErrShape, "%s node %d out of range [0, %d)", name, node, numNodes)
			}
		}
	}
	if len(g.TrainNodes) == 0 {
		return errors.New("graph has no training nodes")
	}
	return nil
}

// RestrictToNodes returns the sub-matrix of adj with only the entries whose row and column are both in nodes.
// Unlike sparse.Matrix.Induce, the result keeps the shape and node ids of adj.
func RestrictToNodes(adj *sparse.Matrix, nodes []int) (*sparse.Matrix, error) {
	inSet := make([]bool, adj.Rows())
	for _, node := range nodes {
		if node < 0 || node >= adj.Rows() {
			return nil, errors.Wrapf(shapes.ErrShape, "node %d out of range [0, %d)", node, adj.Rows())
		}
		inSet[node] = true
	}
	indPtr := make([]int, adj.Rows()+1)
	var indices []int
	var values []float32
	for r := range adj.Rows() {
		if inSet[r] {
			rowIndices, rowValues := adj.Row(r)
			for ii, c := range rowIndices {
				if c < len(inSet) && inSet[c] {
					indices = append(indices, c)
					values = append(values, rowValues[ii])
				}
			}
		}
		indPtr[r+1] = len(indices)
	}
	return sparse.New(adj.Rows(), adj.Cols(), indPtr, indices, values)
}
