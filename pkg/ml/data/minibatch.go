// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/pkg/errors"
)

// Minibatcher is a train.Dataset that yields uniformly sampled subgraphs of the training nodes: each epoch
// the training nodes are shuffled and split in batches of batchSize nodes (the last one may be smaller).
// Each batch holds the adjacency induced by its nodes on the training adjacency, normalized by row.
//
// It is a simple baseline, not one of the GraphSAINT node, edge or random walk samplers: all nodes are
// sampled with the same probability, so the loss normalization is uniform (see NormLoss).
//
// Yield is safe for concurrent use, so it can be wrapped by a ParallelDataset.
type Minibatcher struct {
	graph         *Graph
	name          string
	batchSize     int
	dropoutRate   float32
	numPartitions int

	mu   sync.Mutex
	rng  *rand.Rand
	perm []int
	pos  int
}

var _ train.Dataset = (*Minibatcher)(nil)

// NewMinibatcher creates a Minibatcher over the training nodes of graph. The seed makes the batches reproducible.
func NewMinibatcher(graph *Graph, batchSize int, seed uint64) (*Minibatcher, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(saint.ErrConfiguration, "batch size must be > 0, got %d", batchSize)
	}
	if len(graph.TrainNodes) == 0 {
		return nil, errors.New("graph has no training nodes")
	}
	mb := &Minibatcher{
		graph:     graph,
		name:      graph.Name + "-train",
		batchSize: batchSize,
		rng:       rand.New(rand.NewPCG(seed, seed^0xba7c4)),
		perm:      slices.Clone(graph.TrainNodes),
	}
	mb.shuffle()
	return mb, nil
}

// WithDropout sets the dropout rate of the batches yielded. It returns itself, to allow cascading configuration.
func (mb *Minibatcher) WithDropout(rate float32) *Minibatcher {
	mb.dropoutRate = rate
	return mb
}

// WithPartitions splits the adjacency of each batch in numPartitions row blocks, multiplied concurrently by the
// model. Values <= 1 disable partitioning. It returns itself, to allow cascading configuration.
func (mb *Minibatcher) WithPartitions(numPartitions int) *Minibatcher {
	mb.numPartitions = numPartitions
	return mb
}

// Name implements train.Dataset.
func (mb *Minibatcher) Name() string { return mb.name }

// ShortName implements train.HasShortName.
func (mb *Minibatcher) ShortName() string { return "trn" }

// BatchesPerEpoch is the number of batches yielded per epoch.
func (mb *Minibatcher) BatchesPerEpoch() int {
	return (len(mb.graph.TrainNodes) + mb.batchSize - 1) / mb.batchSize
}

func (mb *Minibatcher) shuffle() {
	mb.rng.Shuffle(len(mb.perm), func(i, j int) { mb.perm[i], mb.perm[j] = mb.perm[j], mb.perm[i] })
	mb.pos = 0
}

// Reset implements train.Dataset: the training nodes are reshuffled.
func (mb *Minibatcher) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.shuffle()
}

// Yield implements train.Dataset. It returns io.EOF after all the training nodes were yielded once.
func (mb *Minibatcher) Yield() (*saint.Batch, error) {
	mb.mu.Lock()
	if mb.pos >= len(mb.perm) {
		mb.mu.Unlock()
		return nil, io.EOF
	}
	end := min(mb.pos+mb.batchSize, len(mb.perm))
	nodes := slices.Clone(mb.perm[mb.pos:end])
	mb.pos = end
	mb.mu.Unlock()

	slices.Sort(nodes)
	adj, err := mb.graph.AdjTrain.Induce(nodes)
	if err != nil {
		return nil, errors.WithMessagef(err, "inducing subgraph of %d nodes", len(nodes))
	}
	batch := &saint.Batch{
		Nodes:       nodes,
		Adjacency:   adj.RowNormalize(),
		Labels:      mb.graph.LabelsOf(nodes),
		DropoutRate: mb.dropoutRate,
	}
	if mb.numPartitions > 1 {
		batch.Partitions = batch.Adjacency.Partition(mb.numPartitions)
	}
	return batch, nil
}

// NormLoss returns the weight of each node of the graph in the loss (see saint.Model.SetNormLoss): 1/batchSize
// for the training nodes, 0 for the others.
func (mb *Minibatcher) NormLoss() []float32 {
	normLoss := make([]float32, mb.graph.NumNodes())
	for _, node := range mb.graph.TrainNodes {
		normLoss[node] = 1 / float32(mb.batchSize)
	}
	return normLoss
}
