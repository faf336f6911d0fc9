// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SyntheticConfig configures the community graph generated by Synthetic.
type SyntheticConfig struct {
	NumNodes, NumClasses, FeatureDim int

	// AvgDegree is the expected number of neighbors of each node.
	AvgDegree float64

	// Homophily is the probability of an edge connecting two nodes of the same class.
	Homophily float64

	// Noise is the standard deviation of the noise added to the class centroid of each node's features.
	Noise float64

	// TrainFraction and ValFraction of the nodes, the remaining ones are test nodes.
	TrainFraction, ValFraction float64

	// MultiLabel generates multi-label nodes: besides its community, each node has a 30% chance of
	// also having the label of the next community.
	MultiLabel bool

	Seed uint64
}

// DefaultSyntheticConfig returns a small graph that trains in a few seconds.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumNodes:      2000,
		NumClasses:    5,
		FeatureDim:    16,
		AvgDegree:     10,
		Homophily:     0.8,
		Noise:         2.0,
		TrainFraction: 0.6,
		ValFraction:   0.2,
		Seed:          42,
	}
}

// Synthetic generates a graph of communities: each node belongs to one community (its class), its features
// are a noisy version of the community centroid, and edges connect nodes mostly within a community.
// The features can be (weakly) predicted from the node alone, and much better from its neighborhood.
func Synthetic(cfg SyntheticConfig) (*Graph, error) {
	if cfg.NumNodes < 2 || cfg.NumClasses < 1 || cfg.FeatureDim < 1 {
		return nil, errors.Errorf("invalid synthetic graph size: %d nodes, %d classes, %d features",
			cfg.NumNodes, cfg.NumClasses, cfg.FeatureDim)
	}
	if cfg.TrainFraction <= 0 || cfg.ValFraction < 0 || cfg.TrainFraction+cfg.ValFraction > 1 {
		return nil, errors.Errorf("invalid split fractions: train=%g, validation=%g", cfg.TrainFraction, cfg.ValFraction)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed))
	n, numClasses := cfg.NumNodes, cfg.NumClasses

	// Communities.
	classes := make([]int, n)
	members := make([][]int, numClasses)
	for node := range classes {
		classes[node] = node % numClasses
	}
	rng.Shuffle(n, func(i, j int) { classes[i], classes[j] = classes[j], classes[i] })
	for node, class := range classes {
		members[class] = append(members[class], node)
	}

	// Features: centroid plus noise.
	centroids := make([][]float32, numClasses)
	for class := range centroids {
		centroids[class] = make([]float32, cfg.FeatureDim)
		for ii := range centroids[class] {
			centroids[class][ii] = float32(rng.NormFloat64())
		}
	}
	features := tensors.Zeros(n, cfg.FeatureDim)
	for node, class := range classes {
		row := features.Row(node)
		for ii := range row {
			row[ii] = centroids[class][ii] + float32(cfg.Noise*rng.NormFloat64())
		}
	}

	// Labels.
	labels := tensors.Zeros(n, numClasses)
	for node, class := range classes {
		labels.Set(node, class, 1)
		if cfg.MultiLabel && numClasses > 1 && rng.Float64() < 0.3 {
			labels.Set(node, (class+1)%numClasses, 1)
		}
	}

	// Undirected edges, without self-loops.
	type edge struct{ from, to int }
	edges := make(map[edge]bool)
	edgesPerNode := int(cfg.AvgDegree/2 + 0.5)
	for from, class := range classes {
		for range edgesPerNode {
			var to int
			if rng.Float64() < cfg.Homophily {
				to = members[class][rng.IntN(len(members[class]))]
			} else {
				to = rng.IntN(n)
			}
			if to == from {
				continue
			}
			edges[edge{from, to}] = true
			edges[edge{to, from}] = true
		}
	}
	rows := make([]int, 0, len(edges))
	cols := make([]int, 0, len(edges))
	for e := range edges {
		rows = append(rows, e.from)
		cols = append(cols, e.to)
	}
	values := make([]float32, len(rows))
	for ii := range values {
		values[ii] = 1
	}
	adjFull, err := sparse.FromCOO(n, n, rows, cols, values)
	if err != nil {
		return nil, err
	}

	// Split.
	perm := rng.Perm(n)
	numTrain := int(cfg.TrainFraction * float64(n))
	numVal := int(cfg.ValFraction * float64(n))
	g := &Graph{
		Name:       "synthetic",
		Features:   features,
		Labels:     labels,
		AdjFull:    adjFull,
		TrainNodes: sorted(slices.Clone(perm[:numTrain])),
		ValNodes:   sorted(slices.Clone(perm[numTrain : numTrain+numVal])),
		TestNodes:  sorted(slices.Clone(perm[numTrain+numVal:])),
		MultiLabel: cfg.MultiLabel,
	}
	g.AdjTrain, err = RestrictToNodes(adjFull, g.TrainNodes)
	if err != nil {
		return nil, err
	}
	if err = g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
