// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds the building blocks of graph convolutional networks: the high-order
// aggregator (a graph convolution over a sparse adjacency), the dense layer and row normalization.
//
// Layers are configured with the builder pattern, and their variables are created in the given
// context.Context scope when the builder's Done method is called. After that, Apply can be called
// on any number of computation graphs: the layer never mutates its variables, that's left to optimizers.
package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/ml/context"
)

const (
	// ParamDropoutRate is the context parameter with the dropout rate given to Aggregator.Apply
	// when training. The default is 0.0, no dropout.
	ParamDropoutRate = "dropout"

	// ParamNormEpsilon is the context parameter with the epsilon used by the row normalization.
	// The default is 1e-9.
	ParamNormEpsilon = "norm_epsilon"
)

// variablesOf returns the non-nil variables given.
func variablesOf(vars ...*context.Variable) []*context.Variable {
	results := make([]*context.Variable, 0, len(vars))
	for _, v := range vars {
		if v != nil {
			results = append(results, v)
		}
	}
	return results
}

// checkDims panics if a layer dimension is not positive.
func checkDims(layer string, dims ...int) {
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("%s: dimensions must be > 0, got %v", layer, dims)
		}
	}
}
