// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Normalization calculates the normalization parameters `mean` and `stddev` of each column of features,
// using only the rows given by nodes (typically the training nodes).
//
// These values can later be used for normalization by simply applying `(x - mean) / stddev`, see Standardize.
//
// Notice for any feature that happens to be constant, the `stddev` will be 0. If trying to normalize (divide)
// by that will result in error. Use ReplaceZerosByOnes below to avoid the numeric issues.
func Normalization(features *tensors.Tensor, nodes []int) (mean, stddev []float64, err error) {
	if features.Rank() != 2 {
		return nil, nil, errors.Wrapf(shapes.ErrShape, "features must be a matrix, got shape %s", features.Shape())
	}
	if len(nodes) == 0 {
		return nil, nil, errors.New("no rows to calculate the normalization from")
	}
	numFeatures := features.Cols()
	mean = make([]float64, numFeatures)
	stddev = make([]float64, numFeatures)
	for _, node := range nodes {
		if node < 0 || node >= features.Rows() {
			return nil, nil, errors.Wrapf(shapes.ErrShape, "node %d out of range [0, %d)", node, features.Rows())
		}
		for col, v := range features.Row(node) {
			mean[col] += float64(v)
		}
	}
	n := float64(len(nodes))
	for col := range mean {
		mean[col] /= n
	}
	for _, node := range nodes {
		for col, v := range features.Row(node) {
			d := float64(v) - mean[col]
			stddev[col] += d * d
		}
	}
	for col := range stddev {
		stddev[col] = math.Sqrt(stddev[col] / n)
	}
	return mean, stddev, nil
}

// ReplaceZerosByOnes replaces any zero values in x by one.
// This is useful if normalizing a value with a standard deviation (`stddev`) that has zeros.
func ReplaceZerosByOnes(x []float64) {
	for ii, v := range x {
		if v == 0 {
			x[ii] = 1
		}
	}
}

// Standardize returns a copy of features with each column centered and scaled with the mean and standard
// deviation of the rows in nodes: the training nodes, so no information of the other nodes leaks into training.
// Constant columns are only centered.
func Standardize(features *tensors.Tensor, nodes []int) (*tensors.Tensor, error) {
	mean, stddev, err := Normalization(features, nodes)
	if err != nil {
		return nil, err
	}
	ReplaceZerosByOnes(stddev)
	standardized := features.Clone()
	numFeatures := features.Cols()
	flat := standardized.Flat()
	for ii, v := range flat {
		col := ii % numFeatures
		flat[ii] = float32((float64(v) - mean[col]) / stddev[col])
	}
	return standardized, nil
}
