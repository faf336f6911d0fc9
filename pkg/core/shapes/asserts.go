// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "github.com/pkg/errors"

// UncheckedAxis can be given to CheckDims for an axis whose dimension is not checked.
const UncheckedAxis = -1

// CheckDims returns an error wrapping ErrShape if s doesn't have exactly the given dimensions. Axes given as
// UncheckedAxis match any dimension.
//
// Example: labels of a batch must be shaped [batchSize, numClasses]:
//
//	if err := labels.Shape().CheckDims(len(batch.Nodes), numClasses); err != nil { ... }
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Wrapf(ErrShape, "shape %s has rank %d, wanted %v", s, s.Rank(), dimensions)
	}
	for axis, want := range dimensions {
		if want != UncheckedAxis && s.Dimensions[axis] != want {
			return errors.Wrapf(ErrShape, "shape %s has dimension %d on axis %d, wanted %v",
				s, s.Dimensions[axis], axis, dimensions)
		}
	}
	return nil
}
