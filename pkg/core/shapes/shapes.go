// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes describes the shape of tensors and graph nodes: the dtype of the elements (an enum of
// github.com/gomlx/gopjrt/dtypes) and the dimension of each axis.
//
// Node features are shaped [numNodes, featureDim], per-hop weights [dimIn, dimOut] and biases [dimOut].
// Mismatches are reported with errors wrapping ErrShape, to be tested with errors.Is.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrShape is wrapped by all errors reporting incompatible shapes.
var ErrShape = errors.New("incompatible shapes")

// Shape of a tensor or of a graph node. Use Make to create one.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns the shape with the given dtype and dimensions, which can be 0 (an empty batch) but not negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0, like the loss.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of axis. Negative axes count from the end: -1 is the last axis.
func (s Shape) Dim(axis int) int {
	idx := axis
	if idx < 0 {
		idx += s.Rank()
	}
	if idx < 0 || idx >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d): axis out of range for shape %s", axis, s)
	}
	return s.Dimensions[idx]
}

// String returns e.g. "(Float32)[1000 50]".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements, the product of the dimensions.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes of the elements.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal returns whether the dtypes and the dimensions are the same.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Panicf panics with an error wrapping ErrShape. Graph building code uses it, and the API entry points
// recover it with exceptions.TryCatch.
func Panicf(format string, args ...any) {
	panic(errors.Wrapf(ErrShape, format, args...))
}
