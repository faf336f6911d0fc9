// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense, row-major, float32 Tensor used to hold feature matrices,
// variable values, gradients and any intermediary values of a computation.
//
// Tensors are rank 0 (scalars), 1 (vectors) or 2 (matrices): that covers everything a graph
// convolutional model needs, and keeps the memory layout trivially compatible with BLAS.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
)

// Tensor holds a flat slice of float32 values and its shape.
//
// The flat data is shared with callers of Tensor.Flat, so mutating it mutates the tensor.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// MaxRank supported by tensors.
const MaxRank = 2

// FromShape returns a zero-initialized Tensor with the given shape.
// Only dtypes.Float32 is supported.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.DType != dtypes.Float32 {
		exceptions.Panicf("tensors.FromShape(%s): only Float32 tensors are supported", shape)
	}
	if shape.Rank() > MaxRank {
		exceptions.Panicf("tensors.FromShape(%s): rank > %d not supported", shape, MaxRank)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// Zeros returns a zero-initialized tensor with the given dimensions.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dtypes.Float32, dimensions...))
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, using `data` as its
// storage (it is not copied).
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.Float32, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, shape %s requires %d",
			len(data), shape, shape.Size())
	}
	if shape.Rank() > MaxRank {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): rank > %d not supported", shape, MaxRank)
	}
	return &Tensor{shape: shape, flat: data}
}

// FromScalar returns a scalar tensor.
func FromScalar(value float32) *Tensor {
	return &Tensor{shape: shapes.Make(dtypes.Float32), flat: []float32{value}}
}

// MultiDimensionSlice lists the Go types that can be converted to a Tensor.
type MultiDimensionSlice interface {
	float32 | []float32 | [][]float32
}

// FromValue converts a Go value to a Tensor. The data is copied.
// For rank 2 all rows must have the same length.
func FromValue[S MultiDimensionSlice](value S) *Tensor {
	switch v := any(value).(type) {
	case float32:
		return FromScalar(v)
	case []float32:
		return FromFlatDataAndDimensions(slices.Clone(v), len(v))
	case [][]float32:
		numCols := 0
		if len(v) > 0 {
			numCols = len(v[0])
		}
		t := Zeros(len(v), numCols)
		for row, values := range v {
			if len(values) != numCols {
				exceptions.Panicf("tensors.FromValue: row %d has %d elements, but row 0 has %d", row, len(values), numCols)
			}
			copy(t.flat[row*numCols:], values)
		}
		return t
	}
	return nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements, always dtypes.Float32.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements in the tensor.
func (t *Tensor) Size() int { return len(t.flat) }

// Memory used by the tensor's data, in bytes.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Rows returns the dimension of the first axis, or 1 for scalars.
func (t *Tensor) Rows() int {
	if t.Rank() == 0 {
		return 1
	}
	return t.shape.Dimensions[0]
}

// Cols returns the dimension of the last axis for rank-2 tensors, or 1 otherwise.
func (t *Tensor) Cols() int {
	if t.Rank() < 2 {
		return 1
	}
	return t.shape.Dimensions[1]
}

// Flat returns the underlying flat data, in row-major order. It is not a copy.
func (t *Tensor) Flat() []float32 { return t.flat }

// Row returns the slice of the flat data with the given row. It is not a copy.
func (t *Tensor) Row(row int) []float32 {
	cols := t.Cols()
	return t.flat[row*cols : (row+1)*cols]
}

// At returns the value at the given row and column of a rank-2 tensor.
func (t *Tensor) At(row, col int) float32 {
	return t.flat[row*t.Cols()+col]
}

// Set the value at the given row and column of a rank-2 tensor.
func (t *Tensor) Set(row, col int, value float32) {
	t.flat[row*t.Cols()+col] = value
}

// ToScalar returns the value of a scalar tensor (or of a tensor with a single element).
func (t *Tensor) ToScalar() float32 {
	if len(t.flat) != 1 {
		exceptions.Panicf("tensors.ToScalar(): tensor has shape %s, it's not a scalar", t.shape)
	}
	return t.flat[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Value returns a Go copy of the tensor contents: a float32, []float32 or [][]float32, depending on the rank.
func (t *Tensor) Value() any {
	switch t.Rank() {
	case 0:
		return t.flat[0]
	case 1:
		return slices.Clone(t.flat)
	default:
		rows := make([][]float32, t.Rows())
		for row := range rows {
			rows[row] = slices.Clone(t.Row(row))
		}
		return rows
	}
}

// Equal checks whether the two tensors have the same shape and exact same values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// InDelta checks whether the two tensors have the same shape and all values are within delta
// of each other.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(float64(v)-float64(other.flat[ii])) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.Size() > 64 {
		return fmt.Sprintf("%s: %v...", t.shape, t.flat[:64])
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}
