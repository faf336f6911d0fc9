// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sparse implements float32 sparse matrices in CSR (compressed sparse row) format, used to
// represent graph adjacency matrices, and their products with dense tensors.
package sparse

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Matrix is an immutable float32 sparse matrix in CSR format: the column indices of row r are
// Indices[IndPtr[r]:IndPtr[r+1]], sorted and unique, and Values holds the matching values.
//
// It is the same layout used by scipy.sparse.csr_matrix.
type Matrix struct {
	rows, cols int
	indPtr     []int
	indices    []int
	values     []float32

	transposeOnce sync.Once
	transposed    *Matrix
}

// New creates a CSR Matrix from its raw components, which are owned by the Matrix afterward.
// Column indices within each row are sorted if needed, and duplicates are rejected.
func New(rows, cols int, indPtr, indices []int, values []float32) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, errors.Wrapf(shapes.ErrShape, "invalid sparse matrix dimensions [%d %d]", rows, cols)
	}
	if len(indPtr) != rows+1 {
		return nil, errors.Wrapf(shapes.ErrShape, "indptr has %d entries, expected rows+1=%d", len(indPtr), rows+1)
	}
	if len(indices) != len(values) {
		return nil, errors.Wrapf(shapes.ErrShape, "%d indices for %d values", len(indices), len(values))
	}
	if indPtr[0] != 0 || indPtr[rows] != len(indices) {
		return nil, errors.Errorf("indptr must start at 0 and end at nnz=%d, got %d and %d",
			len(indices), indPtr[0], indPtr[rows])
	}
	m := &Matrix{rows: rows, cols: cols, indPtr: indPtr, indices: indices, values: values}
	for r := range rows {
		start, end := indPtr[r], indPtr[r+1]
		if end < start {
			return nil, errors.Errorf("indptr is not monotonic at row %d", r)
		}
		rowIndices := indices[start:end]
		if !slices.IsSorted(rowIndices) {
			sort.Sort(rowSorter{indices: rowIndices, values: values[start:end]})
		}
		for ii, c := range rowIndices {
			if c < 0 || c >= cols {
				return nil, errors.Wrapf(shapes.ErrShape, "column index %d out of range [0, %d) in row %d", c, cols, r)
			}
			if ii > 0 && rowIndices[ii-1] == c {
				return nil, errors.Errorf("duplicate entry (%d, %d)", r, c)
			}
		}
	}
	return m, nil
}

type rowSorter struct {
	indices []int
	values  []float32
}

func (s rowSorter) Len() int           { return len(s.indices) }
func (s rowSorter) Less(i, j int) bool { return s.indices[i] < s.indices[j] }
func (s rowSorter) Swap(i, j int) {
	s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	s.values[i], s.values[j] = s.values[j], s.values[i]
}

// FromCOO creates a Matrix from coordinate-format triplets. Duplicated coordinates are summed.
func FromCOO(rows, cols int, rowIndices, colIndices []int, values []float32) (*Matrix, error) {
	if len(rowIndices) != len(colIndices) || len(rowIndices) != len(values) {
		return nil, errors.Wrapf(shapes.ErrShape, "COO triplets have different lengths: %d rows, %d cols, %d values",
			len(rowIndices), len(colIndices), len(values))
	}
	counts := make([]int, rows+1)
	for ii, r := range rowIndices {
		if r < 0 || r >= rows {
			return nil, errors.Wrapf(shapes.ErrShape, "row index %d out of range [0, %d)", r, rows)
		}
		if c := colIndices[ii]; c < 0 || c >= cols {
			return nil, errors.Wrapf(shapes.ErrShape, "column index %d out of range [0, %d)", c, cols)
		}
		counts[r+1]++
	}
	for r := range rows {
		counts[r+1] += counts[r]
	}
	indices := make([]int, len(values))
	vals := make([]float32, len(values))
	next := slices.Clone(counts[:rows])
	for ii, r := range rowIndices {
		pos := next[r]
		indices[pos] = colIndices[ii]
		vals[pos] = values[ii]
		next[r]++
	}

	// Sort each row and merge duplicates.
	indPtr := make([]int, rows+1)
	nnz := 0
	for r := range rows {
		start, end := counts[r], counts[r+1]
		sort.Sort(rowSorter{indices: indices[start:end], values: vals[start:end]})
		for ii := start; ii < end; ii++ {
			if nnz > indPtr[r] && indices[nnz-1] == indices[ii] {
				vals[nnz-1] += vals[ii]
				continue
			}
			indices[nnz], vals[nnz] = indices[ii], vals[ii]
			nnz++
		}
		indPtr[r+1] = nnz
	}
	return &Matrix{rows: rows, cols: cols, indPtr: indPtr, indices: indices[:nnz], values: vals[:nnz]}, nil
}

// FromDense creates a Matrix with the non-zero entries of a rank-2 tensor.
func FromDense(t *tensors.Tensor) *Matrix {
	if t.Rank() != 2 {
		shapes.Panicf("sparse.FromDense requires a rank-2 tensor, got shape %s", t.Shape())
	}
	rows, cols := t.Rows(), t.Cols()
	m := &Matrix{rows: rows, cols: cols, indPtr: make([]int, rows+1)}
	for r := range rows {
		for c, v := range t.Row(r) {
			if v != 0 {
				m.indices = append(m.indices, c)
				m.values = append(m.values, v)
			}
		}
		m.indPtr[r+1] = len(m.indices)
	}
	return m
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// NNZ returns the number of stored (non-zero) entries.
func (m *Matrix) NNZ() int { return len(m.values) }

// Shape returns the dense-equivalent shape of the matrix, e.g. to check it with Shape.CheckDims.
func (m *Matrix) Shape() shapes.Shape {
	return shapes.Make(dtypes.Float32, m.rows, m.cols)
}

// IndPtr returns the row pointers. It must not be modified.
func (m *Matrix) IndPtr() []int { return m.indPtr }

// Indices returns the column indices. It must not be modified.
func (m *Matrix) Indices() []int { return m.indices }

// Values returns the stored values. It must not be modified.
func (m *Matrix) Values() []float32 { return m.values }

// Row returns the column indices and values of row r. They must not be modified.
func (m *Matrix) Row(r int) (indices []int, values []float32) {
	start, end := m.indPtr[r], m.indPtr[r+1]
	return m.indices[start:end], m.values[start:end]
}

// At returns the value at (r, c), 0 if it is not stored.
func (m *Matrix) At(r, c int) float32 {
	indices, values := m.Row(r)
	if pos, found := slices.BinarySearch(indices, c); found {
		return values[pos]
	}
	return 0
}

// ToDense converts the matrix to a dense tensor.
func (m *Matrix) ToDense() *tensors.Tensor {
	t := tensors.Zeros(m.rows, m.cols)
	for r := range m.rows {
		indices, values := m.Row(r)
		row := t.Row(r)
		for ii, c := range indices {
			row[c] = values[ii]
		}
	}
	return t
}

// Transpose returns the transposed matrix. The result is computed once and cached.
func (m *Matrix) Transpose() *Matrix {
	m.transposeOnce.Do(func() {
		t := &Matrix{rows: m.cols, cols: m.rows, indPtr: make([]int, m.cols+1)}
		for _, c := range m.indices {
			t.indPtr[c+1]++
		}
		for c := range m.cols {
			t.indPtr[c+1] += t.indPtr[c]
		}
		t.indices = make([]int, len(m.indices))
		t.values = make([]float32, len(m.values))
		next := slices.Clone(t.indPtr[:m.cols])
		// Rows are visited in order, so the transposed rows come out sorted.
		for r := range m.rows {
			indices, values := m.Row(r)
			for ii, c := range indices {
				pos := next[c]
				t.indices[pos] = r
				t.values[pos] = values[ii]
				next[c]++
			}
		}
		t.transposed = m
		t.transposeOnce.Do(func() {})
		m.transposed = t
	})
	return m.transposed
}

// Equal returns whether both matrices have the same dimensions and entries.
func (m *Matrix) Equal(other *Matrix) bool {
	return m.rows == other.rows && m.cols == other.cols &&
		slices.Equal(m.indPtr, other.indPtr) && slices.Equal(m.indices, other.indices) &&
		slices.Equal(m.values, other.values)
}

// String implements fmt.Stringer.
func (m *Matrix) String() string {
	return fmt.Sprintf("sparse.Matrix[%d %d](nnz=%d)", m.rows, m.cols, m.NNZ())
}
