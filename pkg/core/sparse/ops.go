// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"math"
	"slices"

	"github.com/gomlx/graphsaint/internal/workerspool"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MatMul returns the dense product m · x. It panics (with shapes.ErrShape) if x is not a matrix
// with m.Cols() rows.
func (m *Matrix) MatMul(x *tensors.Tensor) *tensors.Tensor {
	checkOperand(m, x)
	out := tensors.Zeros(m.rows, x.Cols())
	m.matMulInto(x, out.Flat())
	return out
}

func checkOperand(m *Matrix, x *tensors.Tensor) {
	if x.Rank() != 2 || x.Rows() != m.cols {
		shapes.Panicf("sparse matmul of %s with dense shape %s: dense operand must have %d rows",
			m, x.Shape(), m.cols)
	}
}

// matMulInto accumulates m · x into out, a row-major buffer of m.rows × x.Cols() values.
func (m *Matrix) matMulInto(x *tensors.Tensor, out []float32) {
	width := x.Cols()
	xFlat := x.Flat()
	for r := range m.rows {
		outRow := out[r*width : (r+1)*width]
		indices, values := m.Row(r)
		for ii, c := range indices {
			v := values[ii]
			xRow := xFlat[c*width : (c+1)*width]
			for jj, xv := range xRow {
				outRow[jj] += v * xv
			}
		}
	}
}

// MatMulPartitions computes the product of the vertical concatenation of the row-block partitions
// with x, running one task per partition in the pool.
//
// All partitions must have x.Rows() columns. The result has as many rows as all partitions together.
func MatMulPartitions(pool *workerspool.Pool, partitions []*Matrix, x *tensors.Tensor) *tensors.Tensor {
	if len(partitions) == 0 {
		shapes.Panicf("sparse.MatMulPartitions requires at least one partition")
	}
	offsets := make([]int, len(partitions)+1)
	for ii, part := range partitions {
		checkOperand(part, x)
		offsets[ii+1] = offsets[ii] + part.rows
	}
	width := x.Cols()
	out := tensors.Zeros(offsets[len(partitions)], width)
	flat := out.Flat()
	pool.Run(len(partitions), func(ii int) {
		partitions[ii].matMulInto(x, flat[offsets[ii]*width:offsets[ii+1]*width])
	})
	return out
}

// Partition splits the matrix into numPartitions blocks of consecutive rows, of sizes differing
// by at most one. Each block keeps all columns.
//
// If numPartitions is larger than the number of rows, it returns one partition per row
// (or a single empty partition for an empty matrix).
func (m *Matrix) Partition(numPartitions int) []*Matrix {
	if numPartitions <= 0 {
		shapes.Panicf("invalid number of partitions %d", numPartitions)
	}
	numPartitions = max(min(numPartitions, m.rows), 1)
	parts := make([]*Matrix, numPartitions)
	blockSize, remainder := m.rows/numPartitions, m.rows%numPartitions
	start := 0
	for ii := range parts {
		end := start + blockSize
		if ii < remainder {
			end++
		}
		parts[ii] = m.rowBlock(start, end)
		start = end
	}
	return parts
}

func (m *Matrix) rowBlock(start, end int) *Matrix {
	base := m.indPtr[start]
	indPtr := make([]int, end-start+1)
	for r := start; r <= end; r++ {
		indPtr[r-start] = m.indPtr[r] - base
	}
	return &Matrix{
		rows:    end - start,
		cols:    m.cols,
		indPtr:  indPtr,
		indices: m.indices[base:m.indPtr[end]],
		values:  m.values[base:m.indPtr[end]],
	}
}

// Stack concatenates row-block partitions vertically, the inverse of Partition.
func Stack(partitions []*Matrix) (*Matrix, error) {
	if len(partitions) == 0 {
		return nil, errors.New("sparse.Stack requires at least one partition")
	}
	cols := partitions[0].cols
	m := &Matrix{cols: cols, indPtr: []int{0}}
	for ii, part := range partitions {
		if part.cols != cols {
			return nil, errors.Wrapf(shapes.ErrShape, "partition #%d has %d columns, partition #0 has %d",
				ii, part.cols, cols)
		}
		base := len(m.indices)
		for r := 1; r <= part.rows; r++ {
			m.indPtr = append(m.indPtr, base+part.indPtr[r])
		}
		m.indices = append(m.indices, part.indices...)
		m.values = append(m.values, part.values...)
		m.rows += part.rows
	}
	return m, nil
}

// Induce returns the sub-matrix of rows and columns given by nodes, in the order given: entry
// (i, j) of the result is m.At(nodes[i], nodes[j]). This is the adjacency of the subgraph
// induced by nodes, and m must be square.
func (m *Matrix) Induce(nodes []int) (*Matrix, error) {
	if m.rows != m.cols {
		return nil, errors.Wrapf(shapes.ErrShape, "Induce requires a square matrix, got %s", m)
	}
	position := make(map[int]int, len(nodes))
	for ii, node := range nodes {
		if node < 0 || node >= m.rows {
			return nil, errors.Wrapf(shapes.ErrShape, "node %d out of range [0, %d)", node, m.rows)
		}
		if _, found := position[node]; found {
			return nil, errors.Errorf("node %d appears more than once", node)
		}
		position[node] = ii
	}
	sub := &Matrix{rows: len(nodes), cols: len(nodes), indPtr: make([]int, len(nodes)+1)}
	for ii, node := range nodes {
		indices, values := m.Row(node)
		rowStart := len(sub.indices)
		for jj, c := range indices {
			if pos, found := position[c]; found {
				sub.indices = append(sub.indices, pos)
				sub.values = append(sub.values, values[jj])
			}
		}
		if rowIndices := sub.indices[rowStart:]; !slices.IsSorted(rowIndices) {
			sortRow(rowIndices, sub.values[rowStart:])
		}
		sub.indPtr[ii+1] = len(sub.indices)
	}
	return sub, nil
}

func sortRow(indices []int, values []float32) {
	s := rowSorter{indices: indices, values: values}
	// Rows are short, insertion sort is enough.
	for i := 1; i < s.Len(); i++ {
		for j := i; j > 0 && s.Less(j, j-1); j-- {
			s.Swap(j, j-1)
		}
	}
}

// Permute returns P·m·Pᵀ for the permutation that moves node perm[i] to position i. It is
// the same as Induce with a permutation of all nodes.
func (m *Matrix) Permute(perm []int) (*Matrix, error) {
	if len(perm) != m.rows {
		return nil, errors.Wrapf(shapes.ErrShape, "permutation of %d elements for %s", len(perm), m)
	}
	return m.Induce(perm)
}

// RowNormalize returns D⁻¹·m, where D is the diagonal matrix of row sums. Rows summing to 0 are
// kept as is.
func (m *Matrix) RowNormalize() *Matrix {
	out := &Matrix{rows: m.rows, cols: m.cols, indPtr: m.indPtr, indices: m.indices,
		values: make([]float32, len(m.values))}
	for r := range m.rows {
		_, values := m.Row(r)
		var sum float32
		for _, v := range values {
			sum += v
		}
		if sum == 0 {
			sum = 1
		}
		start := m.indPtr[r]
		for ii, v := range values {
			out.values[start+ii] = v / sum
		}
	}
	return out
}

// SymmetricNormalize returns D^(-1/2)·m·D^(-1/2), where D is the diagonal matrix of row sums.
// It requires a square matrix.
func (m *Matrix) SymmetricNormalize() (*Matrix, error) {
	if m.rows != m.cols {
		return nil, errors.Wrapf(shapes.ErrShape, "SymmetricNormalize requires a square matrix, got %s", m)
	}
	invSqrt := make([]float32, m.rows)
	for r := range m.rows {
		_, values := m.Row(r)
		var sum float64
		for _, v := range values {
			sum += float64(v)
		}
		if sum > 0 {
			invSqrt[r] = float32(1 / math.Sqrt(sum))
		}
	}
	out := &Matrix{rows: m.rows, cols: m.cols, indPtr: m.indPtr, indices: m.indices,
		values: make([]float32, len(m.values))}
	for r := range m.rows {
		indices, values := m.Row(r)
		start := m.indPtr[r]
		for ii, c := range indices {
			out.values[start+ii] = invSqrt[r] * values[ii] * invSqrt[c]
		}
	}
	return out, nil
}

// Degrees returns the number of stored entries of each row.
func (m *Matrix) Degrees() []int {
	degrees := make([]int, m.rows)
	for r := range m.rows {
		degrees[r] = m.indPtr[r+1] - m.indPtr[r]
	}
	return degrees
}
