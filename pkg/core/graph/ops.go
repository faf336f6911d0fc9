// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/sparse"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func addTensors(a, b *tensors.Tensor) *tensors.Tensor {
	out := a.Clone()
	outFlat := out.Flat()
	for ii, v := range b.Flat() {
		outFlat[ii] += v
	}
	return out
}

func scaleTensor(t *tensors.Tensor, scale float32) *tensors.Tensor {
	out := t.Clone()
	flat := out.Flat()
	for ii := range flat {
		flat[ii] *= scale
	}
	return out
}

func assertSameShape(op string, a, b *Node) {
	if !a.Shape().Equal(b.Shape()) {
		shapes.Panicf("%s: operands have different shapes %s and %s", op, a.Shape(), b.Shape())
	}
}

func assertMatrix(op string, x *Node) {
	if x.Shape().Rank() != 2 {
		shapes.Panicf("%s: operand must be a matrix (rank 2), got %s", op, x)
	}
}

// general wraps a tensor as a blas32.General matrix. Strides must be at least 1, even for empty matrices.
func general(t *tensors.Tensor) blas32.General {
	return blas32.General{Rows: t.Rows(), Cols: t.Cols(), Stride: max(t.Cols(), 1), Data: t.Flat()}
}

// gemm returns op(a)·op(b), where op optionally transposes its operand.
func gemm(transA bool, a *tensors.Tensor, transB bool, b *tensors.Tensor) *tensors.Tensor {
	tA, tB := blas.NoTrans, blas.NoTrans
	rows, inner, cols := a.Rows(), a.Cols(), b.Cols()
	if transA {
		tA, rows, inner = blas.Trans, a.Cols(), a.Rows()
	}
	if transB {
		tB, cols = blas.Trans, b.Rows()
	}
	out := tensors.Zeros(rows, cols)
	if out.Size() == 0 || inner == 0 {
		return out
	}
	blas32.Gemm(tA, tB, 1, general(a), general(b), 0, general(out))
	return out
}

// MatMul returns the matrix product a·b, for a shaped [m, k] and b shaped [k, n].
func MatMul(a, b *Node) *Node {
	assertMatrix("MatMul", a)
	assertMatrix("MatMul", b)
	if a.Shape().Dim(1) != b.Shape().Dim(0) {
		shapes.Panicf("MatMul: incompatible shapes %s and %s", a.Shape(), b.Shape())
	}
	value := gemm(false, a.value, false, b.value)
	return a.graph.newNode("MatMul", value, []*Node{a, b}, func(grad *tensors.Tensor, needs []bool) []*tensors.Tensor {
		grads := make([]*tensors.Tensor, 2)
		if needs[0] {
			grads[0] = gemm(false, grad, true, b.value)
		}
		if needs[1] {
			grads[1] = gemm(true, a.value, false, grad)
		}
		return grads
	})
}

// SparseMatMul returns the product adjacency·x, where adjacency is a constant sparse matrix.
//
// If partitions are given, they must be row blocks whose vertical concatenation is adjacency, and the
// product is computed concurrently, one partition per task. adjacency is still needed for the gradient.
func SparseMatMul(adjacency *sparse.Matrix, partitions []*sparse.Matrix, x *Node) *Node {
	if adjacency == nil {
		exceptions.Panicf("SparseMatMul: adjacency cannot be nil")
	}
	assertMatrix("SparseMatMul", x)
	if adjacency.Cols() != x.Shape().Dim(0) {
		shapes.Panicf("SparseMatMul: adjacency %s incompatible with operand %s", adjacency, x.Shape())
	}
	var value *tensors.Tensor
	if len(partitions) > 0 {
		value = sparse.MatMulPartitions(x.graph.pool, partitions, x.value)
		if value.Rows() != adjacency.Rows() {
			shapes.Panicf("SparseMatMul: partitions add up to %d rows, adjacency has %d", value.Rows(), adjacency.Rows())
		}
	} else {
		value = adjacency.MatMul(x.value)
	}
	return x.graph.newNode("SparseMatMul", value, []*Node{x}, func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
		return []*tensors.Tensor{adjacency.Transpose().MatMul(grad)}
	})
}

// Add returns the element-wise sum of two operands of the same shape.
func Add(a, b *Node) *Node {
	assertSameShape("Add", a, b)
	return a.graph.newNode("Add", addTensors(a.value, b.value), []*Node{a, b},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			return []*tensors.Tensor{grad, grad}
		})
}

// Sub returns the element-wise difference a-b of two operands of the same shape.
func Sub(a, b *Node) *Node {
	assertSameShape("Sub", a, b)
	return a.graph.newNode("Sub", addTensors(a.value, scaleTensor(b.value, -1)), []*Node{a, b},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			return []*tensors.Tensor{grad, scaleTensor(grad, -1)}
		})
}

// AddN returns the element-wise sum of all operands, which must have the same shape.
func AddN(operands ...*Node) *Node {
	if len(operands) == 0 {
		exceptions.Panicf("AddN requires at least one operand")
	}
	sum := operands[0]
	for _, operand := range operands[1:] {
		sum = Add(sum, operand)
	}
	return sum
}

// MulScalar multiplies every element of x by the constant scale.
func MulScalar(x *Node, scale float32) *Node {
	return x.graph.newNode("MulScalar", scaleTensor(x.value, scale), []*Node{x},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			return []*tensors.Tensor{scaleTensor(grad, scale)}
		})
}

// Mul returns the element-wise product of two operands of the same shape.
func Mul(a, b *Node) *Node {
	assertSameShape("Mul", a, b)
	value := a.value.Clone()
	flat := value.Flat()
	for ii, v := range b.value.Flat() {
		flat[ii] *= v
	}
	return a.graph.newNode("Mul", value, []*Node{a, b}, func(grad *tensors.Tensor, needs []bool) []*tensors.Tensor {
		grads := make([]*tensors.Tensor, 2)
		for ii, other := range []*tensors.Tensor{b.value, a.value} {
			if !needs[ii] {
				continue
			}
			grads[ii] = grad.Clone()
			gFlat := grads[ii].Flat()
			for jj, v := range other.Flat() {
				gFlat[jj] *= v
			}
		}
		return grads
	})
}

func assertRowVector(op string, x, v *Node) {
	assertMatrix(op, x)
	if v.Shape().Rank() != 1 || v.Shape().Dim(0) != x.Shape().Dim(1) {
		shapes.Panicf("%s: vector %s doesn't match the columns of %s", op, v.Shape(), x.Shape())
	}
}

// columnSums returns the sum of each column of a matrix, as a vector.
func columnSums(t *tensors.Tensor) *tensors.Tensor {
	sums := tensors.Zeros(t.Cols())
	sFlat := sums.Flat()
	for r := range t.Rows() {
		for c, v := range t.Row(r) {
			sFlat[c] += v
		}
	}
	return sums
}

// AddBias adds the vector bias, shaped [d], to every row of x, shaped [n, d].
func AddBias(x, bias *Node) *Node {
	assertRowVector("AddBias", x, bias)
	value := x.value.Clone()
	bFlat := bias.value.Flat()
	for r := range value.Rows() {
		row := value.Row(r)
		for c := range row {
			row[c] += bFlat[c]
		}
	}
	return x.graph.newNode("AddBias", value, []*Node{x, bias}, func(grad *tensors.Tensor, needs []bool) []*tensors.Tensor {
		grads := []*tensors.Tensor{grad, nil}
		if needs[1] {
			grads[1] = columnSums(grad)
		}
		return grads
	})
}

// ScaleColumns multiplies every row of x, shaped [n, d], element-wise by the vector scale, shaped [d].
func ScaleColumns(x, scale *Node) *Node {
	assertRowVector("ScaleColumns", x, scale)
	value := x.value.Clone()
	sFlat := scale.value.Flat()
	for r := range value.Rows() {
		row := value.Row(r)
		for c := range row {
			row[c] *= sFlat[c]
		}
	}
	return x.graph.newNode("ScaleColumns", value, []*Node{x, scale}, func(grad *tensors.Tensor, needs []bool) []*tensors.Tensor {
		grads := make([]*tensors.Tensor, 2)
		if needs[0] {
			grads[0] = grad.Clone()
			for r := range grad.Rows() {
				row := grads[0].Row(r)
				for c := range row {
					row[c] *= sFlat[c]
				}
			}
		}
		if needs[1] {
			grads[1] = tensors.Zeros(len(sFlat))
			gFlat := grads[1].Flat()
			for r := range grad.Rows() {
				xRow := x.value.Row(r)
				for c, g := range grad.Row(r) {
					gFlat[c] += g * xRow[c]
				}
			}
		}
		return grads
	})
}

// Concatenate matrices along the given axis: 0 stacks rows, 1 (or -1) stacks columns.
// All other dimensions must match.
func Concatenate(operands []*Node, axis int) *Node {
	if len(operands) == 0 {
		exceptions.Panicf("Concatenate requires at least one operand")
	}
	if axis < 0 {
		axis += 2
	}
	if axis != 0 && axis != 1 {
		exceptions.Panicf("Concatenate: invalid axis %d for matrices", axis)
	}
	if len(operands) == 1 {
		return operands[0]
	}
	other := 1 - axis
	offsets := make([]int, len(operands)+1)
	for ii, operand := range operands {
		assertMatrix("Concatenate", operand)
		if operand.Shape().Dim(other) != operands[0].Shape().Dim(other) {
			shapes.Panicf("Concatenate on axis %d: operand #%d has shape %s, operand #0 has shape %s",
				axis, ii, operand.Shape(), operands[0].Shape())
		}
		offsets[ii+1] = offsets[ii] + operand.Shape().Dim(axis)
	}
	dims := []int{operands[0].Shape().Dim(0), operands[0].Shape().Dim(1)}
	dims[axis] = offsets[len(operands)]
	value := tensors.Zeros(dims...)
	for ii, operand := range operands {
		copyBlock(operand.value, value, axis, offsets[ii], false)
	}
	g := operands[0].graph
	return g.newNode("Concatenate", value, operands, func(grad *tensors.Tensor, needs []bool) []*tensors.Tensor {
		grads := make([]*tensors.Tensor, len(operands))
		for ii, operand := range operands {
			if needs[ii] {
				grads[ii] = tensors.Zeros(operand.Shape().Dimensions...)
				copyBlock(grads[ii], grad, axis, offsets[ii], true)
			}
		}
		return grads
	})
}

// copyBlock copies block into the larger matrix at the given offset of axis. If reverse is set,
// it copies from the larger matrix into block instead.
func copyBlock(block, larger *tensors.Tensor, axis, offset int, reverse bool) {
	for r := range block.Rows() {
		blockRow := block.Row(r)
		var largerRow []float32
		if axis == 0 {
			largerRow = larger.Row(offset + r)
		} else {
			largerRow = larger.Row(r)[offset : offset+len(blockRow)]
		}
		if reverse {
			copy(blockRow, largerRow)
		} else {
			copy(largerRow, blockRow)
		}
	}
}

// Gather returns the rows of x at the given indices, in order. Indices may repeat.
func Gather(x *Node, indices []int) *Node {
	assertMatrix("Gather", x)
	rows, cols := x.Shape().Dim(0), x.Shape().Dim(1)
	value := tensors.Zeros(len(indices), cols)
	for ii, idx := range indices {
		if idx < 0 || idx >= rows {
			shapes.Panicf("Gather: index %d out of range for %s", idx, x.Shape())
		}
		copy(value.Row(ii), x.value.Row(idx))
	}
	return x.graph.newNode("Gather", value, []*Node{x}, func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
		xGrad := tensors.Zeros(rows, cols)
		for ii, idx := range indices {
			dst := xGrad.Row(idx)
			for c, v := range grad.Row(ii) {
				dst[c] += v
			}
		}
		return []*tensors.Tensor{xGrad}
	})
}

// ReduceAllSum returns the scalar sum of all elements of x.
func ReduceAllSum(x *Node) *Node {
	var sum float32
	for _, v := range x.value.Flat() {
		sum += v
	}
	return x.graph.newNode("ReduceAllSum", tensors.FromScalar(sum), []*Node{x},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			xGrad := tensors.Zeros(x.Shape().Dimensions...)
			g := grad.ToScalar()
			flat := xGrad.Flat()
			for ii := range flat {
				flat[ii] = g
			}
			return []*tensors.Tensor{xGrad}
		})
}

// L2Loss returns half the sum of the squares of all elements of x: Σx²/2.
func L2Loss(x *Node) *Node {
	var sum float32
	for _, v := range x.value.Flat() {
		sum += v * v
	}
	return x.graph.newNode("L2Loss", tensors.FromScalar(sum/2), []*Node{x},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			return []*tensors.Tensor{scaleTensor(x.value, grad.ToScalar())}
		})
}

// WeightedRowSum returns the scalar Σ_i weights[i]·Σ_j x[i, j], for x shaped [n, d] or [n].
// The weights are constants.
func WeightedRowSum(x *Node, weights []float32) *Node {
	rank := x.Shape().Rank()
	if rank != 1 && rank != 2 {
		shapes.Panicf("WeightedRowSum: operand must have rank 1 or 2, got %s", x.Shape())
	}
	rows := x.Shape().Dim(0)
	if len(weights) != rows {
		shapes.Panicf("WeightedRowSum: %d weights for operand shaped %s", len(weights), x.Shape())
	}
	cols := x.value.Size() / max(rows, 1)
	flat := x.value.Flat()
	var sum float32
	for r, w := range weights {
		for _, v := range flat[r*cols : (r+1)*cols] {
			sum += w * v
		}
	}
	return x.graph.newNode("WeightedRowSum", tensors.FromScalar(sum), []*Node{x},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			g := grad.ToScalar()
			xGrad := tensors.Zeros(x.Shape().Dimensions...)
			gFlat := xGrad.Flat()
			for r, w := range weights {
				for c := range cols {
					gFlat[r*cols+c] = g * w
				}
			}
			return []*tensors.Tensor{xGrad}
		})
}

// StopGradient returns a node with the same value as x, through which no gradient flows.
func StopGradient(x *Node) *Node {
	return x.graph.newNode("StopGradient", x.value, []*Node{x}, nil)
}
