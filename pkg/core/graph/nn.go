// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
)

// elementWise creates a unary element-wise op, given the function and its derivative, expressed in
// terms of the input x and the output y.
func elementWise(op string, x *Node, fn func(x float32) float32, derivative func(x, y float32) float32) *Node {
	value := x.value.Clone()
	flat := value.Flat()
	for ii, v := range flat {
		flat[ii] = fn(v)
	}
	return x.graph.newNode(op, value, []*Node{x}, func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
		xGrad := grad.Clone()
		gFlat := xGrad.Flat()
		xFlat := x.value.Flat()
		for ii, g := range gFlat {
			gFlat[ii] = g * derivative(xFlat[ii], flat[ii])
		}
		return []*tensors.Tensor{xGrad}
	})
}

// Relu returns max(x, 0), element-wise.
func Relu(x *Node) *Node {
	return elementWise("Relu", x,
		func(x float32) float32 { return max(x, 0) },
		func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// LeakyRelu returns x if x >= 0, or alpha·x otherwise, element-wise.
func LeakyRelu(x *Node, alpha float32) *Node {
	return elementWise("LeakyRelu", x,
		func(x float32) float32 {
			if x >= 0 {
				return x
			}
			return alpha * x
		},
		func(x, _ float32) float32 {
			if x >= 0 {
				return 1
			}
			return alpha
		})
}

func sigmoid(x float32) float32 {
	if x >= 0 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	}
	e := math.Exp(float64(x))
	return float32(e / (1 + e))
}

// Sigmoid returns 1/(1+exp(-x)), element-wise.
func Sigmoid(x *Node) *Node {
	return elementWise("Sigmoid", x, sigmoid, func(_, y float32) float32 { return y * (1 - y) })
}

// Tanh returns the hyperbolic tangent, element-wise.
func Tanh(x *Node) *Node {
	return elementWise("Tanh", x,
		func(x float32) float32 { return float32(math.Tanh(float64(x))) },
		func(_, y float32) float32 { return 1 - y*y })
}

// Elu returns x if x > 0, or exp(x)-1 otherwise, element-wise.
func Elu(x *Node) *Node {
	return elementWise("Elu", x,
		func(x float32) float32 {
			if x > 0 {
				return x
			}
			return float32(math.Expm1(float64(x)))
		},
		func(x, y float32) float32 {
			if x > 0 {
				return 1
			}
			return y + 1
		})
}

// softmaxRows computes the softmax of each row of logits.
func softmaxRows(logits *tensors.Tensor) *tensors.Tensor {
	out := logits.Clone()
	for r := range out.Rows() {
		row := out.Row(r)
		if len(row) == 0 {
			continue
		}
		maxV := row[0]
		for _, v := range row[1:] {
			maxV = max(maxV, v)
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(float64(v - maxV))
			row[c] = float32(e)
			sum += e
		}
		for c := range row {
			row[c] = float32(float64(row[c]) / sum)
		}
	}
	return out
}

// Softmax normalizes each row of the matrix x to a probability distribution: exp(x)/Σexp(x).
func Softmax(x *Node) *Node {
	assertMatrix("Softmax", x)
	value := softmaxRows(x.value)
	return x.graph.newNode("Softmax", value, []*Node{x}, func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
		xGrad := tensors.Zeros(grad.Rows(), grad.Cols())
		for r := range grad.Rows() {
			y, g := value.Row(r), grad.Row(r)
			var dot float32
			for c := range y {
				dot += y[c] * g[c]
			}
			dst := xGrad.Row(r)
			for c := range y {
				dst[c] = y[c] * (g[c] - dot)
			}
		}
		return []*tensors.Tensor{xGrad}
	})
}

// L2NormalizeRows divides each row of x by its L2 norm: x / sqrt(max(Σx², epsilon)).
func L2NormalizeRows(x *Node, epsilon float32) *Node {
	assertMatrix("L2NormalizeRows", x)
	value := x.value.Clone()
	invNorms := make([]float32, value.Rows())
	for r := range value.Rows() {
		row := value.Row(r)
		var sumSq float32
		for _, v := range row {
			sumSq += v * v
		}
		invNorms[r] = float32(1 / math.Sqrt(float64(max(sumSq, epsilon))))
		for c := range row {
			row[c] *= invNorms[r]
		}
	}
	return x.graph.newNode("L2NormalizeRows", value, []*Node{x}, func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
		xGrad := grad.Clone()
		for r := range grad.Rows() {
			xRow, g := x.value.Row(r), grad.Row(r)
			var sumSq, dot float32
			for c, v := range xRow {
				sumSq += v * v
				dot += value.Row(r)[c] * g[c]
			}
			dst := xGrad.Row(r)
			if sumSq < epsilon {
				// The norm is clamped to a constant, so it's a simple scaling.
				for c := range dst {
					dst[c] = g[c] * invNorms[r]
				}
				continue
			}
			y := value.Row(r)
			for c := range dst {
				dst[c] = (g[c] - y[c]*dot) * invNorms[r]
			}
		}
		return []*tensors.Tensor{xGrad}
	})
}

// NormalizeRows shifts and scales each row of x to zero mean and unit variance:
// (x - mean) / sqrt(variance + epsilon), with mean and variance taken over the row.
func NormalizeRows(x *Node, epsilon float32) *Node {
	assertMatrix("NormalizeRows", x)
	value := x.value.Clone()
	cols := value.Cols()
	invStd := make([]float32, value.Rows())
	for r := range value.Rows() {
		row := value.Row(r)
		if cols == 0 {
			continue
		}
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(cols)
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(cols)
		invStd[r] = float32(1 / math.Sqrt(variance+float64(epsilon)))
		for c, v := range row {
			row[c] = float32(float64(v)-mean) * invStd[r]
		}
	}
	return x.graph.newNode("NormalizeRows", value, []*Node{x}, func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
		xGrad := grad.Clone()
		n := float32(cols)
		for r := range grad.Rows() {
			y, g := value.Row(r), grad.Row(r)
			var meanG, meanGY float32
			for c := range g {
				meanG += g[c]
				meanGY += g[c] * y[c]
			}
			meanG /= n
			meanGY /= n
			dst := xGrad.Row(r)
			for c := range dst {
				dst[c] = invStd[r] * (g[c] - meanG - y[c]*meanGY)
			}
		}
		return []*tensors.Tensor{xGrad}
	})
}

// Dropout randomly zeroes elements of x with probability rate, and scales the remaining ones
// by 1/(1-rate). It is a no-op if the graph is not training or if rate is 0.
func Dropout(x *Node, rate float32) *Node {
	if rate < 0 || rate >= 1 {
		exceptions.Panicf("Dropout: rate must be in [0, 1), got %g", rate)
	}
	g := x.graph
	if !g.training || rate == 0 {
		return x
	}
	keep := 1 - rate
	mask := tensors.Zeros(x.Shape().Dimensions...)
	mFlat := mask.Flat()
	for ii := range mFlat {
		if g.rng.Float32() < keep {
			mFlat[ii] = 1 / keep
		}
	}
	return Mul(x, Const(g, mask))
}

// SigmoidCrossEntropyWithLogits returns the element-wise binary cross-entropy between the labels (in [0, 1])
// and sigmoid(logits): max(x, 0) - x·z + log(1 + exp(-|x|)), for logits x and labels z.
func SigmoidCrossEntropyWithLogits(labels *tensors.Tensor, logits *Node) *Node {
	if !labels.Shape().Equal(logits.Shape()) {
		shapes.Panicf("SigmoidCrossEntropyWithLogits: labels shape %s doesn't match logits %s", labels.Shape(), logits.Shape())
	}
	value := logits.value.Clone()
	flat := value.Flat()
	zFlat := labels.Flat()
	for ii, x := range flat {
		flat[ii] = max(x, 0) - x*zFlat[ii] + float32(math.Log1p(math.Exp(-math.Abs(float64(x)))))
	}
	return logits.graph.newNode("SigmoidCrossEntropy", value, []*Node{logits},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			xGrad := grad.Clone()
			gFlat := xGrad.Flat()
			xFlat := logits.value.Flat()
			for ii, g := range gFlat {
				gFlat[ii] = g * (sigmoid(xFlat[ii]) - zFlat[ii])
			}
			return []*tensors.Tensor{xGrad}
		})
}

// SoftmaxCrossEntropyWithLogits returns, for each row, the cross-entropy between the labels distribution and
// softmax(logits): -Σ_j z_j·log(softmax(x)_j). The result is shaped [n] for logits shaped [n, classes].
func SoftmaxCrossEntropyWithLogits(labels *tensors.Tensor, logits *Node) *Node {
	assertMatrix("SoftmaxCrossEntropyWithLogits", logits)
	if !labels.Shape().Equal(logits.Shape()) {
		shapes.Panicf("SoftmaxCrossEntropyWithLogits: labels shape %s doesn't match logits %s", labels.Shape(), logits.Shape())
	}
	rows := logits.Shape().Dim(0)
	probs := softmaxRows(logits.value)
	value := tensors.Zeros(rows)
	for r := range rows {
		x, z := logits.value.Row(r), labels.Row(r)
		if len(x) == 0 {
			continue
		}
		maxV := x[0]
		for _, v := range x[1:] {
			maxV = max(maxV, v)
		}
		var sumExp float64
		for _, v := range x {
			sumExp += math.Exp(float64(v - maxV))
		}
		logSumExp := float64(maxV) + math.Log(sumExp)
		var loss float64
		for c, v := range x {
			loss -= float64(z[c]) * (float64(v) - logSumExp)
		}
		value.Flat()[r] = float32(loss)
	}
	return logits.graph.newNode("SoftmaxCrossEntropy", value, []*Node{logits},
		func(grad *tensors.Tensor, _ []bool) []*tensors.Tensor {
			xGrad := tensors.Zeros(rows, logits.Shape().Dim(1))
			for r := range rows {
				g := grad.Flat()[r]
				p, z := probs.Row(r), labels.Row(r)
				var sumZ float32
				for _, v := range z {
					sumZ += v
				}
				dst := xGrad.Row(r)
				for c := range dst {
					dst[c] = g * (p[c]*sumZ - z[c])
				}
			}
			return []*tensors.Tensor{xGrad}
		})
}
