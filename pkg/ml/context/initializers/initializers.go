// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
package initializers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
)

// VariableInitializer returns a value to initialize a variable of the given shape, drawing any
// randomness from rng.
type VariableInitializer func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

// Zero initializes variables with zero.
func Zero(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	return tensors.FromShape(shape)
}

// One initializes variables with one.
func One(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = 1
	}
	return t
}

// RandomUniformFn returns an initializer that generates random uniform values from [min, max).
func RandomUniformFn(min, max float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = float32(min + (max-min)*rng.Float64())
		}
		return t
	}
}

// RandomNormalFn returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func RandomNormalFn(stddev float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = float32(stddev * rng.NormFloat64())
		}
		return t
	}
}

// GlorotUniform draws samples from a uniform distribution within [-limit, limit], where
// limit = sqrt(6 / (fan_in + fan_out)), for matrices shaped [fan_in, fan_out].
// Biases (anything with rank <= 1) are initialized with zeros.
//
// It is also known as Xavier uniform initialization.
func GlorotUniform(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	if shape.Rank() <= 1 {
		return Zero(rng, shape)
	}
	fanIn, fanOut := shape.Dimensions[0], shape.Dimensions[1]
	limit := math.Sqrt(6.0 / max(1.0, float64(fanIn+fanOut)))
	return RandomUniformFn(-limit, limit)(rng, shape)
}
