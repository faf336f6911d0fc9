// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
)

func TestGlorotUniform(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	w := GlorotUniform(rng, shapes.Make(dtypes.Float32, 30, 20))
	limit := math.Sqrt(6.0 / 50)
	var sum float64
	for _, v := range w.Flat() {
		assert.LessOrEqual(t, math.Abs(float64(v)), limit)
		sum += float64(v)
	}
	assert.InDelta(t, 0, sum/float64(w.Size()), 0.05)

	b := GlorotUniform(rng, shapes.Make(dtypes.Float32, 20))
	assert.Equal(t, make([]float32, 20), b.Flat())

	// Same seed, same values.
	w2 := GlorotUniform(rand.New(rand.NewPCG(1, 1)), shapes.Make(dtypes.Float32, 30, 20))
	assert.True(t, w.Equal(w2))
}

func TestConstants(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1}, One(nil, shape).Flat())
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, Zero(nil, shape).Flat())
	u := RandomUniformFn(2, 3)(rand.New(rand.NewPCG(2, 2)), shape)
	for _, v := range u.Flat() {
		assert.True(t, v >= 2 && v < 3, "value %g out of range", v)
	}
}
