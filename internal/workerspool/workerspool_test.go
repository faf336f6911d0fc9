// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, maxParallelism := range []int{0, 1, 3, -1} {
		var pool *Pool
		if maxParallelism == 0 {
			pool = Sequential()
		} else {
			pool = New(maxParallelism)
		}
		results := make([]int, 20)
		var running, maxRunning atomic.Int32
		pool.Run(len(results), func(i int) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			results[i] = i * i
			running.Add(-1)
		})
		for i, r := range results {
			require.Equal(t, i*i, r, "maxParallelism=%d", maxParallelism)
		}
		if maxParallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), maxParallelism)
		}
		if maxParallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}
}

func TestPool_RunPanics(t *testing.T) {
	pool := New(2)
	var count atomic.Int32
	require.PanicsWithValue(t, "boom", func() {
		pool.Run(4, func(i int) {
			count.Add(1)
			if i == 2 {
				panic("boom")
			}
		})
	})
	assert.Equal(t, int32(4), count.Load())
}

func TestNew(t *testing.T) {
	assert.Greater(t, New(0).MaxParallelism(), 0)
	assert.Equal(t, 0, Sequential().MaxParallelism())
	assert.Equal(t, -1, New(-1).MaxParallelism())
}
