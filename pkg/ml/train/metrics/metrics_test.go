// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestF1MultiClass(t *testing.T) {
	labels := tensors.FromValue([][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{1, 0, 0, 0},
	})
	predictions := tensors.FromValue([][]float32{
		{0.7, 0.1, 0.1, 0.1},
		{0.1, 0.2, 0.6, 0.1},
		{0.1, 0.1, 0.7, 0.1},
		{0.2, 0.5, 0.2, 0.1},
	})
	micro, macro, err := F1(labels, predictions, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, micro, 1e-9)
	assert.InDelta(t, 4.0/9.0, macro, 1e-9)

	counts := NewF1Counts(4, false)
	require.NoError(t, counts.Update(labels, predictions))
	assert.InDelta(t, 0.5, counts.Accuracy(), 1e-9)
	assert.Equal(t, int64(4), counts.NumExamples())
}

func TestF1MultiLabel(t *testing.T) {
	labels := tensors.FromValue([][]float32{{1, 0, 0}, {1, 1, 0}})
	predictions := tensors.FromValue([][]float32{{0.9, 0.6, 0.1}, {0.2, 0.7, 0.3}})
	counts := NewF1Counts(3, true)

	// Update in two batches.
	require.NoError(t, counts.Update(tensors.FromValue([][]float32{{1, 0, 0}}), tensors.FromValue([][]float32{{0.9, 0.6, 0.1}})))
	require.NoError(t, counts.Update(tensors.FromValue([][]float32{{1, 1, 0}}), tensors.FromValue([][]float32{{0.2, 0.7, 0.3}})))
	assert.InDelta(t, 2.0/3.0, counts.Micro(), 1e-9)
	assert.InDelta(t, 4.0/9.0, counts.Macro(), 1e-9)
	assert.Equal(t, 0.0, counts.Accuracy())

	micro, macro, err := F1(labels, predictions, true)
	require.NoError(t, err)
	assert.InDelta(t, counts.Micro(), micro, 1e-9)
	assert.InDelta(t, counts.Macro(), macro, 1e-9)
}

func TestF1Errors(t *testing.T) {
	_, _, err := F1(tensors.Zeros(2, 3), tensors.Zeros(2, 2), false)
	require.ErrorIs(t, err, shapes.ErrShape)
	_, _, err = F1(tensors.Zeros(3), tensors.Zeros(3), false)
	require.ErrorIs(t, err, shapes.ErrShape)
}

func TestPrettyPrint(t *testing.T) {
	assert.Equal(t, "45.00%", Value{MetricType: F1MetricType, Value: 0.45}.PrettyPrint())
	assert.Equal(t, "0.1235", Value{MetricType: LossMetricType, Value: 0.123456}.PrettyPrint())
}
