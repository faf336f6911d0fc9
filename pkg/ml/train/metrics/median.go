// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling.
//
// The training loop uses it to report the median batch loss, which is less noisy than the last
// batch loss. It is not safe for concurrent use.
type StreamingMedian struct {
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// DefaultMedianSampleSize is the number of samples kept by NewStreamingMedian.
const DefaultMedianSampleSize = 10_001

// NewStreamingMedian creates a streaming median keeping at most DefaultMedianSampleSize samples.
func NewStreamingMedian() *StreamingMedian {
	return &StreamingMedian{maxNumSamples: DefaultMedianSampleSize}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = max(n, 1)
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedian) WithSeed(seed uint64) *StreamingMedian {
	m.rng = rand.New(rand.NewPCG(seed, seed+1))
	return m
}

// Update with a new value.
func (m *StreamingMedian) Update(x float64) {
	if m.samples == nil {
		if m.maxNumSamples == 0 {
			m.maxNumSamples = DefaultMedianSampleSize
		}
		m.samples = make([]float64, 0, min(m.maxNumSamples, 1024))
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// Keep x with probability maxNumSamples/samplesSeen, in a random position.
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Median returns the current estimate of the median, or false if no value has been seen yet.
func (m *StreamingMedian) Median() (float64, bool) {
	if len(m.samples) == 0 {
		return 0, false
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2], true
}

// NumSeen returns the number of values given to Update since the last Reset.
func (m *StreamingMedian) NumSeen() int { return m.samplesSeen }

// Reset discards all samples.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}

// ExponentialMovingAverage of a stream of values. The first value initializes the average.
type ExponentialMovingAverage struct {
	// Decay is the weight of the previous average, in [0, 1).
	Decay float64

	value float64
	count int
}

// NewExponentialMovingAverage with the given decay.
func NewExponentialMovingAverage(decay float64) *ExponentialMovingAverage {
	return &ExponentialMovingAverage{Decay: decay}
}

// Update the average with x and return the new average.
//
// While fewer than 1/(1-Decay) values were seen, the plain mean is used instead, so early values are not
// over-weighted.
func (e *ExponentialMovingAverage) Update(x float64) float64 {
	e.count++
	decay := e.Decay
	if warmUp := 1.0 - 1.0/float64(e.count); warmUp < decay {
		decay = warmUp
	}
	e.value = decay*e.value + (1-decay)*x
	return e.value
}

// Value returns the current average.
func (e *ExponentialMovingAverage) Value() float64 { return e.value }

// Reset the average.
func (e *ExponentialMovingAverage) Reset() {
	e.value = 0
	e.count = 0
}
