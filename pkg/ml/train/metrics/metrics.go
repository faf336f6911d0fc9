// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the classification metrics used to evaluate node classification models:
// F1 scores (micro and macro averaged) and accuracy, for multi-class (softmax) and multi-label (sigmoid)
// predictions.
package metrics

import (
	"fmt"

	"github.com/gomlx/graphsaint/pkg/core/shapes"
	"github.com/gomlx/graphsaint/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// LossMetricType is the type of loss metrics.
	// Used to aggregate metrics of the same type in the same plot.
	LossMetricType = "loss"

	// F1MetricType is the type of the F1 metrics.
	F1MetricType = "f1"

	// AccuracyMetricType is the type of accuracy metrics.
	AccuracyMetricType = "accuracy"

	// MultiLabelThreshold is the probability above which a label is considered predicted, for multi-label predictions.
	MultiLabelThreshold = 0.5
)

// Value is one named metric value, as reported by evaluations.
type Value struct {
	// Name of the metric, e.g.: "Validation F1 micro".
	Name string

	// ShortName is a shortened version of the name to display in progress bars.
	ShortName string

	// MetricType is a key for metrics that share the same semantics, e.g.: "f1", "loss".
	// Metrics of the same type can be displayed in the same plot.
	MetricType string

	Value float64
}

// PrettyPrint returns the value in a short form, as a percentage for F1 and accuracy.
func (v Value) PrettyPrint() string {
	switch v.MetricType {
	case F1MetricType, AccuracyMetricType:
		return fmt.Sprintf("%.2f%%", 100*v.Value)
	}
	return fmt.Sprintf("%.4g", v.Value)
}

// F1Counts accumulates, per class, the counts of true positives, false positives and false negatives.
// Create it with NewF1Counts, call Update with each batch of predictions and read the scores with Micro and Macro.
type F1Counts struct {
	multiLabel     bool
	truePositives  []int64
	falsePositives []int64
	falseNegatives []int64

	// seen marks classes that appeared in the labels or the predictions: macro averages of
	// multi-class problems only consider those.
	seen []bool

	numExamples, numCorrect int64
}

// NewF1Counts creates an accumulator for numClasses classes. If multiLabel is true, each class is an independent
// binary label predicted if its probability > MultiLabelThreshold, otherwise the predicted class is the argmax.
func NewF1Counts(numClasses int, multiLabel bool) *F1Counts {
	return &F1Counts{
		multiLabel:     multiLabel,
		truePositives:  make([]int64, numClasses),
		falsePositives: make([]int64, numClasses),
		falseNegatives: make([]int64, numClasses),
		seen:           make([]bool, numClasses),
	}
}

// Update accumulates the counts for labels (0/1 values) and predictions (probabilities), both shaped [numNodes, numClasses].
func (c *F1Counts) Update(labels, predictions *tensors.Tensor) error {
	numClasses := len(c.truePositives)
	if err := labels.Shape().CheckDims(-1, numClasses); err != nil {
		return errors.WithMessage(err, "labels")
	}
	if !labels.Shape().Equal(predictions.Shape()) {
		return errors.Wrapf(shapes.ErrShape, "labels shaped %s, predictions shaped %s", labels.Shape(), predictions.Shape())
	}
	for r := range labels.Rows() {
		trueRow, predRow := labels.Row(r), predictions.Row(r)
		c.numExamples++
		if c.multiLabel {
			allCorrect := true
			for class := range numClasses {
				isTrue := trueRow[class] > MultiLabelThreshold
				isPredicted := predRow[class] > MultiLabelThreshold
				c.count(class, isTrue, isPredicted)
				allCorrect = allCorrect && isTrue == isPredicted
			}
			if allCorrect {
				c.numCorrect++
			}
			continue
		}
		trueClass, predClass := argMax(trueRow), argMax(predRow)
		if numClasses == 0 {
			continue
		}
		if trueClass == predClass {
			c.numCorrect++
			c.count(trueClass, true, true)
		} else {
			c.count(trueClass, true, false)
			c.count(predClass, false, true)
		}
	}
	return nil
}

func (c *F1Counts) count(class int, isTrue, isPredicted bool) {
	switch {
	case isTrue && isPredicted:
		c.truePositives[class]++
	case isPredicted:
		c.falsePositives[class]++
	case isTrue:
		c.falseNegatives[class]++
	}
	if isTrue || isPredicted {
		c.seen[class] = true
	}
}

func argMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

func f1(tp, fp, fn int64) float64 {
	denominator := 2*tp + fp + fn
	if denominator == 0 {
		return 0
	}
	return float64(2*tp) / float64(denominator)
}

// Micro returns the F1 score calculated from the counts summed over all classes.
// For multi-class predictions it is the same as the accuracy.
func (c *F1Counts) Micro() float64 {
	var tp, fp, fn int64
	for class := range c.truePositives {
		tp += c.truePositives[class]
		fp += c.falsePositives[class]
		fn += c.falseNegatives[class]
	}
	return f1(tp, fp, fn)
}

// Macro returns the unweighted mean of the F1 scores of each class.
//
// For multi-label predictions all classes are averaged, and classes never seen count as 0. For multi-class
// predictions only classes that appeared in the labels or predictions are averaged.
func (c *F1Counts) Macro() float64 {
	var sum float64
	var count int
	for class := range c.truePositives {
		if !c.multiLabel && !c.seen[class] {
			continue
		}
		sum += f1(c.truePositives[class], c.falsePositives[class], c.falseNegatives[class])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Accuracy returns the fraction of examples whose prediction is entirely correct: the argmax for multi-class, or
// all labels for multi-label predictions.
func (c *F1Counts) Accuracy() float64 {
	if c.numExamples == 0 {
		return 0
	}
	return float64(c.numCorrect) / float64(c.numExamples)
}

// NumExamples accumulated so far.
func (c *F1Counts) NumExamples() int64 { return c.numExamples }

// F1 returns the micro and macro averaged F1 scores of the predictions (probabilities) against the labels,
// both shaped [numNodes, numClasses].
func F1(labels, predictions *tensors.Tensor, multiLabel bool) (micro, macro float64, err error) {
	if labels.Rank() != 2 {
		return 0, 0, errors.Wrapf(shapes.ErrShape, "labels must be shaped [numNodes, numClasses], got %s", labels.Shape())
	}
	counts := NewF1Counts(labels.Cols(), multiLabel)
	if err = counts.Update(labels, predictions); err != nil {
		return 0, 0, err
	}
	return counts.Micro(), counts.Macro(), nil
}
