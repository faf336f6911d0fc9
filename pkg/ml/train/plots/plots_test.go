// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/saint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoints(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "b", MetricType: "loss", Step: 10, Value: 1},
		{MetricName: "a", MetricType: "loss", Step: 0, Value: 2},
		{MetricName: "c", MetricType: "f1", Step: 10, Value: 0.5},
	})
	assert.Equal(t, []float64{0, 10}, points.Steps())
	assert.Equal(t, []string{"c", "a", "b"}, points.MetricsNames())
	assert.Equal(t, []string{"f1", "loss"}, points.MetricsTypes())

	table := points.TableForMetrics("a", "c")
	assert.Contains(t, table, "Step")
	assert.Contains(t, table, "2.0000")
	assert.Contains(t, table, "0.5000")
	assert.NotContains(t, table, "1.0000")
	assert.Contains(t, table, "-")

	points.Filter(func(p Point) bool { return p.MetricType == "loss" })
	extracted := points.Extract()
	require.Len(t, extracted, 2)
	assert.Equal(t, "a", extracted[0].MetricName)
	assert.Equal(t, "b", extracted[1].MetricName)

	points.Filter(func(p Point) bool { return p.Step > 0 })
	assert.Equal(t, []float64{10}, points.Steps())
}

func TestBest(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "Validation loss", MetricType: metrics.LossMetricType, Step: 1, Value: 0.9},
		{MetricName: "Validation loss", MetricType: metrics.LossMetricType, Step: 2, Value: 0.4},
		{MetricName: "Validation loss", MetricType: metrics.LossMetricType, Step: 3, Value: 0.6},
		{MetricName: "Validation F1 micro", MetricType: metrics.F1MetricType, Step: 1, Value: 0.7},
		{MetricName: "Validation F1 micro", MetricType: metrics.F1MetricType, Step: 2, Value: 0.8},
		{MetricName: "Validation F1 micro", MetricType: metrics.F1MetricType, Step: 3, Value: 0.8},
	})
	best, found := points.Best("Validation loss")
	require.True(t, found)
	assert.Equal(t, 2.0, best.Step)
	assert.Equal(t, 0.4, best.Value)

	best, found = points.Best("Validation F1 micro")
	require.True(t, found)
	assert.Equal(t, 2.0, best.Step)

	_, found = points.Best("Test F1 micro")
	assert.False(t, found)
}

func TestLoadPoints(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), TrainingPlotFileName)
	require.NoError(t, os.WriteFile(filePath, []byte(
		`{"MetricName":"a","MetricType":"loss","Step":1,"Value":2}`+"\n\n"+
			`{"MetricName":"a","MetricType":"loss","Step":2,"Value":1}`+"\n"), 0644))
	points, err := LoadPoints(filePath)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 1.0, points[1].Value)

	require.NoError(t, os.WriteFile(filePath, []byte("{not json\n"), 0644))
	_, err = LoadPoints(filePath)
	require.Error(t, err)

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestDataFrame(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "Train loss", Short: "loss", MetricType: "loss", Step: 1, Value: 2},
		{MetricName: "Train loss", Short: "loss", MetricType: "loss", Step: 2, Value: 1},
		{MetricName: "F1", MetricType: "f1", Step: 2, Value: 0.5},
	})
	df := points.DataFrame()
	require.NoError(t, df.Err)
	assert.Equal(t, []string{StepColumn, "F1", "loss"}, df.Names())
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []float64{2, 1}, df.Col("loss").Float())
	assert.True(t, df.Col("F1").IsNaN()[0])
	assert.Equal(t, 0.5, df.Col("F1").Float()[1])
}

// stepTrainer is a train.Trainer that only increments the global step.
type stepTrainer struct {
	ctx *context.Context
}

func (s *stepTrainer) Context() *context.Context { return s.ctx }

func (s *stepTrainer) TrainStep(_ *saint.Batch) (saint.StepResult, error) {
	optimizers.IncrementGlobalStep(s.ctx)
	return saint.StepResult{Loss: 1}, nil
}

type infiniteDataset struct{}

func (infiniteDataset) Name() string                 { return "infinite" }
func (infiniteDataset) Reset()                       {}
func (infiniteDataset) Yield() (*saint.Batch, error) { return &saint.Batch{}, nil }

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	loop, err := train.NewLoop(&stepTrainer{ctx: context.New()})
	require.NoError(t, err)
	recorder := New().WithDir(dir).ScheduleExponential(loop, 2, 2.0)
	train.EveryNSteps(loop, 10, "eval", 0, func(loop *train.Loop, _ []metrics.Value) error {
		eval := saint.EvalResult{Loss: 0.5, F1Micro: 0.25, F1Macro: 0.125}
		recorder.AddMetrics(loop.LoopStep, eval.Metrics("Validation"))
		return nil
	})
	_, err = loop.RunSteps(infiniteDataset{}, 20)
	require.NoError(t, err)

	// Train metrics at steps 2, 6, 14 and at the end (20), evaluation at steps 9 and 19.
	points := recorder.Points()
	assert.Equal(t, []float64{2, 6, 9, 14, 19, 20}, points.Steps())
	assert.Len(t, points.Extract(), 4*2+2*3)

	for _, name := range []string{TrainingPlotFileName, "plot_loss.png", "plot_f1.png", "training_metrics.csv"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	f, err := os.Open(filepath.Join(dir, "training_metrics.csv"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	require.NoError(t, df.Err)
	assert.Equal(t, 6, df.Nrow())
	assert.Equal(t, 6, df.Ncol())

	// A new recorder picks up the saved points.
	loaded, err := LoadPointsFromDir(dir)
	require.NoError(t, err)
	assert.Len(t, loaded, 14)
	recorder2 := New().WithDir(dir)
	assert.Equal(t, 20, recorder2.lastStepCollected)
	assert.Len(t, recorder2.Points().Extract(), 14)
}
