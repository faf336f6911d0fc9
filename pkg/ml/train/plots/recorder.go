// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RecorderName is the name of the hooks registered by the Recorder.
const RecorderName = "graphsaint.plots.Recorder"

// Recorder collects plot points during training: the training metrics (except the noisy batch loss) at the
// scheduled steps, and any evaluation metrics given to AddMetrics.
//
// A typical use:
//
//	recorder := plots.New().WithDir(checkpoint.Dir()).ScheduleExponential(loop, 10, 1.2)
//	train.EveryNEpochs(loop, evalEvery, true, "eval", 0, func(loop *train.Loop, epoch int, _ []metrics.Value) error {
//		eval, err := model.Evaluate(valNodes, valLabels)
//		...
//		recorder.AddMetrics(loop.LoopStep, eval.Metrics("Validation"))
//		return nil
//	})
//
// When the loop ends, if a directory was configured, the PNG plots and a CSV table are written there.
type Recorder struct {
	points []Point

	// lastStepCollected that train metrics was collected.
	lastStepCollected int

	scheduledOnEnd bool

	dir           string
	fileWriter    chan<- Point
	errFileWriter <-chan error
}

// New creates a new Recorder.
func New() *Recorder {
	return &Recorder{lastStepCollected: -1}
}

// WithDir loads points previously saved in dir (if any) and saves new points there, along with the plots
// when training finishes. Typically, dir is the checkpoint directory.
//
// New data-points are saved asynchronously not to slow down training,
// but with the downside of potentially having I/O issues reported asynchronously.
func (r *Recorder) WithDir(dir string) *Recorder {
	r.dir = dir
	previous, err := LoadPointsFromDir(dir)
	if err == nil {
		r.points = append(r.points, previous...)
		if len(previous) > 0 {
			r.lastStepCollected = int(previous[len(previous)-1].Step)
		}
		klog.V(1).Infof("loaded %d plot points from %q", len(previous), dir)
	} else if !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("ignoring previous plot points: %v", err)
	}
	return r
}

// ScheduleExponential collection of plot points, starting at `startStep` and with an increasing step factor
// of `stepFactor`. Typical values where could be 100 and 1.1.
func (r *Recorder) ScheduleExponential(loop *train.Loop, startStep int, stepFactor float64) *Recorder {
	train.ExponentialCallback(loop, startStep, stepFactor, true, RecorderName, 0, r.addTrainMetrics)
	r.attachOnEnd(loop)
	return r
}

// ScheduleEveryNSteps to collect metrics.
func (r *Recorder) ScheduleEveryNSteps(loop *train.Loop, n int) *Recorder {
	train.EveryNSteps(loop, n, RecorderName, 0, r.addTrainMetrics)
	r.attachOnEnd(loop)
	return r
}

func (r *Recorder) addTrainMetrics(loop *train.Loop, trainMetrics []metrics.Value) error {
	// Only add metrics once per step: multiple calls here can happen if it was scheduled more than one way.
	if r.lastStepCollected >= loop.LoopStep {
		return nil
	}
	r.lastStepCollected = loop.LoopStep
	for ii, value := range trainMetrics {
		if ii == train.BatchLossMetric {
			// It fluctuates a lot at each batch, and the moving average is always included.
			continue
		}
		r.AddPoint(Point{
			MetricName: "Train: " + value.Name,
			Short:      fmt.Sprintf("T/%s", value.ShortName),
			MetricType: value.MetricType,
			Step:       float64(loop.LoopStep),
			Value:      value.Value,
		})
	}
	return nil
}

// AddMetrics adds the metric values measured at the given global step.
func (r *Recorder) AddMetrics(step int, values []metrics.Value) {
	for _, value := range values {
		r.AddPoint(Point{
			MetricName: value.Name,
			Short:      value.ShortName,
			MetricType: value.MetricType,
			Step:       float64(step),
			Value:      value.Value,
		})
	}
}

// AddPoint adds one point. Invalid values (NaN or infinite) are ignored.
func (r *Recorder) AddPoint(pt Point) {
	if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) || math.IsNaN(pt.Step) || math.IsInf(pt.Step, 0) {
		return
	}
	if r.dir != "" && r.fileWriter == nil {
		r.fileWriter, r.errFileWriter = CreatePointsWriter(filepath.Join(r.dir, TrainingPlotFileName))
	}
	if r.fileWriter != nil {
		r.fileWriter <- pt
	}
	r.points = append(r.points, pt)
}

// Points returns all the points collected so far, including the ones loaded.
func (r *Recorder) Points() Points {
	return NewPoints(r.points)
}

// attachOnEnd registers the saving of the plots when training finishes.
func (r *Recorder) attachOnEnd(loop *train.Loop) {
	if r.scheduledOnEnd {
		return
	}
	r.scheduledOnEnd = true
	loop.OnEnd(RecorderName, 120, func(_ *train.Loop, _ []metrics.Value) error {
		if err := r.stopWriting(); err != nil {
			return err
		}
		if r.dir == "" || len(r.points) == 0 {
			return nil
		}
		return r.Save(r.dir)
	})
}

// Save the PNG plots and the CSV table ("training_metrics.csv") of all points in dir.
func (r *Recorder) Save(dir string) error {
	points := r.Points()
	paths, err := points.SavePNG(dir)
	if err != nil {
		return err
	}
	csvPath := filepath.Join(dir, "training_metrics.csv")
	if err = points.SaveCSV(csvPath); err != nil {
		return err
	}
	klog.V(1).Infof("saved plots %v and %q", paths, csvPath)
	return nil
}

// stopWriting indicates that no more points are coming. This closes the asynchronous job writing new points.
// A new one is started if more points are added.
func (r *Recorder) stopWriting() error {
	if r.fileWriter == nil {
		return nil
	}
	close(r.fileWriter)
	r.fileWriter = nil
	if err := <-r.errFileWriter; err != nil {
		return errors.WithMessage(err, "failed to write plot points")
	}
	return nil
}
