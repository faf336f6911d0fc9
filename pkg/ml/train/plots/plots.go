// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the metrics of a training run (train loss and evaluation F1 scores) as plot points,
// saves them along the checkpoints, and renders them as PNG plots (with gonum/plot), CSV tables (with gota)
// or command-line tables.
package plots

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the file, in the checkpoint directory, where the points of a run are appended,
// one JSON object per line. Resumed runs keep appending to the same file.
const TrainingPlotFileName = "training_plot_points.json"

// Point is one metric measured at one global step.
type Point struct {
	// MetricName is the full name, e.g. "Validation F1 micro".
	MetricName string

	// Short name, used by the progress bar, e.g. "Val-F1mi".
	Short string

	// MetricType groups metrics plotted together: "loss", "f1" or "accuracy".
	MetricType string

	// Step is the global step, stored as float64.
	Step float64

	Value float64
}

// LoadPointsFromDir loads the points saved in TrainingPlotFileName in a checkpoint directory.
func LoadPointsFromDir(checkpointDir string) ([]Point, error) {
	return LoadPoints(filepath.Join(checkpointDir, TrainingPlotFileName))
}

// LoadPoints parses the points saved in filePath. Empty lines are skipped.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open plot points file")
	}
	defer func() { _ = f.Close() }()

	var points []Point
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var point Point
		if err := json.Unmarshal(line, &point); err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid plot point", filePath, lineNum)
		}
		points = append(points, point)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading plot points from %q", filePath)
	}
	return points, nil
}

// CreatePointsWriter starts a goroutine appending the points sent to pointWriter to filePath.
//
// Once pointWriter is closed, errReport receives the first error (or nil). Points sent after an error are
// discarded, so the caller never blocks on a failed file.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	points := make(chan Point, 100)
	result := make(chan error, 1)
	go func() {
		result <- appendPoints(filePath, points)
	}()
	return points, result
}

func appendPoints(filePath string, points <-chan Point) (err error) {
	defer func() {
		for range points {
		}
	}()
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		err = errors.Wrapf(err, "failed to open plot points file for append")
		klog.Errorf("plots: %v", err)
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing %q", filePath)
		}
	}()
	enc := json.NewEncoder(f)
	for point := range points {
		if err = enc.Encode(point); err != nil {
			err = errors.Wrapf(err, "failed to write point %+v to %q", point, filePath)
			klog.Errorf("plots: %v", err)
			return err
		}
	}
	return nil
}

// Points indexes Point values by their step.
type Points map[float64][]Point

// NewPoints indexes rawPoints by step.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, sorted.
func (points Points) Steps() []float64 {
	steps := maps.Keys(points)
	slices.Sort(steps)
	return steps
}

// Map calls fn on every point, in step order. Changing p.Step does not re-index the point.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.Steps() {
		for ii := range points[step] {
			fn(&points[step][ii])
		}
	}
}

// Filter removes the points for which keep returns false, and the steps left without points.
func (points Points) Filter(keep func(p Point) bool) {
	for step, stepPoints := range points {
		stepPoints = slices.DeleteFunc(stepPoints, func(p Point) bool { return !keep(p) })
		if len(stepPoints) == 0 {
			delete(points, step)
			continue
		}
		points[step] = stepPoints
	}
}

// Extract returns the points as a list sorted by step.
func (points Points) Extract() []Point {
	var rawPoints []Point
	points.Map(func(p *Point) { rawPoints = append(rawPoints, *p) })
	return rawPoints
}

// MetricsNames returns the names of the metrics, sorted by metric type and then by name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) { nameToType[p.MetricName] = p.MetricType })
	names := maps.Keys(nameToType)
	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(nameToType[a], nameToType[b]), cmp.Compare(a, b))
	})
	return names
}

// MetricsTypes returns the sorted list of metric types.
func (points Points) MetricsTypes() []string {
	types := make(map[string]bool)
	points.Map(func(p *Point) { types[p.MetricType] = true })
	typeNames := maps.Keys(types)
	slices.Sort(typeNames)
	return typeNames
}

// Best returns the best point of the metric named metricName (the lowest for losses, the highest otherwise),
// and false if there are no points of that metric. Ties go to the earliest step.
func (points Points) Best(metricName string) (best Point, found bool) {
	points.Map(func(p *Point) {
		if p.MetricName != metricName {
			return
		}
		better := p.Value > best.Value
		if p.MetricType == metrics.LossMetricType {
			better = p.Value < best.Value
		}
		if !found || better {
			best, found = *p, true
		}
	})
	return
}

// TableForMetrics renders a table with one row per step, and one column per metric in metricNames
// (all metrics if empty). Missing values are shown as "-".
func (points Points) TableForMetrics(metricNames ...string) string {
	if len(metricNames) == 0 {
		metricNames = points.MetricsNames()
	}
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := cellStyle.Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(append([]string{"Step"}, metricNames...)...)

	for _, step := range points.Steps() {
		row := []string{fmt.Sprintf("%.0f", step)}
		for _, name := range metricNames {
			cell := "-"
			for _, pt := range points[step] {
				if pt.MetricName == name {
					cell = fmt.Sprintf("%.4f", pt.Value)
				}
			}
			row = append(row, cell)
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
