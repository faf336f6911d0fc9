// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// StepColumn is the name of the column with the global step in DataFrame.
const StepColumn = "step"

// DataFrame returns the points as a table with one row per step, and one column per metric (named after the
// metric's short name, or its name if the short name is empty). Missing values are NaN.
func (points Points) DataFrame() dataframe.DataFrame {
	names := points.MetricsNames()
	steps := points.Steps()
	columns := make(map[string][]float64, len(names))
	columnNames := make(map[string]string, len(names))
	for _, name := range names {
		values := make([]float64, len(steps))
		for ii := range values {
			values[ii] = math.NaN()
		}
		columns[name] = values
	}
	for row, step := range steps {
		for _, pt := range points[step] {
			columns[pt.MetricName][row] = pt.Value
			if _, found := columnNames[pt.MetricName]; !found {
				columnNames[pt.MetricName] = pt.Short
				if pt.Short == "" {
					columnNames[pt.MetricName] = pt.MetricName
				}
			}
		}
	}

	allSeries := make([]series.Series, 0, len(names)+1)
	stepInts := make([]int, len(steps))
	for ii, step := range steps {
		stepInts[ii] = int(step)
	}
	allSeries = append(allSeries, series.New(stepInts, series.Int, StepColumn))
	for _, name := range names {
		allSeries = append(allSeries, series.New(columns[name], series.Float, columnNames[name]))
	}
	return dataframe.New(allSeries...)
}

// SaveCSV writes the DataFrame of the points to filePath.
func (points Points) SaveCSV(filePath string) error {
	df := points.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build table of plot points")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
