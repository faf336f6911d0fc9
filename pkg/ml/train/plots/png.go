// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotWidth and PlotHeight are the dimensions of the images saved by SavePNG.
var (
	PlotWidth  = 12 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// Plot returns a gonum plot with one line per metric of the given metricType.
func (points Points) Plot(metricType string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "global step"
	p.Y.Label.Text = metricType
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	lines := make(map[string]plotter.XYs)
	var names []string
	points.Map(func(pt *Point) {
		if pt.MetricType != metricType {
			return
		}
		if _, found := lines[pt.MetricName]; !found {
			names = append(names, pt.MetricName)
		}
		lines[pt.MetricName] = append(lines[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
	})
	if len(names) == 0 {
		return nil, errors.Errorf("no points of metric type %q to plot", metricType)
	}
	for ii, name := range names {
		line, linePoints, err := plotter.NewLinePoints(lines[name])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create line for metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		linePoints.Color = plotutil.Color(ii)
		linePoints.Shape = plotutil.Shape(ii)
		p.Add(line, linePoints)
		p.Legend.Add(name, line, linePoints)
	}
	return p, nil
}

// SavePNG saves one plot per metric type in dir, named "plot_<type>.png", and returns the paths of the
// files created.
func (points Points) SavePNG(dir string) (paths []string, err error) {
	for _, metricType := range points.MetricsTypes() {
		p, err := points.Plot(metricType)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, fmt.Sprintf("plot_%s.png", sanitizeFileName(metricType)))
		if err := p.Save(PlotWidth, PlotHeight, path); err != nil {
			return paths, errors.Wrapf(err, "failed to save plot %q", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
