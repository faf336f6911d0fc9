// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphsaint/pkg/ml/context"
	"github.com/gomlx/graphsaint/pkg/ml/context/checkpoints"
	"github.com/gomlx/graphsaint/pkg/ml/data"
	"github.com/gomlx/graphsaint/pkg/ml/train/optimizers"
	"github.com/gomlx/graphsaint/pkg/ml/train/plots"
	"github.com/pkg/errors"
)

type reportOptions struct {
	scope                          string
	summary, params, vars, metrics bool
	metricsNames, metricsTypes     []string
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).Padding(0, 1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).Padding(0, 1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// report writes to w the sections selected in opts about the checkpoint in dir.
func report(w io.Writer, dir string, opts reportOptions) error {
	exists, err := data.FileExists(dir)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Errorf("checkpoint directory %q not found", dir)
	}
	if opts.summary || opts.params || opts.vars {
		if err = reportModel(w, dir, opts); err != nil {
			return err
		}
	}
	if opts.metrics {
		return reportMetrics(w, dir, opts)
	}
	return nil
}

func reportModel(w io.Writer, dir string, opts reportOptions) error {
	// The Handler sets the hyperparameters in ctx, and provides the saved values of the variables.
	ctx := context.New()
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	if err != nil {
		return err
	}
	names, err := handler.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.Errorf("no checkpoints in %q", dir)
	}
	bundle, err := checkpoints.LoadBundle(dir)
	if err != nil {
		return err
	}
	bundle = bundle.Select(opts.scope)

	if opts.summary {
		var globalStep int64
		if err = exceptions.TryCatch[error](func() { globalStep = optimizers.GetGlobalStep(ctx) }); err != nil {
			return errors.WithMessage(err, "reading global step")
		}
		var numParams int
		var memory uintptr
		for _, value := range bundle {
			numParams += value.Size()
			memory += value.Memory()
		}
		_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
		table := newPlainTable()
		table.Row("checkpoint", dir)
		table.Row("latest", names[len(names)-1])
		table.Row("# checkpoints", humanize.Comma(int64(len(names))))
		table.Row("scope", opts.scope)
		table.Row("global_step", humanize.Comma(globalStep))
		table.Row("# variables", humanize.Comma(int64(len(bundle))))
		table.Row("# parameters", humanize.Comma(int64(numParams)))
		table.Row("# bytes", humanize.Bytes(uint64(memory)))
		_, _ = fmt.Fprintln(w, table.Render())
	}

	if opts.params {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
		table := newPlainTable().Headers("Scope", "Name", "Type", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		})
		_, _ = fmt.Fprintln(w, table.Render())
	}

	if opts.vars {
		_, _ = fmt.Fprintln(w, titleStyle.Render("Variables"))
		table := newPlainTable().Headers("Scope", "Name", "Shape", "Size", "Bytes")
		for _, scopeAndName := range bundle.Names() {
			value := bundle[scopeAndName]
			scope, name := context.SplitScope(scopeAndName)
			table.Row(scope, name, value.Shape().String(),
				humanize.Comma(int64(value.Size())), humanize.Bytes(uint64(value.Memory())))
		}
		_, _ = fmt.Fprintln(w, table.Render())
	}
	return nil
}

func reportMetrics(w io.Writer, dir string, opts reportOptions) error {
	rawPoints, err := plots.LoadPointsFromDir(dir)
	if err != nil {
		return err
	}
	points := plots.NewPoints(rawPoints)
	if len(opts.metricsNames) > 0 || len(opts.metricsTypes) > 0 {
		points.Filter(func(p plots.Point) bool {
			return slices.Contains(opts.metricsNames, p.MetricName) || slices.Contains(opts.metricsNames, p.Short) ||
				slices.Contains(opts.metricsTypes, p.MetricType)
		})
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics"))
	if len(points) == 0 {
		_, _ = fmt.Fprintf(w, "No metrics found in %q\n", dir)
		return nil
	}
	_, _ = fmt.Fprintln(w, points.TableForMetrics())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Best values"))
	table := newPlainTable().Headers("Metric", "Value", "Step")
	for _, name := range points.MetricsNames() {
		best, _ := points.Best(name)
		table.Row(name, fmt.Sprintf("%.4f", best.Value), fmt.Sprintf("%.0f", best.Step))
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}
