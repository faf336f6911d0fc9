// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar
// for the training loop, a table of evaluation results and the "-set" flag to change hyperparameters.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
)

// ReportEval writes a table with the evaluation metrics to w, titled with the given title
// (e.g.: "Validation after epoch 3").
func ReportEval(w io.Writer, title string, values []metrics.Value) error {
	table := newStatsTable()
	table.Headers("Metric", "Value")
	for _, v := range values {
		table.Row(fmt.Sprintf("%s (%s)", v.Name, v.ShortName), v.PrettyPrint())
	}
	titleStyle := lipgloss.NewStyle().Bold(true)
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render(title), table.String())
	return err
}
