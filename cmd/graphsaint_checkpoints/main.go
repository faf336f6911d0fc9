// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// graphsaint_checkpoints reports the contents of a checkpoint directory created by graphsaint: a summary of
// the model, its hyperparameters, its variables and the metrics collected during training.
//
// Usage:
//
//	graphsaint_checkpoints -summary -params -vars -metrics ~/work/graphsaint/ppi-1a2b3c4d
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/graphsaint/pkg/ml/train/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/", "Only variables under this scope are considered in the summary "+
		"and in the list of variables. Use \"/layer_0\" for instance to inspect the first layer.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the model sizes (for variables under -scope) "+
		"and the global step.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names (or short names) "+
		"to include in the metrics report.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separated list of metric types (e.g. \"loss,f1\") "+
		"to include in the metrics report.")
)

func splitList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory to read from, got %d. See 'graphsaint_checkpoints -help'.",
			len(args))
		os.Exit(1)
	}
	opts := reportOptions{
		scope:        *flagScope,
		summary:      *flagSummary,
		params:       *flagParams,
		vars:         *flagVars,
		metrics:      *flagMetrics,
		metricsNames: splitList(*flagMetricsNames),
		metricsTypes: splitList(*flagMetricsTypes),
	}
	if !opts.summary && !opts.params && !opts.vars && !opts.metrics {
		opts.summary = true
	}
	must.M(report(os.Stdout, args[0], opts))
}
