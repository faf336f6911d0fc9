// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/graphsaint/pkg/ml/train"
	"github.com/gomlx/graphsaint/pkg/ml/train/metrics"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar draws the progress of the training loop, followed by a table with the global step, the epoch
// and the latest train metrics (loss and, if computed, train F1).
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	// lipgloss based rich display for the command-line.
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool

	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

// progressBarUpdate is sent to the goroutine drawing the progress bar.
type progressBarUpdate struct {
	amount, endStep int
	step            string
	names, values   []string
}

// maxUpdateFrequency limits how often the terminal is redrawn.
const maxUpdateFrequency = time.Millisecond * 200

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "graphsaint.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

func newStatsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	var stepsMsg string
	if loop.EndStep < 0 {
		pBar.numSteps = -1 // Unknown: the bar shows a spinner until the first epoch finishes.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
		stepsMsg = fmt.Sprintf(" (%d steps)", pBar.numSteps)
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training%s: ", stepsMsg)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.isFirstOutput = true
	pBar.startAsyncUpdates()
	return nil
}

// startAsyncUpdates starts the goroutine drawing the updates of one run of the loop. Training only blocks
// if it gets 100 updates ahead of the terminal.
func (pBar *progressBar) startAsyncUpdates() {
	pBar.stopAsyncUpdates()
	updates := make(chan progressBarUpdate, 100)
	pBar.updates = updates
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		for update := range updates {
			amount, latest := coalesceUpdates(update, updates)
			pBar.draw(amount, latest)
			time.Sleep(maxUpdateFrequency)
		}
	}()
}

// coalesceUpdates merges first with the updates already queued: it returns the total of steps advanced, and
// the most recent metrics.
func coalesceUpdates(first progressBarUpdate, queued <-chan progressBarUpdate) (amount int, latest progressBarUpdate) {
	amount, latest = first.amount, first
	for {
		select {
		case update, ok := <-queued:
			if !ok {
				return
			}
			amount += update.amount
			latest = update
		default:
			return
		}
	}
}

// stopAsyncUpdates flushes the pending updates and waits for the drawing goroutine to finish.
func (pBar *progressBar) stopAsyncUpdates() {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
}

func (pBar *progressBar) draw(amount int, update progressBarUpdate) {
	if !pBar.isFirstOutput && pBar.termenv != nil {
		pBar.termenv.ClearLines(len(update.names) + 1 + 2)
	}
	pBar.isFirstOutput = false

	if update.endStep > 0 && pBar.bar.GetMax() != update.endStep {
		// RunEpochs only learns the number of steps after the first epoch.
		pBar.bar.ChangeMax(update.endStep)
	}
	_ = pBar.bar.Add(amount) // Prints progress bar line.
	pBar.statsTable.Data(lgtable.NewStringData())
	_, _ = fmt.Fprintln(pBar.out)
	pBar.statsTable.Row("Global Step", update.step)
	for ii, name := range update.names {
		pBar.statsTable.Row(name, update.values[ii])
	}
	_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
}

func (pBar *progressBar) onStep(loop *train.Loop, trainMetrics []metrics.Value) error {
	if pBar.updates == nil || pBar.bar.IsFinished() {
		return nil
	}

	// LoopStep has finished when OnStep hooks run.
	amount := loop.LoopStep + 1 - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	update := progressBarUpdate{
		amount: amount,
		names:  make([]string, 0, len(trainMetrics)),
		values: make([]string, 0, len(trainMetrics)),
	}
	if loop.EndStep >= 0 {
		update.endStep = loop.EndStep - loop.StartStep
		update.step = fmt.Sprintf("%d / %d", loop.LoopStep, loop.EndStep)
	} else {
		update.step = fmt.Sprintf("%d", loop.LoopStep)
	}
	if loop.Epoch > 0 || loop.EndStep < 0 {
		update.names = append(update.names, "Epoch")
		update.values = append(update.values, fmt.Sprintf("%d", loop.Epoch+1))
	}
	for _, metric := range trainMetrics {
		update.names = append(update.names, metric.Name)
		update.values = append(update.values, metric.PrettyPrint())
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []metrics.Value) error {
	pBar.stopAsyncUpdates()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// AttachProgressBar displays on stdout the progress of every run of loop, with its train metrics.
func AttachProgressBar(loop *train.Loop) {
	AttachProgressBarToWriter(loop, os.Stdout)
}

// AttachProgressBarToWriter is like AttachProgressBar, but writes to w.
func AttachProgressBarToWriter(loop *train.Loop, w io.Writer) {
	pBar := &progressBar{
		out:        w,
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
		statsTable: newStatsTable(),
	}
	if f, ok := w.(*os.File); ok {
		pBar.termenv = termenv.NewOutput(f)
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Refreshed up to 1000 times per run, and at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, 3*time.Second, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
