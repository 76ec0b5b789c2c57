// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays the progress of a training loop on the terminal: a progress bar
// and a table with the latest metrics.
package progress

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// BarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports it.
var BarStyle = progressbar.ThemeASCII

// Name of the hooks registered in the loop.
const Name = "cryosiren.ui.progress"

// maxUpdateFrequency is the time between updates to the terminal display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type update struct {
	amount   int
	numSteps int
	step     string
	epoch    int
	metrics  []float64
}

// bar holds a progress bar being displayed.
type bar struct {
	out              io.Writer
	names            []string
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar

	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan update
	done          sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// Attach creates a terminal progress bar and attaches it to the loop, so that every time the loop
// is run, it displays a progress bar with the steps and a table with the metrics of the last step.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the display and should return a name (title) and a value to be included in the table.
func Attach(loop *autoencoder.Loop, extraMetrics ...ExtraMetricFn) {
	AttachTo(loop, os.Stdout, extraMetrics...)
}

// AttachTo is like Attach, but writes to out.
func AttachTo(loop *autoencoder.Loop, out io.Writer, extraMetrics ...ExtraMetricFn) {
	pBar := &bar{
		out:            out,
		names:          loop.Trainer.MetricNames(),
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(out),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newTable(),
	}
	loop.OnStart(Name, 0, pBar.onStart)
	loop.OnStep(Name, 0, pBar.onStep)
	loop.OnEnd(Name, 0, pBar.onEnd)
}

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

func (pBar *bar) onStart(loop *autoencoder.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.numSteps = -1 // Spinner until the number of steps is known.
	if loop.EndStep >= 0 {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(BarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan update, 100) // Large buffer so training is not blocked.
	pBar.done.Add(1)
	go pBar.draw(loop)
	return nil
}

func (pBar *bar) onStep(loop *autoencoder.Loop, metrics []float64) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	step := humanize.Comma(int64(loop.LoopStep))
	if loop.EndStep >= 0 {
		if pBar.numSteps < 0 {
			pBar.numSteps = loop.EndStep - loop.StartStep
		}
		step = fmt.Sprintf("%s of %s", step, humanize.Comma(int64(loop.EndStep)))
	}
	pBar.updates <- update{
		amount:   amount,
		numSteps: pBar.numSteps,
		step:     step,
		epoch:    loop.Epoch,
		metrics:  append([]float64(nil), metrics...),
	}
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

// draw the updates asynchronously: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *bar) draw(loop *autoencoder.Loop) {
	defer pBar.done.Done()
	barMax := pBar.numSteps
	for u := range pBar.updates {
		// Exhaust the updates in the buffer.
		amount := u.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				u = newUpdate
			default:
				break exhaust
			}
		}

		if u.numSteps != barMax {
			barMax = u.numSteps
			pBar.bar.ChangeMax(barMax)
		}
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Global Step", u.step)
		pBar.statsTable.Row("Epoch", strconv.Itoa(u.epoch+1))
		pBar.statsTable.Row("Median train step duration", FormatDuration(loop.MedianTrainStepDuration()))
		for ii, name := range pBar.names {
			pBar.statsTable.Row(name, FormatMetric(u.metrics[ii]))
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := 3 + len(pBar.names) + 2 + 2 + len(pBar.extraMetricFns)
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *bar) onEnd(_ *autoencoder.Loop, _ []float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.done.Wait()
	pBar.updates = nil
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// FormatMetric pretty prints a metric value with 4 significant digits.
func FormatMetric(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

// Table renders rows of (name, value) as a rounded lipgloss table, with the names right aligned.
func Table(rows [][2]string) string {
	table := newTable()
	for _, row := range rows {
		table.Row(row[0], row[1])
	}
	return table.String()
}
