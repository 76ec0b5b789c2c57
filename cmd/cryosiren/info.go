// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/cryosiren/pkg/config"
	"github.com/gomlx/cryosiren/ui/plots"
	"github.com/gomlx/cryosiren/ui/progress"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			s = evenRowStyle
			if row%2 == 0 {
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// scopeStats accumulates the variables under a top-level scope.
type scopeStats struct {
	scope              string
	numVars, numParams int
	numBytes           uint64
}

// runInfo reports on a checkpoint directory: global step, sizes of the model, its configuration
// and the last values of the training metrics.
func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	klog.InitFlags(fs)
	checkpointDir := fs.String("checkpoint", "", "Checkpoint directory to report on.")
	listVars := fs.Bool("vars", false, "Lists all the variables.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := *checkpointDir
	if dir == "" && fs.NArg() == 1 {
		dir = fs.Arg(0)
	}
	if dir == "" {
		return errors.New("missing checkpoint directory, set it with -checkpoint")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}

	ctx := context.New()
	if _, err = checkpoints.Build(ctx).Dir(dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint %q", dir)
	}

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("checkpoint", dir)
	table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	var scopes []*scopeStats
	var rows [][]string
	ctx.EnumerateVariables(func(v *context.Variable) {
		top, _, _ := strings.Cut(strings.TrimPrefix(v.Scope(), context.ScopeSeparator), context.ScopeSeparator)
		idx := slices.IndexFunc(scopes, func(s *scopeStats) bool { return s.scope == top })
		if idx < 0 {
			idx = len(scopes)
			scopes = append(scopes, &scopeStats{scope: top})
		}
		shape := v.Shape()
		bytes := uint64(shape.Size()) * uint64(shape.DType.Size())
		stats := scopes[idx]
		stats.numVars++
		stats.numParams += shape.Size()
		stats.numBytes += bytes
		rows = append(rows, []string{v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(bytes)})
	})
	slices.SortFunc(scopes, func(a, b *scopeStats) int { return strings.Compare(a.scope, b.scope) })
	for _, stats := range scopes {
		name := context.ScopeSeparator + stats.scope
		table.Row(name+" # variables", humanize.Comma(int64(stats.numVars)))
		table.Row(name+" # parameters", humanize.Comma(int64(stats.numParams)))
		table.Row(name+" # bytes", humanize.Bytes(stats.numBytes))
	}
	fmt.Println(table.Render())

	if *listVars {
		fmt.Println(titleStyle.Render("Variables"))
		table = newPlainTable(true)
		table.Row("Scope", "Name", "Shape", "Size", "Bytes")
		slices.SortFunc(rows, func(a, b []string) int {
			if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
				return cmp
			}
			return strings.Compare(a[1], b[1])
		})
		for _, row := range rows {
			table.Row(row...)
		}
		fmt.Println(table.Render())
	}

	configPath := filepath.Join(dir, ConfigFileName)
	if exists, err := fsutil.FileExists(configPath); err != nil {
		return err
	} else if exists {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render("Configuration"))
		table = newPlainTable(false)
		keys, values := config.Keys(cfg)
		for ii, key := range keys {
			table.Row(key, values[ii])
		}
		fmt.Println(table.Render())
	}

	pointsPath := filepath.Join(dir, plots.TrainingPlotFileName)
	if exists, err := fsutil.FileExists(pointsPath); err != nil {
		return err
	} else if exists {
		points, err := plots.LoadPoints(pointsPath)
		if err != nil {
			return err
		}
		reportMetrics(points)
	}
	return nil
}

// reportMetrics prints the last and the minimum value of each metric.
func reportMetrics(points []plots.Point) {
	type summary struct {
		name              string
		lastStep, minStep float64
		last, minValue    float64
	}
	var summaries []*summary
	for _, pt := range points {
		idx := slices.IndexFunc(summaries, func(s *summary) bool { return s.name == pt.MetricName })
		if idx < 0 {
			idx = len(summaries)
			summaries = append(summaries, &summary{name: pt.MetricName, lastStep: math.Inf(-1), minValue: math.Inf(1)})
		}
		s := summaries[idx]
		if pt.Step >= s.lastStep {
			s.lastStep, s.last = pt.Step, pt.Value
		}
		if pt.Value < s.minValue {
			s.minStep, s.minValue = pt.Step, pt.Value
		}
	}
	fmt.Println(titleStyle.Render("Metrics"))
	table := newPlainTable(true)
	table.Row("Metric", "Last step", "Last", "Min step", "Min")
	for _, s := range summaries {
		table.Row(s.name, humanize.Comma(int64(s.lastStep)), progress.FormatMetric(s.last),
			humanize.Comma(int64(s.minStep)), progress.FormatMetric(s.minValue))
	}
	fmt.Println(table.Render())
}
