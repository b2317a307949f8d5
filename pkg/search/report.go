// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar of one round of the search. It is a no-op if progress is not shown.
type progressBar struct {
	bar *progressbar.ProgressBar
}

func (s *searcher) newProgressBar(numCandidates int) *progressBar {
	if !s.cfg.ShowProgress {
		return &progressBar{}
	}
	description := "baseline"
	if s.round > 0 {
		description = fmt.Sprintf("round %d", s.round)
	}
	return &progressBar{bar: progressbar.NewOptions(numCandidates,
		progressbar.OptionSetDescription(fmt.Sprintf("search %-9s", description)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("kernels"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionClearOnFinish(),
	)}
}

func (p *progressBar) add(n int) {
	if p.bar != nil {
		_ = p.bar.Add(n)
	}
}

func (p *progressBar) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// Report renders the result of a search as a table.
func Report(r *Result) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Kernel", r.Kernel.ColoredShape())
	table.Row("Optimizations", fmt.Sprint(r.Kernel.AppliedOpts()))
	if tc := r.Kernel.TensorCore(); tc != nil {
		table.Row("Tensor core", tc.String())
	}
	if r.Cached {
		table.Row("Source", "cache")
		return table.String()
	}
	table.Row("Time", formatDuration(r.Time))
	table.Row("Unoptimized time", formatDuration(r.Baseline))
	if r.Time > 0 {
		table.Row("Speedup", fmt.Sprintf("%.2fx", float64(r.Baseline)/float64(r.Time)))
	}
	table.Row("Candidates", fmt.Sprintf("%s in %d rounds", humanize.Comma(int64(r.Evaluated)), r.Rounds))
	return table.String()
}

func printReport(r *Result) {
	_, _ = fmt.Fprintln(os.Stderr, Report(r))
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints duration without a long list of decimal points.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 || matches[0] != s {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
