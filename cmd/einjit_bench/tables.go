// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).Bold(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// reportTable renders rows with alternating faint lines, and failed rows in red.
type reportTable struct {
	table   *lgtable.Table
	aligns  []lipgloss.Position
	numRows int
	failed  map[int]bool
}

// newReportTable creates a table with the given column headers (none for a key/value table).
// Alignments are per column, the last one repeated for the remaining columns.
func newReportTable(headers []string, aligns ...lipgloss.Position) *reportTable {
	t := &reportTable{aligns: aligns, failed: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(t.style)
	if len(headers) > 0 {
		t.table.Headers(headers...)
	}
	return t
}

func (t *reportTable) style(row, col int) lipgloss.Style {
	if row == lgtable.HeaderRow {
		return headerStyle
	}
	s := cellStyle.Faint(row%2 == 1)
	if t.failed[row] {
		s = failedStyle
	}
	switch {
	case col < len(t.aligns):
		s = s.Align(t.aligns[col])
	case len(t.aligns) > 0:
		s = s.Align(t.aligns[len(t.aligns)-1])
	}
	return s
}

// Row appends a row.
func (t *reportTable) Row(cells ...string) {
	t.table.Row(cells...)
	t.numRows++
}

// FailedRow appends a row highlighted in red.
func (t *reportTable) FailedRow(cells ...string) {
	t.failed[t.numRows] = true
	t.Row(cells...)
}

// Render the table.
func (t *reportTable) Render() string { return t.table.Render() }
