// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/image2text/pkg/ml/decode"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	unfinishedRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				PaddingLeft(1).PaddingRight(1)
)

// newPlainTable returns a table with alternating row styles. Rows listed in highlight are shown in red.
func newPlainTable(highlight map[int]bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case highlight[row]:
				s = unfinishedRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// resultsTable lists the hypotheses of each image. Hypotheses that didn't reach the EOS are highlighted.
func resultsTable(results [][]decode.Hypothesis) string {
	unfinished := make(map[int]bool)
	var rows [][]string
	for b, hyps := range results {
		for rank, hyp := range hyps {
			if !hyp.Finished {
				unfinished[len(rows)] = true
			}
			rows = append(rows, []string{
				fmt.Sprint(b), fmt.Sprint(rank), fmt.Sprintf("%.4f", hyp.Score), fmt.Sprint(len(hyp.Tokens)), formatTokens(hyp.Tokens)})
		}
	}
	table := newPlainTable(unfinished, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left).
		Headers("Image", "Rank", "Score", "Length", "Tokens")
	for _, row := range rows {
		table.Row(row...)
	}
	return table.String()
}
