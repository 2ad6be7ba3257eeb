package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// cellStyler returns the style for a body cell; nil means plain text.
type cellStyler func(row, col int, value string) lipgloss.Style

// renderTable lays rows out under a styled header with two-space
// gutters. Widths come from the plain cell text, so styling never
// shifts the columns.
func renderTable(headers []string, rows [][]string, style cellStyler) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	pad := func(s string, w int) string {
		if n := w - lipgloss.Width(s); n > 0 {
			return s + strings.Repeat(" ", n)
		}
		return s
	}

	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
	}
	b.WriteByte('\n')

	total := 0
	for _, w := range widths {
		total += w
	}
	total += 2 * (len(widths) - 1)
	b.WriteString(dimStyle.Render(strings.Repeat("─", total)))

	for r, row := range rows {
		b.WriteByte('\n')
		for c := range headers {
			if c > 0 {
				b.WriteString("  ")
			}
			var cell string
			if c < len(row) {
				cell = row[c]
			}
			padded := pad(cell, widths[c])
			if style != nil {
				padded = style(r, c, cell).Render(padded)
			}
			b.WriteString(padded)
		}
	}
	return b.String()
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
