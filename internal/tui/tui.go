// Package tui renders the engine's human-facing terminal output: the
// end-of-run summary box and the tables behind the quota, deferred and
// history commands. Everything here is render-and-print; the batch loop
// itself reports progress through the progress bar and the log.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/chrono-downloader/chrono/internal/tui/colors"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colors.NeonPurple)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colors.NeonCyan)
	labelStyle  = lipgloss.NewStyle().Foreground(colors.LightGray)
	dimStyle    = lipgloss.NewStyle().Foreground(colors.Gray)
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(colors.Warning)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colors.NeonPink).
			Padding(0, 2)
)

// StatusStyle picks the palette colour for a work or queue status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return lipgloss.NewStyle().Foreground(colors.StateCompleted)
	case "failed":
		return lipgloss.NewStyle().Foreground(colors.StateFailed)
	case "deferred", "retrying":
		return lipgloss.NewStyle().Foreground(colors.StateDeferred)
	case "pending":
		return lipgloss.NewStyle().Foreground(colors.StatePending)
	case "partial", "no_match":
		return lipgloss.NewStyle().Foreground(colors.Warning)
	default:
		return lipgloss.NewStyle().Foreground(colors.LightGray)
	}
}
