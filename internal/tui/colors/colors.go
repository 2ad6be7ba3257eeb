package colors

import "github.com/charmbracelet/lipgloss"

// Base palette.
var (
	NeonPurple = lipgloss.Color("#bd93f9")
	NeonPink   = lipgloss.Color("#ff79c6")
	NeonCyan   = lipgloss.Color("#8be9fd")
	DarkGray   = lipgloss.Color("#282a36")
	Gray       = lipgloss.Color("#44475a") // borders, separators
	LightGray  = lipgloss.Color("#a9b1d6") // secondary text
	White      = lipgloss.Color("#f8f8f2")
)

// Work and queue states.
var (
	StateCompleted = lipgloss.Color("#50fa7b") // green
	StateFailed    = lipgloss.Color("#ff5555") // red
	StateDeferred  = lipgloss.Color("#ffb86c") // orange - waiting on a quota reset
	StatePending   = lipgloss.Color("#8be9fd") // cyan - queued or in flight
	Warning        = lipgloss.Color("#f1fa8c") // yellow - partial, no match
)
