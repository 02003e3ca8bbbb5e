package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	StyleStatusCancelled = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244")).
				Strikethrough(true)
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// StatusStyle returns the style for a task or mission status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "dispatched", "in_progress":
		return StyleStatusRunning
	case "succeeded", "complete":
		return StyleStatusComplete
	case "failed", "blocked":
		return StyleStatusFailed
	case "cancelled":
		return StyleStatusCancelled
	default:
		return StyleStatusPending
	}
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	icon := "○"
	switch status {
	case "dispatched":
		icon = "◌"
	case "running", "in_progress":
		icon = "●"
	case "succeeded", "complete":
		icon = "✓"
	case "failed":
		icon = "✗"
	case "blocked":
		icon = "⊘"
	case "cancelled":
		icon = "-"
	}
	return StatusStyle(status).Render(icon)
}
