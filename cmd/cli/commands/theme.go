package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Brand colors
var (
	ColorAccent  = lipgloss.Color("#6366f1") // Indigo accent
	ColorSuccess = lipgloss.Color("#22c55e") // Green
	ColorWarning = lipgloss.Color("#eab308") // Yellow
	ColorError   = lipgloss.Color("#ef4444") // Red
	ColorInfo    = lipgloss.Color("#3b82f6") // Blue
	ColorMuted   = lipgloss.Color("#6b7280") // Gray
	ColorDim     = lipgloss.Color("#4b5563") // Darker gray
	ColorWhite   = lipgloss.Color("#f9fafb") // Off-white
)

// isTTY reports whether stdout is a terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Semantic text styles
var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	StyleAccent = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleSuccess = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	StyleWarning = lipgloss.NewStyle().
			Foreground(ColorWarning)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorError)

	StyleInfo = lipgloss.NewStyle().
			Foreground(ColorInfo)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorMuted)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Width(16)

	StyleValue = lipgloss.NewStyle().
			Foreground(ColorWhite)
)

// Box styles
var (
	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDim).
			Padding(0, 1)
)

// StatusBadge renders a protocol lifecycle state as a colored badge.
func StatusBadge(status string) string {
	switch status {
	case "active", "finalized", "released", "ok", "resolved_no_fault":
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(ColorSuccess).
			Padding(0, 1).
			Bold(true).
			Render(status)
	case "banned", "slashed", "resolved_fault":
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(ColorError).
			Padding(0, 1).
			Bold(true).
			Render(status)
	case "pending", "disputed", "jailed", "open", "evidence", "escalated":
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(ColorWarning).
			Padding(0, 1).
			Bold(true).
			Render(status)
	default:
		return lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(ColorMuted).
			Padding(0, 1).
			Render(status)
	}
}

// Logo returns the styled brand text.
func Logo() string {
	return StyleAccent.Render("solverbond")
}
