package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/moltbunker/fasset/pkg/types"
)

// Brand colors
var (
	ColorAccent  = lipgloss.Color("#e62058") // Flare pink
	ColorSuccess = lipgloss.Color("#22c55e") // Green
	ColorWarning = lipgloss.Color("#eab308") // Yellow
	ColorError   = lipgloss.Color("#ef4444") // Red
	ColorInfo    = lipgloss.Color("#3b82f6") // Blue
	ColorMuted   = lipgloss.Color("#6b7280") // Gray
	ColorDim     = lipgloss.Color("#4b5563") // Darker gray
	ColorWhite   = lipgloss.Color("#f9fafb") // Off-white
)

// isTTY reports whether stdout is a terminal and plain output was not requested.
func isTTY() bool {
	if OutputFormat == "plain" || OutputFormat == "json" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Semantic text styles
var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	StyleSubheader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorMuted)

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

	StyleDim = lipgloss.NewStyle().
			Foreground(ColorDim)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Width(22)

	StyleValue = lipgloss.NewStyle().
			Foreground(ColorWhite)
)

// StyleBox frames StatusBox output
var StyleBox = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(ColorDim).
	Padding(0, 1)

// Table styles
var (
	StyleTableHeader = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorAccent).
				Padding(0, 1)

	StyleTableRow = lipgloss.NewStyle().
			Foreground(ColorWhite).
			Padding(0, 1)

	StyleTableRowAlt = lipgloss.NewStyle().
				Foreground(ColorMuted).
				Padding(0, 1)
)

func badge(bg lipgloss.Color, text string) string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(bg).
		Padding(0, 1).
		Bold(true).
		Render(text)
}

// StatusBadge renders a daemon or request status
func StatusBadge(status string) string {
	if !isTTY() {
		return status
	}
	switch status {
	case "healthy", "ok", "active", "successful":
		return badge(ColorSuccess, status)
	case "unhealthy", "defaulted", "failed", "rejected":
		return badge(ColorError, status)
	case "pending", "warning":
		return badge(ColorWarning, status)
	default:
		return badge(ColorMuted, status)
	}
}

// AgentStatusBadge colors an agent status by how close the agent is to losing collateral
func AgentStatusBadge(status types.AgentStatus) string {
	if !isTTY() {
		return string(status)
	}
	switch status {
	case types.AgentStatusNormal:
		return badge(ColorSuccess, string(status))
	case types.AgentStatusCCB:
		return badge(ColorWarning, string(status))
	case types.AgentStatusLiquidation, types.AgentStatusFullLiquidation:
		return badge(ColorError, string(status))
	default:
		return badge(ColorMuted, string(status))
	}
}

// Logo returns the styled brand text
func Logo() string {
	return StyleAccent.Render("fasset")
}
