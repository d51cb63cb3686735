package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Pane borders
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Agent and pipeline status
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Step quality bands
var (
	StyleQualityHigh = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	StyleQualityMid  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	StyleQualityLow  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("0"))
)

// QualityBadge renders a quality score colored by band: >= 0.8 high,
// >= 0.5 mid, below that low.
func QualityBadge(q float64) string {
	style := StyleQualityLow
	switch {
	case q >= 0.8:
		style = StyleQualityHigh
	case q >= 0.5:
		style = StyleQualityMid
	}
	return style.Render(fmt.Sprintf("q=%.2f", q))
}
