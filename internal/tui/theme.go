package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
)

// Theme centralizes all styling for the monitor.
type Theme struct {
	StatusOK       lipgloss.Style
	StatusDegraded lipgloss.Style
	StatusFailed   lipgloss.Style
	StatusOff      lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:       lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusOff:      lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// HealthSymbol renders a one-cell health indicator.
func (t Theme) HealthSymbol(s telemetry.HealthStatus) string {
	switch s {
	case telemetry.HealthHealthy:
		return t.StatusOK.Render("●")
	case telemetry.HealthDegraded:
		return t.StatusDegraded.Render("◑")
	case telemetry.HealthDisabled:
		return t.StatusOff.Render("○")
	default:
		return t.Dim.Render("?")
	}
}

// LevelStyle picks the style for an insight level.
func (t Theme) LevelStyle(l plugin.InsightLevel) lipgloss.Style {
	switch l {
	case plugin.InsightError:
		return t.StatusFailed
	case plugin.InsightWarning:
		return t.StatusDegraded
	case plugin.InsightSuccess:
		return t.StatusOK
	default:
		return t.Dim
	}
}
