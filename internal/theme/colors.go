package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/internal/store"
)

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorSurface2 = lipgloss.Color("#585b70")
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorTeal     = lipgloss.Color("#94e2d5")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

var statusColors = map[store.Status]lipgloss.Color{
	store.StatusRunning:   ColorYellow,
	store.StatusCompleted: ColorGreen,
	store.StatusFailed:    ColorRed,
	store.StatusStopped:   ColorPeach,
	store.StatusAborted:   ColorOverlay0,
}

// StatusStyle colors a session status.
func StatusStyle(status store.Status) lipgloss.Style {
	c, ok := statusColors[status]
	if !ok {
		c = ColorSubtext0
	}
	return lipgloss.NewStyle().Foreground(c).Bold(status == store.StatusRunning)
}

// StatusText renders status in its color.
func StatusText(status store.Status) string {
	return StatusStyle(status).Render(string(status))
}

// PhaseBadge renders the dispatch phase as a header badge.
func PhaseBadge(phase dispatch.Phase) string {
	bg := ColorBlue
	switch phase {
	case dispatch.PhaseReady:
		bg = ColorGreen
	case dispatch.PhasePlanReview:
		bg = ColorMauve
	case dispatch.PhaseMatch, dispatch.PhaseChooseStrategy:
		bg = ColorTeal
	case dispatch.PhaseScheduleWizard:
		bg = ColorPeach
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBase).
		Background(bg).
		Padding(0, 1).
		Render(string(phase))
}
