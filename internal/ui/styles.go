package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bigbag/trackbot-flasher/internal/console"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pickerBorder  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("3")).Padding(0, 1)
	pickerTitle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	pickerOption  = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	pickerCurrent = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	statusBox     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)

	levelStyles = map[console.Level]lipgloss.Style{
		console.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		console.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		console.LevelWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		console.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// LevelStyle returns the color a log line or status of level is drawn in.
func LevelStyle(level console.Level) lipgloss.Style {
	if s, ok := levelStyles[level]; ok {
		return s
	}
	return levelStyles[console.LevelInfo]
}

// statusIcon is the indicator in front of the status text.
func statusIcon(connected bool, level console.Level) string {
	switch {
	case level == console.LevelError:
		return LevelStyle(console.LevelError).Render("●")
	case connected:
		return LevelStyle(console.LevelSuccess).Render("●")
	default:
		return helpStyle.Render("○")
	}
}
