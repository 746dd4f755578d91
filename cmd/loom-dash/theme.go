package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual styling for the loom dashboard.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme for loom-dash.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// Styles holds pre-built lipgloss styles derived from a Theme.
type Styles struct {
	Title        lipgloss.Style
	SectionTitle lipgloss.Style
	Muted        lipgloss.Style
	Success      lipgloss.Style
	Warning      lipgloss.Style
	Error        lipgloss.Style
}

// NewStyles builds the style set for a theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Title:        lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		SectionTitle: lipgloss.NewStyle().Bold(true).Foreground(theme.Secondary),
		Muted:        lipgloss.NewStyle().Foreground(theme.Muted),
		Success:      lipgloss.NewStyle().Foreground(theme.Success),
		Warning:      lipgloss.NewStyle().Foreground(theme.Warning),
		Error:        lipgloss.NewStyle().Foreground(theme.Error),
	}
}
