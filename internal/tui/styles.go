package tui

import "github.com/charmbracelet/lipgloss"

// Color constants matching the dark dashboard theme
const (
	ColorBg     = "#0d1117"
	ColorCard   = "#161b22"
	ColorBorder = "#30363d"
	ColorBlue   = "#58a6ff"
	ColorGreen  = "#3fb950"
	ColorRed    = "#f85149"
	ColorYellow = "#d29922"
	ColorGray   = "#8b949e"
	ColorText   = "#c9d1d9"
	ColorBright = "#f0f6fc"
)

// Styles holds all lipgloss styles for the TUI
type Styles struct {
	// Text styles
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Help     lipgloss.Style
	Empty    lipgloss.Style
	Error    lipgloss.Style
	Metric   lipgloss.Style

	// Results table
	Header lipgloss.Style
	Cell   lipgloss.Style
	Border lipgloss.Style

	// Variant tabs
	Tab       lipgloss.Style
	ActiveTab lipgloss.Style

	Input   lipgloss.Style
	Spinner lipgloss.Style
}

// DefaultStyles creates the default style set
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorBright)).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorText)).
			MarginBottom(1),

		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorGray)).
			Italic(true),

		Empty: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorGray)).
			MarginTop(1),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorRed)).
			Bold(true).
			MarginTop(1),

		Metric: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorText)),

		Header: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorBlue)).
			Bold(true).
			Padding(0, 1),

		Cell: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorText)).
			Padding(0, 1),

		Border: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorBorder)),

		Tab: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorGray)).
			Padding(0, 2),

		ActiveTab: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorBlue)).
			Bold(true).
			Padding(0, 2).
			BorderStyle(lipgloss.Border{Bottom: "─"}).
			BorderBottom(true).
			BorderForeground(lipgloss.Color(ColorBlue)),

		Input: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorBorder)).
			Padding(0, 1).
			MarginTop(1),

		Spinner: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorBlue)),
	}
}

// ScoreColor colors a similarity score: green for >=0.8, yellow for >=0.5, red below.
func ScoreColor(score float64) lipgloss.Style {
	style := lipgloss.NewStyle().Padding(0, 1)

	switch {
	case score >= 0.8:
		return style.Foreground(lipgloss.Color(ColorGreen))
	case score >= 0.5:
		return style.Foreground(lipgloss.Color(ColorYellow))
	default:
		return style.Foreground(lipgloss.Color(ColorRed))
	}
}
