package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/efebarandurmaz/listingsearch/internal/search"
)

// SummaryModel compares the variants searched during a session.
type SummaryModel struct {
	session  *Session
	styles   *Styles
	width    int
	height   int
	quitting bool
}

// NewSummaryModel creates a new summary screen
func NewSummaryModel(session *Session) SummaryModel {
	return SummaryModel{
		session: session,
		styles:  DefaultStyles(),
	}
}

// Init implements tea.Model
func (m SummaryModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m SummaryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "enter", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model
func (m SummaryModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Session Summary"))
	b.WriteString("\n")
	b.WriteString(m.styles.Subtitle.Render(fmt.Sprintf("%d searches", len(m.session.Entries))))
	b.WriteString("\n")

	for _, st := range m.session.Stats() {
		b.WriteString(m.renderVariant(st))
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Help.Render("Press enter to exit"))
	return b.String()
}

func (m SummaryModel) renderVariant(st VariantStats) string {
	var b strings.Builder
	b.WriteString(m.styles.Header.Render(st.Label))
	b.WriteString("\n")

	if st.Searches == 0 {
		b.WriteString(m.styles.Empty.UnsetMarginTop().Render("  not searched"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  Searches:                 %d\n", st.Searches))
	if st.Failures > 0 {
		failed := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)).Bold(true)
		b.WriteString(fmt.Sprintf("  Failed queries:           %s\n", failed.Render(fmt.Sprintf("%d", st.Failures))))
	}
	if st.Searches > st.Failures {
		b.WriteString(fmt.Sprintf("  Avg embedding time:       %s\n", search.FormatSeconds(st.AvgEmbedding)))
		b.WriteString(fmt.Sprintf("  Avg query time:           %s\n", search.FormatSeconds(st.AvgQuery)))
		b.WriteString(fmt.Sprintf("  Avg RU consumed:          %.2f\n", st.AvgRequestCharge))
	}
	return b.String()
}
