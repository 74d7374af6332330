package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/search"
)

const (
	title       = "Cosmos DB DiskANN vs QFLAT Index"
	helperText  = "This app uses cosine similarity to semantically match your query with records and find matching properties."
	emptyState  = "Select an index, and enter a search term to get started."
	placeholder = "House with a beach view, pet-friendly, near downtown"
)

// Searcher runs one submission.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// searchDoneMsg carries the outcome of a submission back into Update.
type searchDoneMsg struct {
	result *search.Result
	err    error
}

type keyMap struct {
	NextVariant key.Binding
	PrevVariant key.Binding
	Submit      key.Binding
	Quit        key.Binding
}

func (km keyMap) ShortHelp() []key.Binding {
	return []key.Binding{km.NextVariant, km.Submit, km.Quit}
}

func (km keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{km.NextVariant, km.PrevVariant},
		{km.Submit, km.Quit},
	}
}

func newKeyMap() keyMap {
	return keyMap{
		NextVariant: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "next index"),
		),
		PrevVariant: key.NewBinding(
			key.WithKeys("shift+tab"),
			key.WithHelp("shift+tab", "prev index"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "search for listings"),
		),
		Quit: key.NewBinding(
			key.WithKeys("esc", "ctrl+c"),
			key.WithHelp("esc", "quit"),
		),
	}
}

// SearchModel is the interactive search screen.
type SearchModel struct {
	ctx      context.Context
	searcher Searcher
	session  *Session
	styles   *Styles
	variants []listing.VariantInfo
	cursor   int // selected variant
	input    textinput.Model
	spinner  spinner.Model
	loading  bool
	result   *search.Result
	errLine  string
	width    int
	height   int
	quitting bool
	help     help.Model
	keys     keyMap
}

// NewSearchModel creates the search screen. Submissions run with ctx and are recorded on
// session.
func NewSearchModel(ctx context.Context, searcher Searcher, session *Session) SearchModel {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Prompt = "What are you looking for? "
	ti.Width = 60
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = DefaultStyles().Spinner

	return SearchModel{
		ctx:      ctx,
		searcher: searcher,
		session:  session,
		styles:   DefaultStyles(),
		variants: listing.Variants(),
		input:    ti,
		spinner:  sp,
		width:    100,
		height:   30,
		help:     help.New(),
		keys:     newKeyMap(),
	}
}

// Variant returns the selected variant.
func (m SearchModel) Variant() listing.Variant {
	return m.variants[m.cursor].Variant
}

// Session returns the submissions recorded so far.
func (m SearchModel) Session() *Session {
	return m.session
}

func (m SearchModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m SearchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case searchDoneMsg:
		m.loading = false
		if msg.err != nil {
			m.errLine = "Search failed: " + msg.err.Error()
			return m, nil
		}
		m.result = msg.result
		m.errLine = msg.result.ErrorMessage()
		m.session.Record(msg.result)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.NextVariant):
			if !m.loading {
				m.cursor = (m.cursor + 1) % len(m.variants)
			}
			return m, nil

		case key.Matches(msg, m.keys.PrevVariant):
			if !m.loading {
				m.cursor = (m.cursor + len(m.variants) - 1) % len(m.variants)
			}
			return m, nil

		case key.Matches(msg, m.keys.Submit):
			text := strings.TrimSpace(m.input.Value())
			if m.loading || text == "" {
				return m, nil
			}
			m.loading = true
			m.errLine = ""
			return m, tea.Batch(m.spinner.Tick, m.runSearch(search.Request{Text: text, Variant: m.Variant()}))
		}
	}

	if m.loading {
		return m, nil
	}
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m SearchModel) runSearch(req search.Request) tea.Cmd {
	ctx, searcher := m.ctx, m.searcher
	return func() tea.Msg {
		res, err := searcher.Search(ctx, req)
		return searchDoneMsg{result: res, err: err}
	}
}

func (m SearchModel) View() string {
	if m.quitting {
		return ""
	}

	sections := []string{
		m.styles.Title.Render(title),
		m.styles.Help.Render(helperText),
		m.renderTabs(),
		m.styles.Input.Render(m.input.View()),
	}

	switch {
	case m.loading:
		sections = append(sections, fmt.Sprintf("\n%s Searching %s...", m.spinner.View(), m.variants[m.cursor].Label))
	case m.result != nil && m.result.Err == nil:
		sections = append(sections, m.renderReadout(), m.renderTable())
	case m.result == nil && m.errLine == "":
		sections = append(sections, m.styles.Empty.Render(emptyState))
	}

	if m.errLine != "" {
		sections = append(sections, m.styles.Error.Render(m.errLine))
	}

	sections = append(sections, "", m.styles.Help.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m SearchModel) renderTabs() string {
	tabs := make([]string, 0, len(m.variants))
	for i, info := range m.variants {
		if i == m.cursor {
			tabs = append(tabs, m.styles.ActiveTab.Render(info.Label))
		} else {
			tabs = append(tabs, m.styles.Tab.Render(info.Label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m SearchModel) renderReadout() string {
	r := m.result
	lines := []string{
		"",
		r.Summary(),
		"Embedding generation time: " + search.FormatSeconds(r.EmbeddingDuration),
		"Query time: " + search.FormatSeconds(r.QueryDuration),
		"RU consumed: " + search.FormatCharge(r.RequestCharge),
	}
	return m.styles.Metric.Render(strings.Join(lines, "\n"))
}

func (m SearchModel) renderTable() string {
	abstractWidth := m.width - 70
	if abstractWidth < 20 {
		abstractWidth = 20
	}

	rows := make([][]string, 0, len(m.result.Matches))
	for _, match := range m.result.Matches {
		rows = append(rows, []string{
			match.ID,
			truncate(match.Title, 30),
			truncate(match.Abstract, abstractWidth),
			fmt.Sprintf("%.6f", match.SimilarityScore),
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(m.styles.Border).
		Headers("id", "title", "abstract", "SimilarityScore").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return m.styles.Header
			}
			if col == 3 && row >= 0 && row < len(m.result.Matches) {
				return ScoreColor(m.result.Matches[row].SimilarityScore)
			}
			return m.styles.Cell
		}).
		Render()
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width < 4 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}
