package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/efebarandurmaz/listingsearch/internal/observability"
)

// Run starts the interactive search program, then shows the session summary if anything
// was searched. It returns the recorded session.
func Run(ctx context.Context, searcher Searcher, session *Session) (*Session, error) {
	ctx = observability.WithSessionID(ctx, session.ID)

	p := tea.NewProgram(NewSearchModel(ctx, searcher, session), tea.WithAltScreen(), tea.WithContext(ctx))
	finalModel, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("TUI error: %w", err)
	}
	final := finalModel.(SearchModel)

	if len(final.Session().Entries) == 0 {
		return final.Session(), nil
	}

	sp := tea.NewProgram(NewSummaryModel(final.Session()), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := sp.Run(); err != nil {
		return nil, fmt.Errorf("summary error: %w", err)
	}
	return final.Session(), nil
}

// SessionReport is the JSON form of a finished session.
type SessionReport struct {
	Timestamp string               `json:"timestamp"`
	SessionID string               `json:"session_id"`
	Entries   []SessionReportEntry `json:"entries"`
	Variants  []SessionReportStats `json:"variants"`
}

type SessionReportEntry struct {
	Variant       string  `json:"variant"`
	Matches       int     `json:"matches"`
	EmbeddingSecs float64 `json:"embedding_seconds"`
	QuerySecs     float64 `json:"query_seconds"`
	RequestCharge float64 `json:"request_charge"`
	Error         string  `json:"error,omitempty"`
}

type SessionReportStats struct {
	Variant          string  `json:"variant"`
	Searches         int     `json:"searches"`
	Failures         int     `json:"failures"`
	AvgEmbeddingSecs float64 `json:"avg_embedding_seconds"`
	AvgQuerySecs     float64 `json:"avg_query_seconds"`
	AvgRequestCharge float64 `json:"avg_request_charge"`
}

// SaveSessionReport writes a JSON report of the session. Query text is left out.
func SaveSessionReport(session *Session, outputPath string) error {
	report := SessionReport{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: session.ID,
		Entries:   make([]SessionReportEntry, 0, len(session.Entries)),
	}
	for _, e := range session.Entries {
		report.Entries = append(report.Entries, SessionReportEntry{
			Variant:       e.Variant.String(),
			Matches:       e.Matches,
			EmbeddingSecs: e.EmbeddingDuration.Seconds(),
			QuerySecs:     e.QueryDuration.Seconds(),
			RequestCharge: e.RequestCharge,
			Error:         e.Err,
		})
	}
	for _, st := range session.Stats() {
		report.Variants = append(report.Variants, SessionReportStats{
			Variant:          st.Variant.String(),
			Searches:         st.Searches,
			Failures:         st.Failures,
			AvgEmbeddingSecs: st.AvgEmbedding.Seconds(),
			AvgQuerySecs:     st.AvgQuery.Seconds(),
			AvgRequestCharge: st.AvgRequestCharge,
		})
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
