package tui

import (
	"time"

	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/search"
)

// Entry is one finished submission of a terminal session.
type Entry struct {
	Variant           listing.Variant
	Query             string
	Matches           int
	EmbeddingDuration time.Duration
	QueryDuration     time.Duration
	RequestCharge     float64
	Err               string
	At                time.Time
}

// Session holds every submission made from one terminal.
type Session struct {
	ID        string
	Entries   []Entry
	StartedAt time.Time
}

// NewSession starts an empty session.
func NewSession(id string) *Session {
	return &Session{ID: id, StartedAt: time.Now()}
}

// Record appends a result. Failed queries are kept so the summary can count them.
func (s *Session) Record(res *search.Result) {
	e := Entry{
		Variant:           res.Variant,
		Query:             res.Query,
		Matches:           len(res.Matches),
		EmbeddingDuration: res.EmbeddingDuration,
		QueryDuration:     res.QueryDuration,
		RequestCharge:     res.RequestCharge,
		At:                time.Now(),
	}
	if res.Err != nil {
		e.Err = res.Err.Error()
	}
	s.Entries = append(s.Entries, e)
}

// VariantStats aggregates the submissions made against one variant.
type VariantStats struct {
	Variant          listing.Variant
	Label            string
	Searches         int
	Failures         int
	AvgEmbedding     time.Duration
	AvgQuery         time.Duration
	AvgRequestCharge float64
	TotalCharge      float64
}

// Stats returns one row per variant in display order, including unused variants. Averages
// cover successful queries only.
func (s *Session) Stats() []VariantStats {
	out := make([]VariantStats, 0, len(listing.Variants()))
	for _, info := range listing.Variants() {
		st := VariantStats{Variant: info.Variant, Label: info.Label}
		var emb, query time.Duration
		ok := 0
		for _, e := range s.Entries {
			if e.Variant != info.Variant {
				continue
			}
			st.Searches++
			if e.Err != "" {
				st.Failures++
				continue
			}
			ok++
			emb += e.EmbeddingDuration
			query += e.QueryDuration
			st.TotalCharge += e.RequestCharge
		}
		if ok > 0 {
			st.AvgEmbedding = emb / time.Duration(ok)
			st.AvgQuery = query / time.Duration(ok)
			st.AvgRequestCharge = st.TotalCharge / float64(ok)
		}
		out = append(out, st)
	}
	return out
}
