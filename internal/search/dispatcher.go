// Package search runs one submission end to end: embed the query text, send a top-K
// similarity query to the container of the selected variant, and report latency and cost.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/efebarandurmaz/listingsearch/internal/cosmos"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
)

// QueryText is the similarity statement sent to every container.
const QueryText = "SELECT TOP @num_results l.id, l.title, l.abstract, " +
	"VectorDistance(l.embedding, @emb) AS SimilarityScore " +
	"FROM l ORDER BY VectorDistance(l.embedding, @emb)"

// Querier runs a query against every partition of one container.
type Querier interface {
	QueryAcrossPartitions(ctx context.Context, q cosmos.Query, opts *cosmos.QueryOptions) (*cosmos.QueryResponse, error)
	ID() string
	Database() string
}

// DispatchOptions tunes a Dispatcher.
type DispatchOptions struct {
	// Limit is the number of matches returned (default 10).
	Limit int
	// Distance is the function declared on the embedding field (default cosine).
	Distance listing.DistanceFunction
	// Timeout bounds one query including every page of every range; zero disables it.
	Timeout time.Duration
	// MaxConcurrency bounds the partition ranges queried at once.
	MaxConcurrency int
}

// Outcome is what one dispatched query produced.
type Outcome struct {
	Container     string
	Matches       []listing.Match
	Duration      time.Duration
	RequestCharge float64
}

// Dispatcher maps each variant to its container through a fixed table.
type Dispatcher struct {
	containers map[listing.Variant]Querier
	opts       DispatchOptions
}

// NewDispatcher requires a container for every known variant.
func NewDispatcher(containers map[listing.Variant]Querier, opts DispatchOptions) (*Dispatcher, error) {
	table := make(map[listing.Variant]Querier, len(containers))
	for _, info := range listing.Variants() {
		q, ok := containers[info.Variant]
		if !ok || q == nil {
			return nil, fmt.Errorf("no container configured for %s", info.Label)
		}
		table[info.Variant] = q
	}
	for v := range containers {
		if !v.Valid() {
			return nil, fmt.Errorf("%w: %q", listing.ErrUnknownVariant, v)
		}
	}

	if opts.Limit <= 0 {
		opts.Limit = listing.DefaultLimit
	}
	if opts.Distance == "" {
		opts.Distance = listing.DistanceCosine
	}
	return &Dispatcher{containers: table, opts: opts}, nil
}

// Dispatch queries the container of v with vector and returns at most Limit matches in
// non-decreasing distance order.
func (d *Dispatcher) Dispatch(ctx context.Context, v listing.Variant, vector []float32) (*Outcome, error) {
	q, ok := d.containers[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", listing.ErrUnknownVariant, v)
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	ctx, span := observability.StartQuerySpan(ctx, q.Database(), q.ID(), d.opts.Limit)
	defer span.End()

	query := cosmos.Query{
		Text: QueryText,
		Parameters: []cosmos.QueryParameter{
			{Name: "@num_results", Value: d.opts.Limit},
			{Name: "@emb", Value: vector},
		},
	}

	start := time.Now()
	resp, err := q.QueryAcrossPartitions(ctx, query, &cosmos.QueryOptions{
		MaxItemsPerRange: d.opts.Limit,
		MaxConcurrency:   d.opts.MaxConcurrency,
	})
	elapsed := time.Since(start)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("querying %s: %w", q.ID(), err)
	}

	matches, err := d.merge(resp.Items())
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.RecordQueryResult(span, len(resp.Ranges), len(matches), resp.RequestCharge, elapsed)

	return &Outcome{
		Container:     q.ID(),
		Matches:       matches,
		Duration:      elapsed,
		RequestCharge: resp.RequestCharge,
	}, nil
}

// merge decodes the per-range items, orders them globally and keeps the first Limit.
func (d *Dispatcher) merge(items []json.RawMessage) ([]listing.Match, error) {
	matches := make([]listing.Match, 0, len(items))
	for _, raw := range items {
		var m listing.Match
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decoding listing: %w", err)
		}
		m.Distance = d.opts.Distance.Distance(m.SimilarityScore)
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > d.opts.Limit {
		matches = matches[:d.opts.Limit]
	}
	return matches, nil
}
