package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efebarandurmaz/listingsearch/internal/cosmos"
	"github.com/efebarandurmaz/listingsearch/internal/embedding"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
	"github.com/efebarandurmaz/listingsearch/internal/provision"
)

const exampleQuery = "House with a beach view, pet-friendly, near downtown"

type fakeQuerier struct {
	id     string
	ranges [][]listing.Match
	charge float64
	err    error

	mu      sync.Mutex
	queries []cosmos.Query
	opts    []cosmos.QueryOptions
}

func (f *fakeQuerier) ID() string       { return f.id }
func (f *fakeQuerier) Database() string { return listing.DatabaseName }

func (f *fakeQuerier) QueryAcrossPartitions(ctx context.Context, q cosmos.Query, opts *cosmos.QueryOptions) (*cosmos.QueryResponse, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.opts = append(f.opts, *opts)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	resp := &cosmos.QueryResponse{}
	for i, matches := range f.ranges {
		rr := cosmos.RangeResult{RangeID: fmt.Sprint(i), RequestCharge: f.charge / float64(len(f.ranges))}
		for _, m := range matches {
			raw, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			rr.Items = append(rr.Items, raw)
		}
		resp.Ranges = append(resp.Ranges, rr)
		resp.RequestCharge += rr.RequestCharge
	}
	return resp, nil
}

func (f *fakeQuerier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// population spreads n listings over two ranges, each range already ordered by score.
func population(n int) [][]listing.Match {
	ranges := make([][]listing.Match, 2)
	for i := 0; i < n; i++ {
		m := listing.Match{
			ID:              fmt.Sprintf("listing-%02d", i),
			Title:           fmt.Sprintf("Listing %d", i),
			Abstract:        "Sunny flat",
			SimilarityScore: 0.95 - float64(i)*0.01,
		}
		ranges[i%2] = append(ranges[i%2], m)
	}
	return ranges
}

type fixture struct {
	queriers map[listing.Variant]*fakeQuerier
	embeds   int
	embedErr error
	service  *Service
	metrics  *observability.SearchMetrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{queriers: map[listing.Variant]*fakeQuerier{}}
	table := map[listing.Variant]Querier{}
	for _, info := range listing.Variants() {
		q := &fakeQuerier{id: info.Container, ranges: population(16), charge: 6}
		f.queriers[info.Variant] = q
		table[info.Variant] = q
	}

	d, err := NewDispatcher(table, DispatchOptions{})
	require.NoError(t, err)

	emb := embedding.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		f.embeds++
		if f.embedErr != nil {
			return nil, f.embedErr
		}
		return make([]float32, listing.Dimensions), nil
	})

	f.metrics = observability.NewSearchMetrics()
	opts = append([]Option{
		WithMetrics(f.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f.service = NewService(emb, d, opts...)
	return f
}

func ids(matches []listing.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.ID
	}
	return out
}

func TestSearch_ExampleQueryAgainstNoIndex(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: listing.VariantNone})
	require.NoError(t, err)

	assert.Equal(t, 1, f.embeds)
	assert.Equal(t, 1, f.queriers[listing.VariantNone].calls())
	assert.Equal(t, 0, f.queriers[listing.VariantQuantizedFlat].calls())
	assert.Equal(t, 0, f.queriers[listing.VariantDiskANN].calls())

	assert.Equal(t, "search", res.Container)
	assert.LessOrEqual(t, len(res.Matches), 10)
	assert.Equal(t, "Found 10 listings.", res.Summary())
	assert.GreaterOrEqual(t, res.EmbeddingDuration.Seconds(), 0.0)
	assert.GreaterOrEqual(t, res.QueryDuration.Seconds(), 0.0)
	assert.InDelta(t, 6.0, res.RequestCharge, 1e-9)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.ErrorMessage())
}

func TestSearch_QueryParameters(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: listing.VariantDiskANN})
	require.NoError(t, err)

	q := f.queriers[listing.VariantDiskANN]
	require.Len(t, q.queries, 1)
	assert.Equal(t, QueryText, q.queries[0].Text)
	require.Len(t, q.queries[0].Parameters, 2)
	assert.Equal(t, "@num_results", q.queries[0].Parameters[0].Name)
	assert.Equal(t, 10, q.queries[0].Parameters[0].Value)
	assert.Equal(t, "@emb", q.queries[0].Parameters[1].Name)
	assert.Len(t, q.queries[0].Parameters[1].Value, listing.Dimensions)
	assert.Equal(t, 10, q.opts[0].MaxItemsPerRange)
}

func TestSearch_MergedResultsAreSortedAndBounded(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.Search(context.Background(), Request{Text: "loft", Variant: listing.VariantQuantizedFlat})
	require.NoError(t, err)

	require.Len(t, res.Matches, 10)
	assert.True(t, sort.SliceIsSorted(res.Matches, func(i, j int) bool {
		return res.Matches[i].Distance < res.Matches[j].Distance
	}))
	// Both ranges contribute to the global top 10.
	assert.Equal(t, "listing-00", res.Matches[0].ID)
	assert.Equal(t, "listing-01", res.Matches[1].ID)
	assert.Equal(t, "listing-09", res.Matches[9].ID)
	assert.InDelta(t, 0.05, res.Matches[0].Distance, 1e-9)
}

func TestSearch_SamePopulationAcrossVariants(t *testing.T) {
	f := newFixture(t)

	var first []string
	for _, info := range listing.Variants() {
		res, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: info.Variant})
		require.NoError(t, err)
		if first == nil {
			first = ids(res.Matches)
			continue
		}
		assert.ElementsMatch(t, first, ids(res.Matches), "variant %s", info.Variant)
	}
}

func TestSearch_EmptyQueryDispatchesNothing(t *testing.T) {
	f := newFixture(t)

	for _, text := range []string{"", "   ", "\t\n"} {
		_, err := f.service.Search(context.Background(), Request{Text: text, Variant: listing.VariantNone})
		assert.ErrorIs(t, err, ErrEmptyQuery)
	}
	assert.Zero(t, f.embeds)
	for _, q := range f.queriers {
		assert.Zero(t, q.calls())
	}
}

func TestSearch_UnknownVariant(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: "hnsw"})
	assert.ErrorIs(t, err, listing.ErrUnknownVariant)
	assert.Zero(t, f.embeds)
}

func TestSearch_SwitchingVariantIssuesNewQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Search(ctx, Request{Text: exampleQuery, Variant: listing.VariantNone})
	require.NoError(t, err)
	second, err := f.service.Search(ctx, Request{Text: exampleQuery, Variant: listing.VariantDiskANN})
	require.NoError(t, err)

	assert.Equal(t, "search", first.Container)
	assert.Equal(t, "search_diskann", second.Container)
	assert.Equal(t, 2, f.embeds)
	assert.Equal(t, 1, f.queriers[listing.VariantNone].calls())
	assert.Equal(t, 1, f.queriers[listing.VariantDiskANN].calls())
}

func TestSearch_QueryFailureIsCaught(t *testing.T) {
	f := newFixture(t)
	f.queriers[listing.VariantQuantizedFlat].err = errors.New("Request rate is large")

	res, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: listing.VariantQuantizedFlat})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.ErrorMessage(), "An error occurred: ")
	assert.Contains(t, res.ErrorMessage(), "Request rate is large")
	assert.Empty(t, res.Matches)
	assert.Equal(t, "search_qflat", res.Container)

	errs := f.metrics.Registry.NewCounter("listingsearch_query_errors_total", "", map[string]string{"variant": "quantized-flat"})
	assert.Equal(t, 1.0, errs.Value())
}

func TestSearch_EmbeddingFailurePropagates(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("401 Unauthorized")
	f.embedErr = boom

	res, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: listing.VariantNone})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.queriers[listing.VariantNone].calls())
	assert.Equal(t, 1.0, f.metrics.EmbeddingErrorsTotal.Value())
}

func TestSearch_WritesAuditTrail(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, WithAudit(observability.NewAuditWriter(&buf)))
	f.queriers[listing.VariantDiskANN].err = errors.New("Request rate is large")
	ctx := observability.WithSessionID(context.Background(), "sess-7")

	_, err := f.service.Search(ctx, Request{Text: exampleQuery, Variant: listing.VariantNone})
	require.NoError(t, err)
	_, err = f.service.Search(ctx, Request{Text: exampleQuery, Variant: listing.VariantDiskANN})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var ok, failed observability.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))
	assert.Equal(t, observability.AuditEventSearchComplete, ok.EventType)
	assert.Equal(t, "sess-7", ok.SessionID)
	assert.Equal(t, 10, ok.Matches)
	assert.Equal(t, observability.AuditEventQueryError, failed.EventType)
	assert.Equal(t, "search_diskann", failed.Container)
	assert.NotContains(t, buf.String(), exampleQuery)
}

type fakeEnsurer struct {
	calls int
	err   error
}

func (e *fakeEnsurer) Ensure(ctx context.Context) (*provision.Report, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return &provision.Report{}, nil
}

func TestSearch_EnsuresProvisioning(t *testing.T) {
	ens := &fakeEnsurer{}
	f := newFixture(t, WithEnsurer(ens))

	_, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: listing.VariantNone})
	require.NoError(t, err)
	assert.Equal(t, 1, ens.calls)
}

func TestSearch_ProvisioningFailureStopsSearch(t *testing.T) {
	ens := &fakeEnsurer{err: errors.New("forbidden")}
	f := newFixture(t, WithEnsurer(ens))

	_, err := f.service.Search(context.Background(), Request{Text: exampleQuery, Variant: listing.VariantNone})
	require.Error(t, err)
	assert.Zero(t, f.embeds)
}

func TestNewDispatcher_RequiresEveryVariant(t *testing.T) {
	_, err := NewDispatcher(map[listing.Variant]Querier{
		listing.VariantNone: &fakeQuerier{id: "search"},
	}, DispatchOptions{})
	assert.Error(t, err)

	table := map[listing.Variant]Querier{"hnsw": &fakeQuerier{}}
	for _, info := range listing.Variants() {
		table[info.Variant] = &fakeQuerier{id: info.Container}
	}
	_, err = NewDispatcher(table, DispatchOptions{})
	assert.ErrorIs(t, err, listing.ErrUnknownVariant)
}

func TestDispatcher_MergeDotProduct(t *testing.T) {
	table := map[listing.Variant]Querier{}
	for _, info := range listing.Variants() {
		table[info.Variant] = &fakeQuerier{id: info.Container, ranges: [][]listing.Match{
			{{ID: "a", SimilarityScore: 3}, {ID: "b", SimilarityScore: 1}},
			{{ID: "c", SimilarityScore: 2}},
		}}
	}
	d, err := NewDispatcher(table, DispatchOptions{Limit: 2, Distance: listing.DistanceDotProduct})
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), listing.VariantNone, []float32{1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(out.Matches))
}

func TestDispatcher_BadDocument(t *testing.T) {
	bad := &badQuerier{fakeQuerier{id: "search"}}
	table := map[listing.Variant]Querier{
		listing.VariantNone:          bad,
		listing.VariantQuantizedFlat: &fakeQuerier{id: "search_qflat"},
		listing.VariantDiskANN:       &fakeQuerier{id: "search_diskann"},
	}
	d, err := NewDispatcher(table, DispatchOptions{})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), listing.VariantNone, []float32{1})
	assert.Error(t, err)
}

type badQuerier struct{ fakeQuerier }

func (b *badQuerier) QueryAcrossPartitions(ctx context.Context, q cosmos.Query, opts *cosmos.QueryOptions) (*cosmos.QueryResponse, error) {
	return &cosmos.QueryResponse{Ranges: []cosmos.RangeResult{{Items: []json.RawMessage{json.RawMessage(`{"id": 7}`)}}}}, nil
}

func TestReadoutFormatting(t *testing.T) {
	assert.Equal(t, "0.1235 seconds", FormatSeconds(123456789*time.Nanosecond))
	assert.Equal(t, "0.0000 seconds", FormatSeconds(0))
	assert.Equal(t, "12.5", FormatCharge(12.5))
	assert.Equal(t, "3", FormatCharge(3))

	r := &Result{Matches: make([]listing.Match, 4)}
	assert.Equal(t, "Found 4 listings.", r.Summary())
	assert.Empty(t, r.ErrorMessage())
}
