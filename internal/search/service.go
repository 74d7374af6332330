package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/efebarandurmaz/listingsearch/internal/embedding"
	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
	"github.com/efebarandurmaz/listingsearch/internal/provision"
)

// ErrEmptyQuery is returned without any outbound call when the query text is blank.
var ErrEmptyQuery = errors.New("search: empty query")

// Request is one submission.
type Request struct {
	Text    string
	Variant listing.Variant
}

// Result is what a submission renders. A failed similarity query is carried in Err
// rather than returned, so the caller can show it inline.
type Result struct {
	Variant           listing.Variant
	Container         string
	Query             string
	Matches           []listing.Match
	EmbeddingDuration time.Duration
	QueryDuration     time.Duration
	// RequestCharge is the aggregate RU cost: the sum over every page of every partition
	// range the query touched, not the charge of the last response alone.
	RequestCharge float64
	Err           error
}

// Summary is the result count line.
func (r *Result) Summary() string {
	return fmt.Sprintf("Found %d listings.", len(r.Matches))
}

// FormatSeconds renders a duration the way the readout shows it, e.g. "0.1234 seconds".
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.4f seconds", d.Seconds())
}

// FormatCharge renders request units without trailing zeros.
func FormatCharge(charge float64) string {
	return strconv.FormatFloat(charge, 'f', -1, 64)
}

// ErrorMessage is the inline message for a failed query, or "".
func (r *Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return "An error occurred: " + r.Err.Error()
}

// Ensurer provisions storage before the first query.
type Ensurer interface {
	Ensure(ctx context.Context) (*provision.Report, error)
}

// Option configures a Service.
type Option func(*Service)

// WithEnsurer runs e before every search; e is expected to cache its own success.
func WithEnsurer(e Ensurer) Option {
	return func(s *Service) { s.ensurer = e }
}

// WithMetrics records embedding and query metrics on m.
func WithMetrics(m *observability.SearchMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit appends one audit line per submission to a.
func WithAudit(a *observability.AuditLogger) Option {
	return func(s *Service) { s.audit = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service runs submissions sequentially: embedding first, then the similarity query.
type Service struct {
	embedder   embedding.Embedder
	dispatcher *Dispatcher
	ensurer    Ensurer
	metrics    *observability.SearchMetrics
	audit      *observability.AuditLogger
	logger     *slog.Logger
}

// NewService wires an embedder to a dispatcher.
func NewService(e embedding.Embedder, d *Dispatcher, opts ...Option) *Service {
	s := &Service{embedder: e, dispatcher: d}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Search embeds req.Text and queries the container of req.Variant.
//
// Blank text returns ErrEmptyQuery and an unknown variant ErrUnknownVariant, both without
// any outbound call. Provisioning and embedding failures are returned as errors. A failed
// similarity query is not an error: it comes back as Result.Err.
func (s *Service) Search(ctx context.Context, req Request) (*Result, error) {
	if !req.Variant.Valid() {
		return nil, fmt.Errorf("%w: %q", listing.ErrUnknownVariant, req.Variant)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}

	ctx, span := observability.StartSearchSpan(ctx, req.Variant.String())
	defer span.End()

	if s.ensurer != nil {
		if _, err := s.ensurer.Ensure(ctx); err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("preparing containers: %w", err)
		}
	}

	emb, err := embedding.Generate(ctx, s.embedder, text)
	if s.metrics != nil {
		s.metrics.RecordEmbedding(emb.Duration, err)
	}
	if err != nil {
		observability.RecordError(span, err)
		s.logger.Error("Embedding failed", "variant", req.Variant, "error", err)
		s.audit.LogEmbeddingError(ctx, req.Variant.String(), err)
		return nil, fmt.Errorf("generating embedding: %w", err)
	}

	result := &Result{
		Variant:           req.Variant,
		Container:         req.Variant.Container(),
		Query:             text,
		EmbeddingDuration: emb.Duration,
	}

	out, err := s.dispatcher.Dispatch(ctx, req.Variant, emb.Vector)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordQuery(req.Variant.String(), 0, 0, err)
		}
		observability.RecordError(span, err)
		s.logger.Warn("Similarity query failed", "variant", req.Variant, "container", result.Container, "error", err)
		s.audit.LogSearch(ctx, req.Variant.String(), result.Container, 0, emb.Duration, 0, 0, err)
		result.Err = err
		return result, nil
	}

	result.Container = out.Container
	result.Matches = out.Matches
	result.QueryDuration = out.Duration
	result.RequestCharge = out.RequestCharge
	if s.metrics != nil {
		s.metrics.RecordQuery(req.Variant.String(), out.Duration, out.RequestCharge, nil)
	}
	observability.RecordSearchResult(span, len(out.Matches), emb.Duration, out.Duration, out.RequestCharge)
	s.audit.LogSearch(ctx, req.Variant.String(), out.Container, len(out.Matches), emb.Duration, out.Duration, out.RequestCharge, nil)

	s.logger.Info("Search completed",
		"variant", req.Variant,
		"container", out.Container,
		"matches", len(out.Matches),
		"embedding_ms", emb.Duration.Milliseconds(),
		"query_ms", out.Duration.Milliseconds(),
		"request_charge", out.RequestCharge,
	)
	return result, nil
}
