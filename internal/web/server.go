// Package web serves the listing search page: one form per browser session, rendered
// server-side.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/observability"
	"github.com/efebarandurmaz/listingsearch/internal/search"
	"github.com/efebarandurmaz/listingsearch/internal/server"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	sessionCookie = "listingsearch_session"

	pageTitle   = "Cosmos DB DiskANN vs QFLAT Index"
	placeholder = "House with a beach view, pet-friendly, near downtown"
)

// Searcher runs one submission.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Result, error)
}

// Config holds web server configuration.
type Config struct {
	ListenAddr  string // e.g. ":8501"
	MaxSessions int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{ListenAddr: ":8501", MaxSessions: defaultMaxSessions}
}

// Option configures a Server.
type Option func(*Server)

// WithHealth mounts the health endpoints of h.
func WithHealth(h *server.HealthServer) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics serves m at /metrics and tracks live sessions on it.
func WithMetrics(m *observability.SearchMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the listing search HTTP server.
type Server struct {
	config     *Config
	searcher   Searcher
	sessions   *SessionStore
	health     *server.HealthServer
	metrics    *observability.SearchMetrics
	logger     *slog.Logger
	templates  *template.Template
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates the web server. It fails only if the embedded templates do not parse.
func NewServer(config *Config, searcher Searcher, opts ...Option) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{config: config, searcher: searcher}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	tmpl, err := template.New("web").Funcs(template.FuncMap{
		"score": func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	s.templates = tmpl

	var gauge *observability.Gauge
	if s.metrics != nil {
		gauge = s.metrics.ActiveSessions
	}
	s.sessions = NewSessionStore(config.MaxSessions, gauge)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("GET /api/variants", s.handleVariants)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.handler = Chain(mux,
		Recover(s.logger),
		OTel("listingsearch.web"),
		Logger(s.logger),
	)

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Sessions exposes the session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting web server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping web server")
	return s.httpServer.Shutdown(ctx)
}

type variantOption struct {
	Value    string
	Label    string
	Selected bool
}

type resultView struct {
	Summary       string
	EmbeddingTime string
	QueryTime     string
	RequestCharge string
	Matches       []listing.Match
	Error         string
}

type pageData struct {
	Title       string
	Placeholder string
	Variants    []variantOption
	Query       string
	Result      *resultView
}

func newPageData(sess Session) pageData {
	data := pageData{
		Title:       pageTitle,
		Placeholder: placeholder,
		Query:       sess.Query,
	}
	for _, info := range listing.Variants() {
		data.Variants = append(data.Variants, variantOption{
			Value:    info.Variant.String(),
			Label:    info.Label,
			Selected: info.Variant == sess.Variant,
		})
	}
	if r := sess.Result; r != nil {
		data.Result = &resultView{
			Summary:       r.Summary(),
			EmbeddingTime: search.FormatSeconds(r.EmbeddingDuration),
			QueryTime:     search.FormatSeconds(r.QueryDuration),
			RequestCharge: search.FormatCharge(r.RequestCharge),
			Matches:       r.Matches,
			Error:         r.ErrorMessage(),
		}
	}
	return data
}

// session returns the caller's session, starting a new one when the cookie is missing or
// its session was evicted.
func (s *Server) session(w http.ResponseWriter, r *http.Request) Session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := s.sessions.Get(c.Value); ok {
			return sess
		}
	}
	sess := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	s.render(w, http.StatusOK, "index", newPageData(sess))
}

// handleSearch handles POST /search. Only a failed embedding leaves the session untouched.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	variant, err := listing.ParseVariant(r.PostFormValue("variant"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(r.PostFormValue("query"))
	sess := s.session(w, r)

	if text == "" {
		s.sessions.Update(sess.ID, func(ss *Session) { ss.Variant = variant })
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	ctx := observability.WithSessionID(r.Context(), sess.ID)
	result, err := s.searcher.Search(ctx, search.Request{Text: text, Variant: variant})
	if err != nil {
		s.logger.Error("Search failed", "session", sess.ID, "variant", variant, "error", err)
		s.render(w, http.StatusBadGateway, "error", pageData{Title: pageTitle})
		return
	}

	stored := s.sessions.Update(sess.ID, func(ss *Session) {
		ss.Variant = variant
		ss.Query = text
		ss.Result = result
	})
	if !stored {
		// Evicted while the search ran; show this result once instead of losing it.
		s.logger.Warn("Session evicted during search", "session", sess.ID, "variant", variant)
		sess.Variant, sess.Query, sess.Result = variant, text, result
		s.render(w, http.StatusOK, "index", newPageData(sess))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleVariants handles GET /api/variants
func (s *Server) handleVariants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.logger, listing.Variants())
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	var buf strings.Builder
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("Failed to render page", "template", name, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(buf.String()))
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, logger *slog.Logger, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}
