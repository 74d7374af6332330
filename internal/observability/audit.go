package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventSearchComplete AuditEventType = "search.complete"
	AuditEventQueryError     AuditEventType = "search.query_error"
	AuditEventEmbeddingError AuditEventType = "embedding.error"
	AuditEventProvision      AuditEventType = "provision.run"
)

// AuditEvent is one JSON line of the audit trail.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     AuditEventType `json:"event_type"`
	SessionID     string         `json:"session_id,omitempty"`
	Variant       string         `json:"variant,omitempty"`
	Container     string         `json:"container,omitempty"`
	Success       bool           `json:"success"`
	Matches       int            `json:"matches,omitempty"`
	EmbeddingMS   int64          `json:"embedding_ms,omitempty"`
	QueryMS       int64          `json:"query_ms,omitempty"`
	RequestCharge float64        `json:"request_charge,omitempty"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
}

// AuditLogger writes audit events as JSON lines. The query text itself is never recorded.
type AuditLogger struct {
	mu      sync.Mutex
	writer  io.Writer
	closer  io.Closer
	enabled bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
}

// NewAuditLogger opens the configured output. A nil or disabled config yields a logger that
// drops every event.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil || !config.Enabled {
		return &AuditLogger{}, nil
	}

	l := &AuditLogger{enabled: true}
	switch config.OutputPath {
	case "stdout", "":
		l.writer = os.Stdout
	case "stderr":
		l.writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		l.writer = f
		l.closer = f
	}
	return l, nil
}

// NewAuditWriter logs to w; used by tests and embedders that own the output.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{writer: w, enabled: true}
}

// Log writes one event, stamping the time and the session carried by ctx.
func (l *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if l == nil || !l.enabled {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = SessionID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogSearch records a finished submission, successful or with a caught query failure.
func (l *AuditLogger) LogSearch(ctx context.Context, variant, container string, matches int, embedding, query time.Duration, charge float64, queryErr error) {
	event := &AuditEvent{
		EventType:     AuditEventSearchComplete,
		Variant:       variant,
		Container:     container,
		Success:       queryErr == nil,
		Matches:       matches,
		EmbeddingMS:   embedding.Milliseconds(),
		QueryMS:       query.Milliseconds(),
		RequestCharge: charge,
	}
	if queryErr != nil {
		event.EventType = AuditEventQueryError
		event.ErrorDetail = queryErr.Error()
	}
	_ = l.Log(ctx, event)
}

func (l *AuditLogger) LogEmbeddingError(ctx context.Context, variant string, err error) {
	_ = l.Log(ctx, &AuditEvent{
		EventType:   AuditEventEmbeddingError,
		Variant:     variant,
		ErrorDetail: err.Error(),
	})
}

// LogProvision records one provisioning pass over the database.
func (l *AuditLogger) LogProvision(ctx context.Context, database string, err error) {
	event := &AuditEvent{
		EventType: AuditEventProvision,
		Container: database,
		Success:   err == nil,
	}
	if err != nil {
		event.ErrorDetail = err.Error()
	}
	_ = l.Log(ctx, event)
}

// Close closes the audit file, if any.
func (l *AuditLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type sessionKey struct{}

// WithSessionID tags ctx with the browser or terminal session issuing the request.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session set by WithSessionID, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
