package observability

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds all registered metrics. A metric is identified by its name plus
// its label set, so the same name may be registered once per variant.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
	help     map[string]string
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	labels map[string]string
	value  float64
	mu     sync.Mutex
}

// Histogram tracks distribution of values.
type Histogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
		help:     make(map[string]string),
	}
}

// NewCounter registers a counter, or returns the existing one with the same name and labels.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{name: name, labels: copyLabels(labels)}
	r.counters[key] = c
	r.help[name] = help
	return c
}

// NewGauge registers a gauge, or returns the existing one with the same name and labels.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{name: name, labels: copyLabels(labels)}
	r.gauges[key] = g
	r.help[name] = help
	return g
}

// NewHistogram registers a histogram, or returns the existing one with the same name and labels.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := seriesKey(name, labels)
	if h, ok := r.histos[key]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		labels:  copyLabels(labels),
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[key] = h
	r.help[name] = help
	return h
}

// DefaultBuckets returns default histogram buckets for latency.
func DefaultBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
}

// Inc increments a counter by 1.
func (c *Counter) Inc() {
	c.Add(1)
}

// Add adds a value to the counter.
func (c *Counter) Add(v float64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the counter value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set sets the gauge value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds a value to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Value returns the gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++

	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text format, sorted by series.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	written := make(map[string]bool)
	header := func(name, kind string) {
		if written[name] {
			return
		}
		written[name] = true
		io.WriteString(w, "# HELP "+name+" "+r.help[name]+"\n")
		io.WriteString(w, "# TYPE "+name+" "+kind+"\n")
	}

	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		header(c.name, "counter")
		io.WriteString(w, c.name+formatLabels(c.labels)+" "+formatFloat(c.Value())+"\n")
	}

	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		header(g.name, "gauge")
		io.WriteString(w, g.name+formatLabels(g.labels)+" "+formatFloat(g.Value())+"\n")
	}

	for _, key := range sortedKeys(r.histos) {
		h := r.histos[key]
		header(h.name, "histogram")
		h.mu.Lock()
		writeHistogram(w, h)
		h.mu.Unlock()
	}
}

func writeHistogram(w io.Writer, h *Histogram) {
	for i, bound := range h.buckets {
		labels := copyLabels(h.labels)
		labels["le"] = formatFloat(bound)
		io.WriteString(w, h.name+"_bucket"+formatLabels(labels)+" "+strconv.FormatUint(h.counts[i], 10)+"\n")
	}

	labels := copyLabels(h.labels)
	labels["le"] = "+Inf"
	io.WriteString(w, h.name+"_bucket"+formatLabels(labels)+" "+strconv.FormatUint(h.count, 10)+"\n")

	io.WriteString(w, h.name+"_sum"+formatLabels(h.labels)+" "+formatFloat(h.sum)+"\n")
	io.WriteString(w, h.name+"_count"+formatLabels(h.labels)+" "+strconv.FormatUint(h.count, 10)+"\n")
}

func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range sortedKeys(labels) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(labels[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SearchMetrics contains the listingsearch series. Per-variant series are created on
// first use so only variants that were queried show up.
type SearchMetrics struct {
	Registry *MetricsRegistry

	EmbeddingRequestsTotal *Counter
	EmbeddingErrorsTotal   *Counter
	EmbeddingDuration      *Histogram

	ProvisionRunsTotal   *Counter
	ProvisionErrorsTotal *Counter

	ActiveSessions *Gauge
}

// NewSearchMetrics creates the listingsearch metrics on a fresh registry.
func NewSearchMetrics() *SearchMetrics {
	r := NewMetricsRegistry()

	return &SearchMetrics{
		Registry: r,

		EmbeddingRequestsTotal: r.NewCounter("listingsearch_embedding_requests_total", "Total embedding API requests", nil),
		EmbeddingErrorsTotal:   r.NewCounter("listingsearch_embedding_errors_total", "Total embedding API errors", nil),
		EmbeddingDuration:      r.NewHistogram("listingsearch_embedding_duration_seconds", "Embedding request duration", nil, nil),

		ProvisionRunsTotal:   r.NewCounter("listingsearch_provision_runs_total", "Total provisioning passes", nil),
		ProvisionErrorsTotal: r.NewCounter("listingsearch_provision_errors_total", "Total failed provisioning passes", nil),

		ActiveSessions: r.NewGauge("listingsearch_active_sessions", "Number of live browser sessions", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *SearchMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordEmbedding records one embedding call.
func (m *SearchMetrics) RecordEmbedding(duration time.Duration, err error) {
	m.EmbeddingRequestsTotal.Inc()
	if err != nil {
		m.EmbeddingErrorsTotal.Inc()
		return
	}
	m.EmbeddingDuration.Observe(duration.Seconds())
}

// RecordQuery records one similarity query against the container of variant.
func (m *SearchMetrics) RecordQuery(variant string, duration time.Duration, charge float64, err error) {
	labels := map[string]string{"variant": variant}
	m.Registry.NewCounter("listingsearch_queries_total", "Total similarity queries", labels).Inc()
	if err != nil {
		m.Registry.NewCounter("listingsearch_query_errors_total", "Total failed similarity queries", labels).Inc()
		return
	}
	m.Registry.NewHistogram("listingsearch_query_duration_seconds", "Similarity query duration", labels, nil).Observe(duration.Seconds())
	m.Registry.NewCounter("listingsearch_request_charge_total", "Request units consumed by similarity queries", labels).Add(charge)
}

// RecordProvision records one provisioning pass.
func (m *SearchMetrics) RecordProvision(err error) {
	m.ProvisionRunsTotal.Inc()
	if err != nil {
		m.ProvisionErrorsTotal.Inc()
	}
}
