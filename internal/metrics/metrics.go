// Package metrics exposes Prometheus collectors for imports and the admin API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors and the registry they are registered on
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rows      *prometheus.CounterVec
	lastFile  prometheus.Gauge
	decisions *prometheus.CounterVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a private registry with every collector registered
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_imports_total",
			Help: "File imports partitioned by kind and status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalogsync_import_duration_seconds",
			Help:    "Duration in seconds of file imports.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_rows_total",
			Help: "Feed rows partitioned by outcome.",
		}, []string{"outcome"}),
		lastFile: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalogsync_last_file_number",
			Help: "Number of the last fully imported feed file.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_scheduler_decisions_total",
			Help: "Scheduled trigger decisions.",
		}, []string{"decision"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_http_requests_total",
			Help: "Admin API requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalogsync_http_request_duration_seconds",
			Help:    "Admin API request duration per route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	registry.MustRegister(m.runs, m.duration, m.rows, m.lastFile, m.decisions, m.requests, m.requestDuration)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Tracker instruments a single file import
type Tracker struct {
	metrics *Metrics
	kind    string
	start   time.Time
}

// Track starts a tracker for an import of the given kind (next, initial, file)
func (m *Metrics) Track(kind string) *Tracker {
	return &Tracker{metrics: m, kind: kind, start: time.Now()}
}

// End records the duration and final status of the import
func (t *Tracker) End(status string) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.runs.WithLabelValues(t.kind, status).Inc()
	t.metrics.duration.WithLabelValues(t.kind).Observe(time.Since(t.start).Seconds())
}

// Row counts one row outcome (created, updated, variation_created, variation_updated, failed, skipped)
func (m *Metrics) Row(outcome string) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(outcome).Inc()
}

// SetLastFile publishes the last imported file number
func (m *Metrics) SetLastFile(n int) {
	if m == nil {
		return
	}
	m.lastFile.Set(float64(n))
}

// Decision counts a scheduler decision
func (m *Metrics) Decision(d string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d).Inc()
}

// Middleware records request counts and durations per chi route
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
