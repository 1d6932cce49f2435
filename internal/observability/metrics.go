package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk gateway.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	urlsIssued      *prometheus.CounterVec
	ingestEntries   *prometheus.CounterVec
	ingestBytes     prometheus.Counter
	auditFailures   *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetgate_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assetgate_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetgate_authz_decisions_total",
		Help: "Keputusan otorisasi berdasarkan aksi, hasil dan alasan.",
	}, []string{"action", "decision", "reason"})
	urls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetgate_urls_issued_total",
		Help: "URL bertanda tangan yang diterbitkan per operasi.",
	}, []string{"operation"})
	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetgate_ingest_entries_total",
		Help: "Entri arsip yang diproses berdasarkan status akhir.",
	}, []string{"state"})
	ingestBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetgate_ingest_bytes_total",
		Help: "Total byte yang ditulis ke object store oleh ingest.",
	})
	auditFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetgate_audit_write_failures_total",
		Help: "Event audit yang ditolak sink, per aksi.",
	}, []string{"action"})
	registry.MustRegister(requests, duration, decisions, urls, entries, ingestBytes, auditFailures)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		urlsIssued:      urls,
		ingestEntries:   entries,
		ingestBytes:     ingestBytes,
		auditFailures:   auditFailures,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision mencatat satu keputusan otorisasi.
func (m *Metrics) ObserveDecision(action string, allow bool, reason string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allow {
		decision = "allow"
	}
	m.decisions.WithLabelValues(action, decision, reason).Inc()
}

// ObserveURLIssued mencatat URL yang berhasil diterbitkan.
func (m *Metrics) ObserveURLIssued(operation string) {
	if m == nil {
		return
	}
	m.urlsIssued.WithLabelValues(operation).Inc()
}

// ObserveIngestEntry mencatat status akhir satu entri arsip.
func (m *Metrics) ObserveIngestEntry(state string) {
	if m == nil {
		return
	}
	m.ingestEntries.WithLabelValues(state).Inc()
}

// ObserveIngestBytes menambah jumlah byte yang ditulis.
func (m *Metrics) ObserveIngestBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestBytes.Add(float64(n))
}

// ObserveAuditFailure mencatat event audit yang gagal ditulis.
func (m *Metrics) ObserveAuditFailure(action string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(action).Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush meneruskan flush ke writer asli bila didukung.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// Unwrap mengekspos writer asli untuk http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
