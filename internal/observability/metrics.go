package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-erp/meridian-erp/internal/costing"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	syncBatches     *prometheus.CounterVec
	syncUnits       *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and sync engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_fifo_sync_batches_total",
		Help: "Finished FIFO sync batches by terminal status.",
	}, []string{"status"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_fifo_sync_units_total",
		Help: "Units moved by FIFO sync batches, by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, batches, units)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		syncBatches:     batches,
		syncUnits:       units,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// IncSyncBatch counts one finished batch by terminal status.
func (m *Metrics) IncSyncBatch(status string) {
	if m == nil {
		return
	}
	m.syncBatches.WithLabelValues(status).Inc()
}

// ObserveSync records the unit counters of one finished batch.
func (m *Metrics) ObserveSync(stats costing.SyncStats) {
	if m == nil {
		return
	}
	m.syncUnits.WithLabelValues("out").Add(float64(stats.OutCount))
	m.syncUnits.WithLabelValues("restored").Add(float64(stats.ReturnCount))
	m.syncUnits.WithLabelValues("skipped").Add(float64(stats.SkippedCount))
}

// Middleware records metrics for each HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
