package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// Metrics holds all Prometheus metrics. It implements marketplace.OperationRecorder
// and the storage cache recorder.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Lifecycle service metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	DownloadsTotal    prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Metadata refresh metrics
	RefreshRunsTotal       *prometheus.CounterVec
	RefreshExtensionsTotal *prometheus.CounterVec
	RefreshLastSuccess     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plughub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plughub_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughub_operations_total",
				Help: "Lifecycle operations by outcome",
			},
			[]string{"operation", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plughub_operation_duration_seconds",
				Help:    "Lifecycle operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DownloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plughub_downloads_total",
				Help: "Counted extension downloads",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughub_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughub_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		RefreshRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughub_metadata_refresh_runs_total",
				Help: "Metadata refresh runs by outcome",
			},
			[]string{"result"},
		),
		RefreshExtensionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughub_metadata_refresh_extensions_total",
				Help: "Extensions visited by metadata refresh runs",
			},
			[]string{"result"},
		),
		RefreshLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plughub_metadata_refresh_last_success_timestamp_seconds",
				Help: "Unix time of the last refresh run that completed",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.OperationsTotal,
		m.OperationDuration,
		m.DownloadsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.RefreshRunsTotal,
		m.RefreshExtensionsTotal,
		m.RefreshLastSuccess,
	)

	return m
}

// RecordOperation implements marketplace.OperationRecorder
func (m *Metrics) RecordOperation(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = marketplace.ErrorCode(err)
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordDownload implements marketplace.OperationRecorder
func (m *Metrics) RecordDownload() {
	m.DownloadsTotal.Inc()
}

// RecordCacheHit counts a cache hit
func (m *Metrics) RecordCacheHit(cache string) {
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss counts a cache miss
func (m *Metrics) RecordCacheMiss(cache string) {
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordRefresh records the outcome of one metadata refresh run
func (m *Metrics) RecordRefresh(result marketplace.RefreshReport, err error) {
	m.RefreshExtensionsTotal.WithLabelValues("checked").Add(float64(result.Checked))
	m.RefreshExtensionsTotal.WithLabelValues("refreshed").Add(float64(result.Refreshed))
	m.RefreshExtensionsTotal.WithLabelValues("failed").Add(float64(result.Failed))
	if err != nil {
		m.RefreshRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.RefreshRunsTotal.WithLabelValues("ok").Inc()
	m.RefreshLastSuccess.SetToCurrentTime()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments requests. Requests are labelled by their
// mux route template so ids do not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
