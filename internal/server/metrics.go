package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics owns the prometheus registry for the pull server. A private
// registry keeps the /metrics output limited to what this process reports.
type serverMetrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	bundlesBuilt    *prometheus.CounterVec
	bundleBytes     prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)
	return &serverMetrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opendsc_http_requests_total",
			Help: "HTTP requests handled, by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opendsc_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		bundlesBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opendsc_bundles_built_total",
			Help: "Bundle builds streamed to nodes, by result.",
		}, []string{"result"}),
		bundleBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "opendsc_bundle_bytes_total",
			Help: "Total bundle bytes streamed to nodes.",
		}),
	}
}

// handler serves the /metrics endpoint.
func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument wraps the mux with request counting and latency tracking. The
// route label is the mux pattern, so path parameters do not explode the
// cardinality.
func (m *serverMetrics) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}

		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(recorder, r)

		m.requestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(recorder.code)).Inc()
		m.requestDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

func (m *serverMetrics) recordBundle(bytes int64, err error) {
	if err != nil {
		m.bundlesBuilt.WithLabelValues("error").Inc()
		return
	}
	m.bundlesBuilt.WithLabelValues("ok").Inc()
	m.bundleBytes.Add(float64(bytes))
}

// statusRecorder captures the response code for metrics without interfering
// with streaming or trailers.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
