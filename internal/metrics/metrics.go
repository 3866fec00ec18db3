package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zziklive/edge_rate_limiter"
)

const (
	decisionAllowed = "allowed"
	decisionDenied  = "denied"
	decisionSkipped = "skipped"
)

// EdgeMetrics holds the edge server collectors on a private registry.
type EdgeMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	decisions *prometheus.CounterVec
	errors    prometheus.Counter
	reqTotal  *prometheus.CounterVec
	reqDur    prometheus.Histogram
}

// New returns a fresh registry with the Go/process collectors and the edge metrics.
// Labels stay bounded: no client keys or paths.
func New() *EdgeMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &EdgeMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_ratelimit_requests_total",
			Help: "Requests seen by the edge rate limiter by decision",
		}, []string{"decision"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_ratelimit_errors_total",
			Help: "Rate limit checks that failed and were allowed through",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method and status",
		}, []string{"method", "status"}),
		reqDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
	reg.MustRegister(
		m.decisions,
		m.errors,
		m.reqTotal,
		m.reqDur,
	)

	// pre-create so dashboards see zeros
	for _, d := range []string{decisionAllowed, decisionDenied, decisionSkipped} {
		m.decisions.WithLabelValues(d)
	}

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *EdgeMetrics) Handler() http.Handler {
	return m.handler
}

// Registry returns the underlying registry.
func (m *EdgeMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// TrackClients exports the size of an in-memory store.
func (m *EdgeMetrics) TrackClients(size func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "edge_ratelimit_tracked_clients",
		Help: "Client keys currently held by the in-memory rate limit store",
	}, func() float64 { return float64(size()) }))
}

// OnAllowed counts an admitted request.
func (m *EdgeMetrics) OnAllowed(string, *edge_rate_limiter.Result) {
	m.decisions.WithLabelValues(decisionAllowed).Inc()
}

// OnDenied counts a request answered with 429.
func (m *EdgeMetrics) OnDenied(string, *edge_rate_limiter.Result) {
	m.decisions.WithLabelValues(decisionDenied).Inc()
}

// OnSkipped counts a request outside the limited prefix.
func (m *EdgeMetrics) OnSkipped(string) {
	m.decisions.WithLabelValues(decisionSkipped).Inc()
}

// OnError counts a failed check that was let through.
func (m *EdgeMetrics) OnError(string, error) {
	m.errors.Inc()
}

// Middleware counts every response, 429s from the limiter included.
func (m *EdgeMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.reqTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		m.reqDur.Observe(time.Since(start).Seconds())
	})
}
