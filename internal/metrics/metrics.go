// Package metrics exposes Prometheus metrics for HTTP traffic and the book workflow.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Workflow outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Metrics owns a private registry so that several instances can coexist in tests.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequestDuration *prometheus.HistogramVec
	workflows           *prometheus.CounterVec
	uploads             *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "elib_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		workflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elib_book_workflows_total",
				Help: "Book workflow runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "elib_asset_uploads_total",
				Help: "Remote asset uploads by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestDuration,
		m.workflows,
		m.uploads,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request duration labelled by the matched route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(duration)
	})
}

// ObserveWorkflow counts one finished workflow run.
func (m *Metrics) ObserveWorkflow(operation string, err error) {
	m.workflows.WithLabelValues(operation, outcome(err)).Inc()
}

// ObserveUpload counts one remote upload attempt.
func (m *Metrics) ObserveUpload(kind string, err error) {
	m.uploads.WithLabelValues(kind, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSucceeded
}
