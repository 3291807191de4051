// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihacdn_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ihacdn_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

var (
	// UploadsTotal counts stored objects and rejected uploads by kind and result.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihacdn_uploads_total",
			Help: "Upload and shorten requests by kind and result",
		},
		[]string{"kind", "result"},
	)

	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ihacdn_upload_bytes_total",
			Help: "Bytes written to disk by accepted uploads",
		},
	)

	// ReadsTotal counts retrieval outcomes. kind is empty when no record was found.
	ReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihacdn_reads_total",
			Help: "Object reads by record kind, route and status",
		},
		[]string{"kind", "route", "status"},
	)

	PurgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihacdn_purge_runs_total",
			Help: "Purge sweeps by result",
		},
		[]string{"result"},
	)

	PurgeDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ihacdn_purge_deleted_total",
			Help: "Objects removed by purge sweeps",
		},
	)

	PurgeFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ihacdn_purge_failed_total",
			Help: "Keys a purge sweep could not evaluate or delete",
		},
	)

	PurgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ihacdn_purge_duration_seconds",
			Help:    "Duration of purge sweeps",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ihacdn_notifications_total",
			Help: "Notification deliveries by sink and result",
		},
		[]string{"sink", "result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by chi route pattern,
// which keeps identifiers out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := NewStatusRecorder(w)
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.Status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// StatusRecorder captures the status code and body size written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status  int
	Written int64
}

// NewStatusRecorder wraps w with a default status of 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	if sr, ok := w.(*StatusRecorder); ok {
		return sr
	}
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (sr *StatusRecorder) WriteHeader(code int) {
	sr.Status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *StatusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.Written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *StatusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Flush forwards to the wrapped writer when it supports flushing.
func (sr *StatusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
