// metrics.go — Prometheus HTTP метрики Exam Bridge:
// eb_http_requests_total, eb_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eb_http_requests_total",
			Help: "Общее количество HTTP-запросов к Exam Bridge",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eb_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Exam Bridge в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware собирает количество и длительность запросов по endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификаторы в пути на шаблоны,
// чтобы не раздувать кардинальность метрик.
// /api/v1/artifacts/a1b2c3d4-.../submit → /api/v1/artifacts/{id}/submit
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/openapi.yaml",
		"/api/v1/artifacts",
		"/api/v1/artifacts/mine",
		"/api/v1/admin/artifacts",
		"/api/v1/admin/mappings",
		"/api/v1/admin/identities",
		"/api/v1/admin/audit",
		"/api/v1/admin/stats",
		"/api/v1/admin/sweep":
		return path
	}

	prefixes := []struct {
		prefix string
		result string
	}{
		{"/api/v1/admin/artifacts/", "/api/v1/admin/artifacts/{id}"},
		{"/api/v1/admin/mappings/", "/api/v1/admin/mappings/{subject_code}"},
		{"/api/v1/artifacts/", "/api/v1/artifacts/{id}"},
	}

	for _, p := range prefixes {
		rest, ok := strings.CutPrefix(path, p.prefix)
		if !ok || rest == "" {
			continue
		}
		// Всё после первого сегмента — действие (submit, reset, ...)
		if _, action, found := strings.Cut(rest, "/"); found {
			return p.result + "/" + action
		}
		return p.result
	}

	return "other"
}
