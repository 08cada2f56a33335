// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/robofleet/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpointLabel(r), status, duration)
	})
}

// endpointLabel prefers the pattern ServeMux matched so ids never become label values.
func endpointLabel(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}

	return normalizeEndpoint(r.URL.Path)
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/robots/"):
		parts := strings.Split(strings.TrimPrefix(path, "/api/robots/"), "/")
		if len(parts) == 2 && parts[0] != "" {
			return "/api/robots/{id}/" + parts[1]
		}

		return path
	case strings.HasPrefix(path, "/api/tasks/") && !strings.Contains(path[len("/api/tasks/"):], "/"):
		return "/api/tasks/{id}"
	default:
		return path
	}
}
