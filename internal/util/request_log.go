package util

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseMeter captures what the handler wrote.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (m *responseMeter) Unwrap() http.ResponseWriter { return m.ResponseWriter }

// WithRequestLog logs one "http_request" line per request, at error level for
// 5xx responses. It must sit inside WithRequestID to carry request_id.
func WithRequestLog(service string, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(meter, r)
		if meter.status == 0 {
			meter.status = http.StatusOK
		}
		level := slog.LevelInfo
		if meter.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		LoggerFromContext(r.Context()).Log(r.Context(), level, "http_request",
			"service", service,
			"method", r.Method,
			"path", r.URL.Path,
			"status", meter.status,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
