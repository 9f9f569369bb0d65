// Package middleware provides the HTTP middleware chain of the S3 API
// server: authentication, request logging and CORS.
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger logs one line per S3 request with the outcome: status, duration and
// the number of body bytes written. Server faults log at warning so they
// stand out from routine traffic.
type Logger struct {
	logger            *logrus.Entry
	logHealthRequests bool
}

// NewLogger creates a new logging middleware
func NewLogger(logger *logrus.Entry, logHealthRequests bool) *Logger {
	return &Logger{
		logger:            logger,
		logHealthRequests: logHealthRequests,
	}
}

// Middleware returns the HTTP middleware function
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if !l.logHealthRequests && r.URL.Path == "/health" {
			return
		}

		fields := logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration":    time.Since(start),
			"bytes":       wrapped.written,
			"remote_addr": r.RemoteAddr,
		}
		if ua := r.UserAgent(); ua != "" {
			fields["user_agent"] = ua
		}
		// Error responses carry the id the client saw, for cross-referencing
		// support reports against the log.
		if id := wrapped.Header().Get("X-Amz-Request-Id"); id != "" {
			fields["request_id"] = id
		}

		entry := l.logger.WithFields(fields)
		if wrapped.statusCode >= http.StatusInternalServerError {
			entry.Warn("S3 request failed")
		} else {
			entry.Info("S3 request served")
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and the
// size of the body written.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}
