package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware provides Prometheus metrics for HTTP requests
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		RequestsInFlight.Inc()
		defer RequestsInFlight.Dec()

		next.ServeHTTP(wrapped, r)

		// Extract route pattern from gorilla/mux
		route := mux.CurrentRoute(r)
		endpoint := "unknown"
		if route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				endpoint = template
			}
		}

		duration := time.Since(start).Seconds()
		statusCode := strconv.Itoa(wrapped.statusCode)

		RequestsTotal.WithLabelValues(r.Method, endpoint, statusCode).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
	})
}

// RecordS3Operation records metrics for S3 operations
func RecordS3Operation(operation, bucket, status string, duration time.Duration) {
	S3OperationsTotal.WithLabelValues(operation, bucket, status).Inc()
	S3OperationDuration.WithLabelValues(operation, bucket).Observe(duration.Seconds())
}

// RecordBytesTransferred records data transfer metrics. direction is
// "ingested" for client uploads and "served" for downloads.
func RecordBytesTransferred(direction, operation string, bytes int64) {
	BytesTransferred.WithLabelValues(direction, operation).Add(float64(bytes))
}

// RecordMultipartUpload records multipart upload lifecycle metrics
func RecordMultipartUpload(status string) {
	MultipartUploadsTotal.WithLabelValues(status).Inc()
}

// RecordMultipartUploadPart records multipart upload part metrics
func RecordMultipartUploadPart(status string) {
	MultipartUploadPartsTotal.WithLabelValues(status).Inc()
}

// RecordAuthFailure records a failed authentication attempt
func RecordAuthFailure(reason string) {
	AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordCacheLookup records a metadata cache lookup outcome
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheEviction records a metadata cache eviction
func RecordCacheEviction() {
	CacheEvictionsTotal.Inc()
}

// RecordBackendOperation records storage backend operation duration
func RecordBackendOperation(backend, operation string, duration time.Duration) {
	BackendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}
