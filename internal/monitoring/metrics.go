package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the Lamina object store
var (
	// HTTP request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lamina_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lamina_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// S3 operation metrics
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "bucket", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lamina_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "bucket"},
	)

	// Data transfer metrics
	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_bytes_transferred_total",
			Help: "Total bytes transferred",
		},
		[]string{"direction", "operation"},
	)

	// Multipart upload metrics
	MultipartUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_multipart_uploads_total",
			Help: "Total number of multipart uploads",
		},
		[]string{"status"},
	)

	MultipartUploadPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_multipart_upload_parts_total",
			Help: "Total number of multipart upload parts",
		},
		[]string{"status"},
	)

	// Authentication metrics
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
		[]string{"reason"},
	)

	// Metadata cache metrics
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lamina_metadata_cache_lookups_total",
			Help: "Total number of metadata cache lookups",
		},
		[]string{"result"},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lamina_metadata_cache_evictions_total",
			Help: "Total number of metadata cache evictions",
		},
	)

	// Backend metrics
	BackendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lamina_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Server metrics
	ServerInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lamina_server_info",
			Help: "Server build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetServerInfo sets server build information
func SetServerInfo(version, commit, buildTime string) {
	ServerInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
