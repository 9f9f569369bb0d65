package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lamina-storage/lamina/internal/monitoring"
	"github.com/lamina-storage/lamina/internal/server/handlers/bucket"
	"github.com/lamina-storage/lamina/internal/server/handlers/health"
	"github.com/lamina-storage/lamina/internal/server/handlers/multipart"
	"github.com/lamina-storage/lamina/internal/server/handlers/object"
	"github.com/lamina-storage/lamina/internal/server/middleware"
)

// setupRoutes configures the HTTP routes for the S3 API
func (s *Server) setupRoutes(router *mux.Router) {
	// Add monitoring middleware if monitoring is enabled
	if s.cfg.Monitoring.Enabled {
		router.Use(monitoring.HTTPMiddleware)
	}

	// Health endpoint - before middleware to avoid authentication
	healthHandler := health.NewHandler(s.backend, s.version, s.logger)
	healthRouter := router.NewRoute().Subrouter()
	healthRouter.HandleFunc("/health", healthHandler.Health).Methods("GET")

	// S3 API endpoints - protected by signature authentication
	s3Router := router.NewRoute().Subrouter()

	// Order matters: auth first, then logging and cors
	s3Router.Use(middleware.NewAuth(s.auth, s.errors).Middleware)
	s3Router.Use(middleware.NewLogger(s.logger, false).Middleware)
	s3Router.Use(middleware.NewCORS().Middleware)

	bucketHandler := bucket.NewHandler(s.registry, s.objects, s.cfg.Auth.Region, s.xml, s.errors, s.logger)
	objectHandler := object.NewHandler(s.objects, s.xml, s.errors, s.logger)
	multipartHandler := multipart.NewHandler(s.objects, s.xml, s.errors, s.logger)

	// Root endpoint - list buckets
	s3Router.HandleFunc("/", instrument("ListBuckets", bucketHandler.ListBuckets)).Methods("GET")

	// Bucket sub-resources (must be defined BEFORE general bucket operations)
	s3Router.HandleFunc("/{bucket}", instrument("GetBucketLocation", bucketHandler.GetLocation)).Methods("GET").Queries("location", "")
	s3Router.HandleFunc("/{bucket}", instrument("GetBucketTagging", bucketHandler.GetTagging)).Methods("GET").Queries("tagging", "")
	s3Router.HandleFunc("/{bucket}", instrument("PutBucketTagging", bucketHandler.PutTagging)).Methods("PUT").Queries("tagging", "")
	s3Router.HandleFunc("/{bucket}", instrument("DeleteBucketTagging", bucketHandler.DeleteTagging)).Methods("DELETE").Queries("tagging", "")
	s3Router.HandleFunc("/{bucket}", instrument("ListMultipartUploads", multipartHandler.ListUploads)).Methods("GET").Queries("uploads", "")
	s3Router.HandleFunc("/{bucket}", instrument("DeleteObjects", bucketHandler.DeleteObjects)).Methods("POST").Queries("delete", "")
	s3Router.HandleFunc("/{bucket}", instrument("ListObjectsV2", bucketHandler.ListObjectsV2)).Methods("GET").Queries("list-type", "2")

	// Multipart upload operations. The copy variant is registered first so
	// its header matcher wins over the plain part upload.
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("CreateMultipartUpload", multipartHandler.Initiate)).Methods("POST").Queries("uploads", "")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("UploadPartCopy", multipartHandler.UploadPartCopy)).Methods("PUT").Queries("partNumber", "{partNumber:[0-9]+}", "uploadId", "{uploadId}").Headers("x-amz-copy-source", "")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("UploadPart", multipartHandler.UploadPart)).Methods("PUT").Queries("partNumber", "{partNumber:[0-9]+}", "uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("CompleteMultipartUpload", multipartHandler.Complete)).Methods("POST").Queries("uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("AbortMultipartUpload", multipartHandler.Abort)).Methods("DELETE").Queries("uploadId", "{uploadId}")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("ListParts", multipartHandler.ListParts)).Methods("GET").Queries("uploadId", "{uploadId}")

	// Bucket operations (general - must be after specific sub-resources)
	s3Router.HandleFunc("/{bucket}", instrument("ListObjects", bucketHandler.ListObjects)).Methods("GET")
	s3Router.HandleFunc("/{bucket}/", instrument("ListObjects", bucketHandler.ListObjects)).Methods("GET")
	s3Router.HandleFunc("/{bucket}", instrument("CreateBucket", bucketHandler.Create)).Methods("PUT")
	s3Router.HandleFunc("/{bucket}/", instrument("CreateBucket", bucketHandler.Create)).Methods("PUT")
	s3Router.HandleFunc("/{bucket}", instrument("HeadBucket", bucketHandler.Head)).Methods("HEAD")
	s3Router.HandleFunc("/{bucket}/", instrument("HeadBucket", bucketHandler.Head)).Methods("HEAD")
	s3Router.HandleFunc("/{bucket}", instrument("DeleteBucket", bucketHandler.Delete)).Methods("DELETE")
	s3Router.HandleFunc("/{bucket}/", instrument("DeleteBucket", bucketHandler.Delete)).Methods("DELETE")

	// Object operations (main). Copy first for the same header-matcher
	// precedence as parts.
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("CopyObject", objectHandler.Copy)).Methods("PUT").Headers("x-amz-copy-source", "")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("PutObject", objectHandler.Put)).Methods("PUT")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("GetObject", objectHandler.Get)).Methods("GET")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("HeadObject", objectHandler.Head)).Methods("HEAD")
	s3Router.HandleFunc("/{bucket}/{key:.*}", instrument("DeleteObject", objectHandler.Delete)).Methods("DELETE")
}

// instrument labels a route for the S3 operation metrics.
func instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next(wrapped, r)

		status := "success"
		if wrapped.status >= http.StatusBadRequest {
			status = "error"
		}
		monitoring.RecordS3Operation(operation, mux.Vars(r)["bucket"], status, time.Since(start))
	}
}

// statusWriter wraps http.ResponseWriter to capture status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
