// Package object handles the object-level S3 API operations: upload,
// download, head, delete and server-side copy.
package object

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/monitoring"
	objects "github.com/lamina-storage/lamina/internal/object"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/server/middleware"
	"github.com/lamina-storage/lamina/internal/server/request"
	"github.com/lamina-storage/lamina/internal/server/response"
	"github.com/lamina-storage/lamina/internal/storage"
)

// Handler handles object-level requests
type Handler struct {
	objects *objects.Service
	logger  *logrus.Entry
	xml     *response.XMLWriter
	errors  *response.ErrorWriter
}

// NewHandler creates a new object handler
func NewHandler(objects *objects.Service, xmlWriter *response.XMLWriter, errorWriter *response.ErrorWriter, logger *logrus.Entry) *Handler {
	return &Handler{
		objects: objects,
		logger:  logger,
		xml:     xmlWriter,
		errors:  errorWriter,
	}
}

// Put handles PUT /{bucket}/{key}, streaming the request body into storage.
// The body may be aws-chunked; the signature validator from the auth layer
// de-frames and verifies it during the same pass.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	sums, err := request.ParseChecksums(r)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	info, err := h.objects.PutObject(r.Context(), &objects.PutRequest{
		Bucket:      bucket,
		Key:         key,
		Body:        r.Body,
		Validator:   validatorFrom(r),
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    request.ParseMetadata(r),
		Owner:       middleware.OwnerFrom(r),
		Checksums:   sums,
	})
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	monitoring.RecordBytesTransferred("ingested", "PutObject", info.Size)

	w.Header().Set("ETag", response.Quote(info.ETag))
	writeChecksumHeaders(w, info.Checksums)
	w.WriteHeader(http.StatusOK)
}

// Copy handles PUT /{bucket}/{key} with an x-amz-copy-source header. The
// metadata directive defaults to COPY; REPLACE takes content type and user
// metadata from this request instead of the source.
func (h *Handler) Copy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	srcBucket, srcKey, err := request.ParseCopySource(r.Header.Get("x-amz-copy-source"))
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	if err := middleware.Authorize(r, srcBucket, auth.PermissionRead); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	switch directive {
	case "", objects.DirectiveCopy, objects.DirectiveReplace:
	default:
		h.errors.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("unknown metadata directive: %s", directive))
		return
	}

	info, err := h.objects.CopyObject(r.Context(), &objects.CopyRequest{
		SrcBucket:   srcBucket,
		SrcKey:      srcKey,
		DstBucket:   bucket,
		DstKey:      key,
		Directive:   directive,
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    request.ParseMetadata(r),
		Owner:       middleware.OwnerFrom(r),
	})
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	h.xml.Write(w, http.StatusOK, response.CopyObjectResult{
		LastModified: response.FormatTime(info.LastModified),
		ETag:         response.Quote(info.ETag),
	})
}

// Get handles GET /{bucket}/{key}, optionally serving a byte range. A
// malformed Range header is ignored; a well-formed but unsatisfiable one is
// a 416.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionRead); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	info, err := h.objects.GetObjectInfo(r.Context(), bucket, key)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	rng := request.ParseRange(r.Header.Get("Range"), info.Size)
	if rng != nil && !rng.Valid(info.Size) {
		h.errors.WriteError(w, r, s3err.ErrInvalidRange)
		return
	}

	writeObjectHeaders(w, r, info)
	status := http.StatusOK
	length := info.Size
	if rng != nil {
		length = rng.Length()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, info.Size))
		status = http.StatusPartialContent
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	found, err := h.objects.StreamObject(r.Context(), bucket, key, w, rng)
	switch {
	case err != nil && !s3err.IsCanceled(err):
		// Headers are gone; all we can do is log the truncation.
		h.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Warn("Object stream aborted mid-response")
	case err == nil && !found:
		h.logger.WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Warn("Object vanished between lookup and stream")
	case err == nil:
		monitoring.RecordBytesTransferred("served", "GetObject", length)
	}
}

// Head handles HEAD /{bucket}/{key}, the object metadata without the body.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionRead); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	info, err := h.objects.GetObjectInfo(r.Context(), bucket, key)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	writeObjectHeaders(w, r, info)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /{bucket}/{key}. Deleting a missing key still
// succeeds; only a missing bucket is an error.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionDelete); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	if _, err := h.objects.DeleteObject(r.Context(), bucket, key); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validatorFrom(r *http.Request) *auth.ChunkValidator {
	if ra := middleware.RequestAuthFrom(r.Context()); ra != nil {
		return ra.Validator
	}
	return nil
}

// writeObjectHeaders sets the metadata headers shared by GET and HEAD.
// Checksum headers are only exposed when the client opted in with
// x-amz-checksum-mode.
func writeObjectHeaders(w http.ResponseWriter, r *http.Request, info *storage.ObjectInfo) {
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", response.Quote(info.ETag))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	for k, v := range info.Metadata {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	if strings.EqualFold(r.Header.Get("x-amz-checksum-mode"), "enabled") {
		writeChecksumHeaders(w, info.Checksums)
	}
}

func writeChecksumHeaders(w http.ResponseWriter, sums map[checksum.Algorithm]string) {
	for algo, sum := range sums {
		w.Header().Set(algo.HeaderName(), sum)
	}
}
