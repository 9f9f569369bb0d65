// Package multipart handles the multipart upload S3 API operations.
package multipart

import (
	"encoding/xml"
	"net/http"

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
)

// Handler handles multipart upload requests
type Handler struct {
	objects *objects.Service
	logger  *logrus.Entry
	xml     *response.XMLWriter
	errors  *response.ErrorWriter
}

// NewHandler creates a new multipart handler
func NewHandler(objects *objects.Service, xmlWriter *response.XMLWriter, errorWriter *response.ErrorWriter, logger *logrus.Entry) *Handler {
	return &Handler{
		objects: objects,
		logger:  logger,
		xml:     xmlWriter,
		errors:  errorWriter,
	}
}

// Initiate handles POST /{bucket}/{key}?uploads. An optional
// x-amz-checksum-algorithm header pins the algorithm every part must carry.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	var algo checksum.Algorithm
	if name := r.Header.Get("x-amz-checksum-algorithm"); name != "" {
		parsed, ok := checksum.ParseAlgorithm(name)
		if !ok {
			h.errors.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("unsupported checksum algorithm: %s", name))
			return
		}
		algo = parsed
	}

	upload, err := h.objects.InitiateUpload(r.Context(), &objects.InitiateRequest{
		Bucket:            bucket,
		Key:               key,
		ContentType:       r.Header.Get("Content-Type"),
		Metadata:          request.ParseMetadata(r),
		ChecksumAlgorithm: algo,
		Owner:             middleware.OwnerFrom(r),
	})
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	monitoring.RecordMultipartUpload("initiated")

	h.xml.Write(w, http.StatusOK, response.InitiateMultipartUploadResult{
		Bucket:   upload.Bucket,
		Key:      upload.Key,
		UploadID: upload.UploadID,
	})
}

// UploadPart handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	partNumber, err := request.ParsePartNumber(q.Get("partNumber"))
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	sums, err := request.ParseChecksums(r)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	part, err := h.objects.UploadPart(r.Context(), &objects.UploadPartRequest{
		Bucket:     bucket,
		Key:        key,
		UploadID:   q.Get("uploadId"),
		PartNumber: partNumber,
		Body:       r.Body,
		Validator:  validatorFrom(r),
		Checksums:  sums,
	})
	if err != nil {
		monitoring.RecordMultipartUploadPart("failed")
		h.errors.WriteError(w, r, err)
		return
	}

	monitoring.RecordMultipartUploadPart("uploaded")
	monitoring.RecordBytesTransferred("ingested", "UploadPart", part.Size)

	w.Header().Set("ETag", response.Quote(part.ETag))
	for algo, sum := range part.Checksums {
		w.Header().Set(algo.HeaderName(), sum)
	}
	w.WriteHeader(http.StatusOK)
}

// UploadPartCopy handles PUT /{bucket}/{key}?partNumber=N&uploadId=ID with
// an x-amz-copy-source header, filling a part from an existing object.
func (h *Handler) UploadPartCopy(w http.ResponseWriter, r *http.Request) {
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

	q := r.URL.Query()
	partNumber, err := request.ParsePartNumber(q.Get("partNumber"))
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	rng, err := request.ParseCopySourceRange(r.Header.Get("x-amz-copy-source-range"))
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	part, err := h.objects.UploadPartCopy(r.Context(), &objects.CopyPartRequest{
		SrcBucket:  srcBucket,
		SrcKey:     srcKey,
		Bucket:     bucket,
		Key:        key,
		UploadID:   q.Get("uploadId"),
		PartNumber: partNumber,
		Range:      rng,
	})
	if err != nil {
		monitoring.RecordMultipartUploadPart("failed")
		h.errors.WriteError(w, r, err)
		return
	}

	monitoring.RecordMultipartUploadPart("copied")
	h.logger.WithFields(logrus.Fields{
		"bucket":     bucket,
		"key":        key,
		"uploadId":   q.Get("uploadId"),
		"partNumber": partNumber,
		"source":     srcBucket + "/" + srcKey,
	}).Debug("Copied part from object")

	h.xml.Write(w, http.StatusOK, response.CopyPartResult{
		LastModified:   response.FormatTime(part.LastModified),
		ETag:           response.Quote(part.ETag),
		ChecksumValues: response.ChecksumValuesFrom(part.Checksums),
	})
}

// Complete handles POST /{bucket}/{key}?uploadId=ID, assembling the parts
// declared in the request body into the final object.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	var body completeRequest
	if err := xml.NewDecoder(r.Body).Decode(&body); err != nil {
		h.errors.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(body.Parts) == 0 {
		h.errors.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("you must specify at least one part"))
		return
	}

	declared := make([]objects.CompletedPart, 0, len(body.Parts))
	for _, p := range body.Parts {
		declared = append(declared, objects.CompletedPart{
			PartNumber: p.PartNumber,
			ETag:       checksum.TrimETag(p.ETag),
			Checksums:  p.checksums(),
		})
	}

	uploadID := r.URL.Query().Get("uploadId")
	info, err := h.objects.CompleteUpload(r.Context(), bucket, key, uploadID, declared)
	if err != nil {
		monitoring.RecordMultipartUpload("failed")
		h.errors.WriteError(w, r, err)
		return
	}

	monitoring.RecordMultipartUpload("completed")
	monitoring.RecordBytesTransferred("ingested", "CompleteMultipartUpload", info.Size)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	h.xml.Write(w, http.StatusOK, response.CompleteMultipartUploadResult{
		Location:       scheme + "://" + r.Host + "/" + bucket + "/" + key,
		Bucket:         bucket,
		Key:            key,
		ETag:           response.Quote(info.ETag),
		ChecksumValues: response.ChecksumValuesFrom(info.Checksums),
	})
}

// Abort handles DELETE /{bucket}/{key}?uploadId=ID, discarding the upload
// and all stored parts.
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	if err := h.objects.AbortUpload(r.Context(), bucket, key, uploadID); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	monitoring.RecordMultipartUpload("aborted")
	w.WriteHeader(http.StatusNoContent)
}

// ListParts handles GET /{bucket}/{key}?uploadId=ID.
func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, key := vars["bucket"], vars["key"]
	if err := middleware.Authorize(r, bucket, auth.PermissionList); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	uploadID := r.URL.Query().Get("uploadId")
	upload, parts, err := h.objects.ListUploadParts(r.Context(), bucket, key, uploadID)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	out := response.ListPartsResult{
		Bucket:   upload.Bucket,
		Key:      upload.Key,
		UploadID: upload.UploadID,
		Owner:    response.OwnerOf(upload.Owner),
	}
	for _, p := range parts {
		out.Part = append(out.Part, response.Part{
			PartNumber:     p.PartNumber,
			LastModified:   response.FormatTime(p.LastModified),
			ETag:           response.Quote(p.ETag),
			Size:           p.Size,
			ChecksumValues: response.ChecksumValuesFrom(p.Checksums),
		})
	}

	h.xml.Write(w, http.StatusOK, out)
}

// ListUploads handles GET /{bucket}?uploads, the in-progress uploads of a
// bucket.
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, bucket, auth.PermissionList); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	prefix := r.URL.Query().Get("prefix")
	uploads, err := h.objects.ListUploads(r.Context(), bucket, prefix)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	out := response.ListMultipartUploadsResult{
		Bucket: bucket,
		Prefix: prefix,
	}
	for _, up := range uploads {
		out.Upload = append(out.Upload, response.Upload{
			Key:       up.Key,
			UploadID:  up.UploadID,
			Initiated: response.FormatTime(up.Initiated),
			Owner:     response.OwnerOf(up.Owner),
		})
	}

	h.xml.Write(w, http.StatusOK, out)
}

func validatorFrom(r *http.Request) *auth.ChunkValidator {
	if ra := middleware.RequestAuthFrom(r.Context()); ra != nil {
		return ra.Validator
	}
	return nil
}

// completeRequest is the CompleteMultipartUpload request body.
type completeRequest struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completedPart struct {
	PartNumber        int    `xml:"PartNumber"`
	ETag              string `xml:"ETag"`
	ChecksumCRC32     string `xml:"ChecksumCRC32"`
	ChecksumCRC32C    string `xml:"ChecksumCRC32C"`
	ChecksumCRC64NVME string `xml:"ChecksumCRC64NVME"`
	ChecksumSHA1      string `xml:"ChecksumSHA1"`
	ChecksumSHA256    string `xml:"ChecksumSHA256"`
}

// checksums collects the declared per-algorithm values, nil when the client
// sent none.
func (p completedPart) checksums() map[checksum.Algorithm]string {
	var sums map[checksum.Algorithm]string
	add := func(algo checksum.Algorithm, value string) {
		if value == "" {
			return
		}
		if sums == nil {
			sums = make(map[checksum.Algorithm]string)
		}
		sums[algo] = value
	}
	add(checksum.CRC32, p.ChecksumCRC32)
	add(checksum.CRC32C, p.ChecksumCRC32C)
	add(checksum.CRC64NVME, p.ChecksumCRC64NVME)
	add(checksum.SHA1, p.ChecksumSHA1)
	add(checksum.SHA256, p.ChecksumSHA256)
	return sums
}
