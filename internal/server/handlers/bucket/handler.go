// Package bucket handles the bucket-level S3 API operations: bucket
// lifecycle, location, tagging, object listings and bulk delete.
package bucket

import (
	"encoding/xml"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lamina-storage/lamina/internal/auth"
	buckets "github.com/lamina-storage/lamina/internal/bucket"
	objects "github.com/lamina-storage/lamina/internal/object"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/server/middleware"
	"github.com/lamina-storage/lamina/internal/server/request"
	"github.com/lamina-storage/lamina/internal/server/response"
	"github.com/lamina-storage/lamina/internal/storage"
)

// defaultMaxKeys is the listing page size when the client does not ask for
// one, matching S3.
const defaultMaxKeys = 1000

// maxBulkDeleteKeys caps a single DeleteObjects request, matching S3.
const maxBulkDeleteKeys = 1000

// bulkDeleteConcurrency bounds the parallel deletions of one bulk request.
const bulkDeleteConcurrency = 8

// Handler handles bucket-level requests
type Handler struct {
	registry *buckets.Registry
	objects  *objects.Service
	region   string
	logger   *logrus.Entry
	xml      *response.XMLWriter
	errors   *response.ErrorWriter
}

// NewHandler creates a new bucket handler
func NewHandler(registry *buckets.Registry, objects *objects.Service, region string, xmlWriter *response.XMLWriter, errorWriter *response.ErrorWriter, logger *logrus.Entry) *Handler {
	return &Handler{
		registry: registry,
		objects:  objects,
		region:   region,
		logger:   logger,
		xml:      xmlWriter,
		errors:   errorWriter,
	}
}

// ListBuckets handles GET /. With authentication enabled the listing only
// shows buckets the principal may list.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	infos, err := h.registry.List(r.Context())
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	ra := middleware.RequestAuthFrom(r.Context())
	out := response.ListAllMyBucketsResult{}
	if ra != nil && ra.Principal != nil {
		out.Owner = &response.Owner{ID: ra.Principal.AccessKeyID, DisplayName: ra.Principal.DisplayName}
	}
	for _, info := range infos {
		if ra != nil && ra.Principal != nil && !ra.Principal.Allowed(info.Name, auth.PermissionList) {
			continue
		}
		out.Buckets.Bucket = append(out.Buckets.Bucket, response.Bucket{
			Name:         info.Name,
			CreationDate: response.FormatTime(info.CreationDate),
		})
	}

	h.xml.Write(w, http.StatusOK, out)
}

// Create handles PUT /{bucket}. The bucket type and storage class come from
// the x-amz-bucket-type and x-amz-storage-class headers, falling back to the
// configured defaults.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	req := &buckets.CreateRequest{
		Name:         name,
		StorageClass: r.Header.Get("x-amz-storage-class"),
	}
	if v := r.Header.Get("x-amz-bucket-type"); v != "" {
		bt, ok := storage.ParseBucketType(v)
		if !ok {
			h.errors.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("unknown bucket type: %s", v))
			return
		}
		req.Type = bt
	}

	info, err := h.registry.Create(r.Context(), req)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	w.Header().Set("Location", "/"+info.Name)
	w.WriteHeader(http.StatusOK)
}

// Head handles HEAD /{bucket}.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionRead); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	if _, err := h.registry.Get(r.Context(), name); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /{bucket}. A force=true query parameter empties the
// bucket first instead of failing with BucketNotEmpty.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionDelete); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	if err := h.registry.Delete(r.Context(), name, force); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLocation handles GET /{bucket}?location. The constraint is empty for
// the default region, matching S3's historical behavior.
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionRead); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	if _, err := h.registry.Get(r.Context(), name); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	location := h.region
	if location == "us-east-1" {
		location = ""
	}
	h.xml.Write(w, http.StatusOK, response.LocationConstraint{Location: location})
}

// GetTagging handles GET /{bucket}?tagging. A bucket without tags yields an
// empty TagSet.
func (h *Handler) GetTagging(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionRead); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	tags, err := h.registry.GetTags(r.Context(), name)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := response.Tagging{}
	for _, k := range keys {
		out.TagSet.Tag = append(out.TagSet.Tag, response.Tag{Key: k, Value: tags[k]})
	}
	h.xml.Write(w, http.StatusOK, out)
}

// PutTagging handles PUT /{bucket}?tagging, replacing the full tag set.
func (h *Handler) PutTagging(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionWrite); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	var doc response.Tagging
	if err := xml.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.errors.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}

	tags := make(map[string]string, len(doc.TagSet.Tag))
	for _, tag := range doc.TagSet.Tag {
		if tag.Key == "" {
			h.errors.WriteError(w, r, s3err.ErrInvalidArgument.WithMessage("tag keys must not be empty"))
			return
		}
		tags[tag.Key] = tag.Value
	}

	if err := h.registry.SetTags(r.Context(), name, tags); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteTagging handles DELETE /{bucket}?tagging.
func (h *Handler) DeleteTagging(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionDelete); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	if err := h.registry.DeleteTags(r.Context(), name); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListObjects handles GET /{bucket} without list-type, the v1 listing.
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionList); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	maxKeys, err := request.ParseMaxKeys(q.Get("max-keys"))
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	resp, err := h.objects.ListObjects(r.Context(), &objects.ListRequest{
		Bucket:     name,
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: q.Get("marker"),
		MaxKeys:    maxKeys,
	})
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	out := response.ListBucketResult{
		Name:        name,
		Prefix:      q.Get("prefix"),
		Marker:      q.Get("marker"),
		Delimiter:   q.Get("delimiter"),
		MaxKeys:     effectiveMaxKeys(maxKeys),
		IsTruncated: resp.IsTruncated,
	}
	if resp.IsTruncated {
		out.NextMarker = resp.NextToken
	}
	out.Contents = contentsOf(resp)
	out.CommonPrefixes = prefixesOf(resp)

	h.xml.Write(w, http.StatusOK, out)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2. The continuation token is
// the last key of the previous page; continuation-token wins over
// start-after when both are present.
func (h *Handler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionList); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	maxKeys, err := request.ParseMaxKeys(q.Get("max-keys"))
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	after := q.Get("start-after")
	if token := q.Get("continuation-token"); token != "" {
		after = token
	}

	resp, err := h.objects.ListObjects(r.Context(), &objects.ListRequest{
		Bucket:     name,
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: after,
		MaxKeys:    maxKeys,
	})
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	out := response.ListBucketResultV2{
		Name:              name,
		Prefix:            q.Get("prefix"),
		StartAfter:        q.Get("start-after"),
		ContinuationToken: q.Get("continuation-token"),
		Delimiter:         q.Get("delimiter"),
		MaxKeys:           effectiveMaxKeys(maxKeys),
		IsTruncated:       resp.IsTruncated,
	}
	if resp.IsTruncated {
		out.NextContinuationToken = resp.NextToken
	}
	out.Contents = contentsOf(resp)
	out.CommonPrefixes = prefixesOf(resp)
	out.KeyCount = len(out.Contents) + len(out.CommonPrefixes)

	h.xml.Write(w, http.StatusOK, out)
}

// DeleteObjects handles POST /{bucket}?delete, the bulk delete operation.
// Deletions run concurrently; per-key failures are reported in the response
// body instead of failing the request.
func (h *Handler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["bucket"]
	if err := middleware.Authorize(r, name, auth.PermissionDelete); err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	var del deleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&del); err != nil {
		h.errors.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}
	if len(del.Objects) == 0 || len(del.Objects) > maxBulkDeleteKeys {
		h.errors.WriteError(w, r, s3err.ErrMalformedXML)
		return
	}

	results := make([]error, len(del.Objects))
	var g errgroup.Group
	g.SetLimit(bulkDeleteConcurrency)
	for i, obj := range del.Objects {
		g.Go(func() error {
			_, err := h.objects.DeleteObject(r.Context(), name, obj.Key)
			results[i] = err
			return nil
		})
	}
	// Workers never return errors; failures land in results.
	_ = g.Wait()

	out := response.DeleteResult{}
	failed := 0
	for i, obj := range del.Objects {
		if err := results[i]; err != nil {
			failed++
			s3Err := s3err.From(err)
			out.Error = append(out.Error, response.DeleteError{
				Key:     obj.Key,
				Code:    s3Err.Code,
				Message: s3Err.Message,
			})
			continue
		}
		if !del.Quiet {
			out.Deleted = append(out.Deleted, response.DeletedObject{Key: obj.Key})
		}
	}
	if failed > 0 {
		// Per-key failures travel in the 200 response body, so this is the
		// only place they reach the log.
		h.logger.WithFields(logrus.Fields{
			"bucket": name,
			"keys":   len(del.Objects),
			"failed": failed,
		}).Warn("Bulk delete finished with failures")
	}

	h.xml.Write(w, http.StatusOK, out)
}

// deleteRequest is the DeleteObjects request body.
type deleteRequest struct {
	XMLName xml.Name       `xml:"Delete"`
	Quiet   bool           `xml:"Quiet"`
	Objects []deleteObject `xml:"Object"`
}

type deleteObject struct {
	Key string `xml:"Key"`
}

func effectiveMaxKeys(requested int) int {
	if requested == 0 {
		return defaultMaxKeys
	}
	return requested
}

func contentsOf(resp *objects.ListResponse) []response.Object {
	out := make([]response.Object, 0, len(resp.Objects))
	for _, info := range resp.Objects {
		out = append(out, response.Object{
			Key:          info.Key,
			LastModified: response.FormatTime(info.LastModified),
			ETag:         response.Quote(info.ETag),
			Size:         info.Size,
			StorageClass: resp.Bucket.StorageClass,
			Owner:        response.OwnerOf(info.Owner),
		})
	}
	return out
}

func prefixesOf(resp *objects.ListResponse) []response.CommonPrefix {
	out := make([]response.CommonPrefix, 0, len(resp.CommonPrefixes))
	for _, p := range resp.CommonPrefixes {
		out = append(out, response.CommonPrefix{Prefix: p})
	}
	return out
}
