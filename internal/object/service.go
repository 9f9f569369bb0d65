// Package object implements the data-first object semantics on top of a
// storage backend. Stored bytes are the source of truth for object
// existence; metadata is an optional overlay that is persisted only when it
// carries information inference cannot reproduce, and synthesized on demand
// otherwise. The package also runs the multipart upload state machine and
// the listing engine.
package object

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/monitoring"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
	"github.com/lamina-storage/lamina/internal/storage/cache"
)

// Metadata directives for CopyObject, mirroring x-amz-metadata-directive.
const (
	DirectiveCopy    = "COPY"
	DirectiveReplace = "REPLACE"
)

// Service coordinates the data, metadata, multipart and bucket stores of one
// backend into S3 object semantics. All methods are safe for concurrent use;
// consistency under concurrent writers is whatever the backend provides.
type Service struct {
	backend storage.Backend
	cache   *cache.Cache
	logger  *logrus.Entry

	// MinPartSize rejects completion of uploads whose non-final parts fall
	// below this many bytes. Zero disables the floor, which keeps tiny-part
	// test uploads working. Set before serving requests.
	MinPartSize int64

	// BackendLabel names the backend in duration metrics. Empty disables
	// backend timing. Set before serving requests.
	BackendLabel string
}

// NewService wires a Service over the given backend. metaCache may be nil to
// disable the metadata cache.
func NewService(backend storage.Backend, metaCache *cache.Cache, logger *logrus.Logger) *Service {
	return &Service{
		backend: backend,
		cache:   metaCache,
		logger:  logger.WithField("component", "object-service"),
	}
}

// PutRequest carries one single-part upload.
type PutRequest struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Validator   *auth.ChunkValidator
	ContentType string // explicit Content-Type header, empty when absent
	Metadata    map[string]string
	Owner       *storage.Owner
	Checksums   *storage.ChecksumRequest
}

// PutObject streams the request body into the data store and decides whether
// the upload needs a metadata record. When it does and the record cannot be
// written, the freshly stored data is rolled back so no half-described
// object survives.
func (s *Service) PutObject(ctx context.Context, req *PutRequest) (*storage.ObjectInfo, error) {
	start := time.Now()
	res, err := s.backend.StoreData(ctx, req.Bucket, req.Key, req.Body, req.Validator, req.Checksums)
	s.timeBackendOp("store_data", start)
	if err != nil {
		return nil, err
	}

	info := &storage.ObjectInfo{
		Bucket:    req.Bucket,
		Key:       req.Key,
		Size:      res.Size,
		ETag:      res.ETag,
		Metadata:  req.Metadata,
		Owner:     req.Owner,
		Checksums: res.Checksums,
	}

	if ShouldStoreMetadata(req.Key, req.ContentType, req.Metadata) {
		info.ContentType = req.ContentType
		if info.ContentType == "" {
			info.ContentType = InferContentType(req.Key)
		}
		if err := s.backend.StoreMetadata(ctx, info); err != nil {
			s.rollbackData(ctx, req.Bucket, req.Key, err)
			return nil, s3err.ErrInternalError
		}
	} else {
		// The new object is fully described by inference. A metadata record
		// from a previous write under this key would shadow it, so drop it.
		info.ContentType = InferContentType(req.Key)
		info.Metadata = nil
		if _, err := s.backend.DeleteMetadata(ctx, req.Bucket, req.Key); err != nil {
			s.rollbackData(ctx, req.Bucket, req.Key, err)
			return nil, s3err.ErrInternalError
		}
	}

	s.finishWrite(ctx, info)

	s.logger.WithFields(logrus.Fields{
		"bucket": req.Bucket,
		"key":    req.Key,
		"size":   info.Size,
		"etag":   info.ETag,
	}).Debug("Stored object")
	return info, nil
}

// GetObjectInfo resolves the full metadata view of an object. Data existence
// decides object existence; the stored metadata record contributes the ETag,
// content type, user metadata, owner and checksums when present, and is
// synthesized from the data otherwise. Size and last-modified always come
// from the data store.
func (s *Service) GetObjectInfo(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	di, err := s.backend.GetDataInfo(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if info, ok := s.cache.Get(bucket, key, di.LastModified); ok {
			monitoring.RecordCacheLookup(true)
			return info, nil
		}
		monitoring.RecordCacheLookup(false)
	}

	info, err := s.backend.GetMetadata(ctx, bucket, key)
	switch {
	case err == nil:
		info.Size = di.Size
		info.LastModified = di.LastModified
	case errors.Is(err, s3err.ErrNoSuchKey):
		etag, cerr := s.backend.ComputeETag(ctx, bucket, key)
		if cerr != nil {
			return nil, cerr
		}
		info = &storage.ObjectInfo{
			Bucket:       bucket,
			Key:          key,
			Size:         di.Size,
			LastModified: di.LastModified,
			ETag:         etag,
			ContentType:  InferContentType(key),
		}
	default:
		return nil, err
	}

	if s.cache != nil {
		s.cache.Put(info, di.LastModified)
	}
	return info, nil
}

// StreamObject writes the object bytes, or the inclusive byte range when rng
// is non-nil, to w. It reports (false, nil) when the object is missing or
// the range does not fit.
func (s *Service) StreamObject(ctx context.Context, bucket, key string, w io.Writer, rng *storage.ByteRange) (bool, error) {
	defer s.timeBackendOp("read_data", time.Now())
	return s.backend.WriteDataToStream(ctx, bucket, key, w, rng)
}

// DeleteObject removes the object's data and metadata. It reports true when
// either store actually removed something, so deleting a metadata-only
// leftover still counts.
func (s *Service) DeleteObject(ctx context.Context, bucket, key string) (bool, error) {
	dataRemoved, dataErr := s.backend.DeleteData(ctx, bucket, key)
	metaRemoved, metaErr := s.backend.DeleteMetadata(ctx, bucket, key)
	if s.cache != nil {
		s.cache.Invalidate(bucket, key)
	}

	if dataErr != nil {
		return false, dataErr
	}
	if metaErr != nil {
		if !dataRemoved {
			return false, metaErr
		}
		// The bytes are gone, so the delete stands; the stale record is
		// harmless because data existence gates every read.
		s.logger.WithError(metaErr).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Warn("Object data deleted but metadata cleanup failed")
	}
	return dataRemoved || metaRemoved, nil
}

// CopyRequest carries one server-side copy.
type CopyRequest struct {
	SrcBucket string
	SrcKey    string
	DstBucket string
	DstKey    string

	// Directive selects COPY (default: reuse the source's content type, user
	// metadata, owner and checksums) or REPLACE (substitute the values below).
	Directive   string
	ContentType string
	Metadata    map[string]string
	Owner       *storage.Owner
}

// CopyObject duplicates the source object's bytes onto the destination and
// applies the metadata directive. The destination goes through the same
// store-or-synthesize decision as a fresh PUT.
func (s *Service) CopyObject(ctx context.Context, req *CopyRequest) (*storage.ObjectInfo, error) {
	src, err := s.GetObjectInfo(ctx, req.SrcBucket, req.SrcKey)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.backend.CopyData(ctx, req.SrcBucket, req.SrcKey, req.DstBucket, req.DstKey)
	s.timeBackendOp("copy_data", start)
	if err != nil {
		return nil, err
	}

	info := &storage.ObjectInfo{
		Bucket: req.DstBucket,
		Key:    req.DstKey,
		Size:   res.Size,
		ETag:   res.ETag,
	}
	if req.Directive == DirectiveReplace {
		info.ContentType = req.ContentType
		info.Metadata = req.Metadata
		info.Owner = req.Owner
	} else {
		info.ContentType = src.ContentType
		info.Metadata = src.Metadata
		info.Owner = src.Owner
		info.Checksums = src.Checksums
	}

	if ShouldStoreMetadata(req.DstKey, info.ContentType, info.Metadata) {
		if info.ContentType == "" {
			info.ContentType = InferContentType(req.DstKey)
		}
		if err := s.backend.StoreMetadata(ctx, info); err != nil {
			s.rollbackData(ctx, req.DstBucket, req.DstKey, err)
			return nil, s3err.ErrInternalError
		}
	} else {
		info.ContentType = InferContentType(req.DstKey)
		info.Metadata = nil
		if _, err := s.backend.DeleteMetadata(ctx, req.DstBucket, req.DstKey); err != nil {
			s.rollbackData(ctx, req.DstBucket, req.DstKey, err)
			return nil, s3err.ErrInternalError
		}
	}

	s.finishWrite(ctx, info)

	s.logger.WithFields(logrus.Fields{
		"source":      req.SrcBucket + "/" + req.SrcKey,
		"destination": req.DstBucket + "/" + req.DstKey,
		"directive":   req.Directive,
	}).Debug("Copied object")
	return info, nil
}

// timeBackendOp records the duration of one backend data operation.
func (s *Service) timeBackendOp(op string, start time.Time) {
	if s.BackendLabel != "" {
		monitoring.RecordBackendOperation(s.BackendLabel, op, time.Since(start))
	}
}

// rollbackData undoes a data write whose metadata step failed. A rollback
// failure is logged and otherwise swallowed; the caller already reports an
// internal error.
func (s *Service) rollbackData(ctx context.Context, bucket, key string, cause error) {
	s.logger.WithError(cause).WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
	}).Error("Metadata write failed, rolling back object data")
	if _, err := s.backend.DeleteData(ctx, bucket, key); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"bucket": bucket,
			"key":    key,
		}).Error("Rollback of object data failed")
	}
	if s.cache != nil {
		s.cache.Invalidate(bucket, key)
	}
}

// finishWrite stamps the view with the data store's authoritative
// last-modified and write-throughs the cache.
func (s *Service) finishWrite(ctx context.Context, info *storage.ObjectInfo) {
	di, err := s.backend.GetDataInfo(ctx, info.Bucket, info.Key)
	if err != nil {
		// Unexpected immediately after a successful write; serve a best
		// effort timestamp and leave the cache alone.
		info.LastModified = time.Now().UTC()
		return
	}
	info.LastModified = di.LastModified
	if s.cache != nil {
		s.cache.Put(info, di.LastModified)
	}
}
