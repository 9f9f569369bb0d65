package storage

import (
	"context"
	"io"

	"github.com/lamina-storage/lamina/internal/auth"
)

// DataStore persists raw object bytes. Data existence is the source of truth
// for object existence; every method that names a missing bucket returns
// s3err.ErrNoSuchBucket and a missing object s3err.ErrNoSuchKey unless the
// contract below says otherwise.
type DataStore interface {
	// StoreData streams r into (bucket, key), de-framing through validator
	// when non-nil and running every byte through the checksum engine. On any
	// error no partial data survives. A declared checksum that disagrees with
	// the computed value fails with ErrInvalidChecksum.
	StoreData(ctx context.Context, bucket, key string, r io.Reader, validator *auth.ChunkValidator, req *ChecksumRequest) (*StoreResult, error)

	// StoreMultipartData concatenates the part sources in order into
	// (bucket, key) without buffering the whole object. The resulting ETag is
	// the multipart form derived from the part ETags.
	StoreMultipartData(ctx context.Context, bucket, key string, parts []PartSource) (*StoreResult, error)

	// WriteDataToStream writes the object bytes, or the inclusive range when
	// rng is non-nil, to w. It returns (false, nil) without writing anything
	// when the object is missing or the range does not fit the object.
	WriteDataToStream(ctx context.Context, bucket, key string, w io.Writer, rng *ByteRange) (bool, error)

	// DataExists reports whether bytes are stored under (bucket, key).
	DataExists(ctx context.Context, bucket, key string) (bool, error)

	// GetDataInfo returns size and last-modified of the stored bytes.
	GetDataInfo(ctx context.Context, bucket, key string) (*DataInfo, error)

	// DeleteData removes the stored bytes, reporting whether anything was
	// removed. Missing data is not an error.
	DeleteData(ctx context.Context, bucket, key string) (bool, error)

	// CopyData duplicates src onto dst. The returned ETag must equal what
	// re-ingesting the bytes would produce.
	CopyData(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*StoreResult, error)

	// ComputeETag hashes the stored bytes into the single-part ETag form.
	ComputeETag(ctx context.Context, bucket, key string) (string, error)

	// ListDataKeys lists keys per the §4.7 algorithm: prefix and startAfter
	// filtering, delimiter rollup, maxKeys pagination, ordering decided by
	// bucketType.
	ListDataKeys(ctx context.Context, bucket string, bucketType BucketType, opts ListOptions) (*ListResult, error)
}

// MetadataStore persists optional per-object metadata. Its lifetime is
// independent of the data store's; absence is never an error on read paths
// above this interface, but GetMetadata itself reports ErrNoSuchKey so
// callers can distinguish absent from failed.
type MetadataStore interface {
	StoreMetadata(ctx context.Context, obj *ObjectInfo) error
	GetMetadata(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	// DeleteMetadata reports whether a record was removed; missing metadata
	// is not an error.
	DeleteMetadata(ctx context.Context, bucket, key string) (bool, error)
}

// MultipartStore persists upload records and part payloads. Parts live
// independently of the upload record: a part upload never fails because the
// record is missing, and ListUploads synthesizes records for uploads that
// only exist as parts.
type MultipartStore interface {
	CreateUpload(ctx context.Context, upload *MultipartUploadInfo) error

	// GetUpload returns the initiation record, or ErrNoSuchUpload when none
	// was stored.
	GetUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadInfo, error)

	// ListUploads returns every in-progress upload in the bucket, including
	// synthesized records for uploads whose initiation metadata was lost.
	ListUploads(ctx context.Context, bucket string) ([]*MultipartUploadInfo, error)

	// DeleteUpload removes the initiation record only; idempotent.
	DeleteUpload(ctx context.Context, bucket, key, uploadID string) (bool, error)

	// StorePart ingests one part like DataStore.StoreData does objects.
	StorePart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, validator *auth.ChunkValidator, req *ChecksumRequest) (*PartInfo, error)

	// ListParts returns stored parts sorted by part number. An upload with no
	// parts yields an empty slice, not an error.
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]*PartInfo, error)

	// OpenPart streams one stored part's bytes.
	OpenPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (io.ReadCloser, error)

	// DeleteParts removes all stored parts of an upload; idempotent.
	DeleteParts(ctx context.Context, bucket, key, uploadID string) error
}

// BucketStore persists the bucket registry.
type BucketStore interface {
	// CreateBucket fails with ErrBucketAlreadyExists when the name is taken;
	// bucket names are globally unique.
	CreateBucket(ctx context.Context, info *BucketInfo) error
	GetBucket(ctx context.Context, name string) (*BucketInfo, error)
	// ListBuckets returns all buckets sorted by name.
	ListBuckets(ctx context.Context) ([]*BucketInfo, error)
	DeleteBucket(ctx context.Context, name string) error
	UpdateBucketTags(ctx context.Context, name string, tags map[string]string) error
}

// Backend bundles the four stores one storage engine provides.
type Backend interface {
	DataStore
	MetadataStore
	MultipartStore
	BucketStore

	io.Closer
}
