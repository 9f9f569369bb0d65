// Package storage defines the contracts between the object layer and the
// pluggable persistence backends: the data, metadata, multipart, and bucket
// stores, plus the shared streaming-ingest and listing building blocks every
// backend reuses.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/lamina-storage/lamina/internal/checksum"
)

// BucketType selects the listing semantics of a bucket. GeneralPurpose
// buckets list keys in code-point order; Directory buckets list in insertion
// order and restrict delimiter use.
type BucketType string

const (
	BucketTypeGeneralPurpose BucketType = "GeneralPurpose"
	BucketTypeDirectory      BucketType = "Directory"
)

// ParseBucketType maps a wire value to a BucketType, defaulting to
// GeneralPurpose for empty input.
func ParseBucketType(s string) (BucketType, bool) {
	switch s {
	case "", string(BucketTypeGeneralPurpose):
		return BucketTypeGeneralPurpose, true
	case string(BucketTypeDirectory):
		return BucketTypeDirectory, true
	}
	return "", false
}

// Owner identifies the principal that created an object or upload.
type Owner struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// BucketInfo is the registry record for one bucket.
type BucketInfo struct {
	Name         string            `json:"name"`
	CreationDate time.Time         `json:"creationDate"`
	Type         BucketType        `json:"type"`
	StorageClass string            `json:"storageClass,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// ObjectInfo is the full metadata view of an object, either persisted by the
// metadata store or synthesized from the data store.
type ObjectInfo struct {
	Bucket       string                          `json:"bucket"`
	Key          string                          `json:"key"`
	Size         int64                           `json:"size"`
	LastModified time.Time                       `json:"lastModified"`
	ETag         string                          `json:"etag"`
	ContentType  string                          `json:"contentType"`
	Metadata     map[string]string               `json:"metadata,omitempty"`
	Owner        *Owner                          `json:"owner,omitempty"`
	Checksums    map[checksum.Algorithm]string   `json:"checksums,omitempty"`
}

// DataInfo describes stored object bytes without touching metadata.
type DataInfo struct {
	Size         int64
	LastModified time.Time
}

// StoreResult is what an ingest reports back: decoded byte count, the
// computed ETag, and every checksum the caller asked for.
type StoreResult struct {
	Size      int64
	ETag      string
	Checksums map[checksum.Algorithm]string
}

// ChecksumRequest carries the caller's checksum intent into an ingest:
// algorithms to compute, and declared values to validate the stream against.
type ChecksumRequest struct {
	Algorithms []checksum.Algorithm
	Expected   map[checksum.Algorithm]string
}

// MultipartUploadInfo is the initiation record of an in-progress upload.
type MultipartUploadInfo struct {
	Bucket            string             `json:"bucket"`
	Key               string             `json:"key"`
	UploadID          string             `json:"uploadId"`
	Initiated         time.Time          `json:"initiated"`
	ContentType       string             `json:"contentType,omitempty"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
	ChecksumAlgorithm checksum.Algorithm `json:"checksumAlgorithm,omitempty"`
	Owner             *Owner             `json:"owner,omitempty"`
}

// PartInfo describes one stored part of a multipart upload.
type PartInfo struct {
	PartNumber   int                           `json:"partNumber"`
	Size         int64                         `json:"size"`
	ETag         string                        `json:"etag"`
	LastModified time.Time                     `json:"lastModified"`
	Checksums    map[checksum.Algorithm]string `json:"checksums,omitempty"`
}

// PartSource feeds StoreMultipartData one part: the recorded ETag for the
// aggregate ETag computation and an opener for the part's bytes.
type PartSource struct {
	PartNumber int
	ETag       string
	Size       int64
	Open       func(ctx context.Context) (io.ReadCloser, error)
}

// ByteRange is an inclusive byte range within an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Valid reports whether the range addresses bytes that exist in an object of
// the given size.
func (r ByteRange) Valid(size int64) bool {
	return r.Start >= 0 && r.Start <= r.End && r.End < size
}

// Length is the number of bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ListOptions parameterizes a key listing.
type ListOptions struct {
	Prefix     string
	Delimiter  string
	StartAfter string
	MaxKeys    int
}

// ListResult is one page of a key listing. NextToken is the last yielded
// item and resumes the listing when passed back as StartAfter.
type ListResult struct {
	Keys           []string
	CommonPrefixes []string
	IsTruncated    bool
	NextToken      string
}
