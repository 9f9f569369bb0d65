// Package response renders S3 XML response envelopes and error bodies.
package response

import (
	"encoding/xml"
	"time"

	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/storage"
)

// ISO 8601 with millisecond precision, the timestamp form S3 XML bodies use.
const timeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t the way S3 XML timestamps are written.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// Quote wraps an ETag value in the double quotes the wire format requires.
func Quote(etag string) string {
	return `"` + etag + `"`
}

// Owner identifies a bucket or object owner in XML responses.
type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName,omitempty"`
}

// OwnerOf converts a stored owner to its XML form, nil for anonymous
// objects.
func OwnerOf(o *storage.Owner) *Owner {
	if o == nil {
		return nil
	}
	return &Owner{ID: o.ID, DisplayName: o.DisplayName}
}

// Bucket is one entry of a ListBuckets response.
type Bucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

// Buckets wraps the bucket list of a ListBuckets response.
type Buckets struct {
	Bucket []Bucket `xml:"Bucket"`
}

// ListAllMyBucketsResult is the ListBuckets response envelope.
type ListAllMyBucketsResult struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListAllMyBucketsResult"`
	Owner   *Owner   `xml:"Owner,omitempty"`
	Buckets Buckets  `xml:"Buckets"`
}

// Object is one Contents entry of a bucket listing.
type Object struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass,omitempty"`
	Owner        *Owner `xml:"Owner,omitempty"`
}

// CommonPrefix is one rolled-up prefix of a delimiter listing.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// ListBucketResult is the ListObjects (v1) response envelope.
type ListBucketResult struct {
	XMLName        xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []Object       `xml:"Contents"`
	CommonPrefixes []CommonPrefix `xml:"CommonPrefixes"`
}

// ListBucketResultV2 is the ListObjectsV2 response envelope.
type ListBucketResultV2 struct {
	XMLName               xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	StartAfter            string         `xml:"StartAfter,omitempty"`
	ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
	Delimiter             string         `xml:"Delimiter,omitempty"`
	KeyCount              int            `xml:"KeyCount"`
	MaxKeys               int            `xml:"MaxKeys"`
	IsTruncated           bool           `xml:"IsTruncated"`
	Contents              []Object       `xml:"Contents"`
	CommonPrefixes        []CommonPrefix `xml:"CommonPrefixes"`
}

// ChecksumValues carries the optional per-algorithm checksum elements shared
// by part and completion envelopes.
type ChecksumValues struct {
	ChecksumCRC32     string `xml:"ChecksumCRC32,omitempty"`
	ChecksumCRC32C    string `xml:"ChecksumCRC32C,omitempty"`
	ChecksumCRC64NVME string `xml:"ChecksumCRC64NVME,omitempty"`
	ChecksumSHA1      string `xml:"ChecksumSHA1,omitempty"`
	ChecksumSHA256    string `xml:"ChecksumSHA256,omitempty"`
}

// ChecksumValuesFrom spreads a checksum map onto its XML elements.
func ChecksumValuesFrom(sums map[checksum.Algorithm]string) ChecksumValues {
	return ChecksumValues{
		ChecksumCRC32:     sums[checksum.CRC32],
		ChecksumCRC32C:    sums[checksum.CRC32C],
		ChecksumCRC64NVME: sums[checksum.CRC64NVME],
		ChecksumSHA1:      sums[checksum.SHA1],
		ChecksumSHA256:    sums[checksum.SHA256],
	}
}

// InitiateMultipartUploadResult is the CreateMultipartUpload response.
type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// CompleteMultipartUploadResult is the successful completion response.
type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
	ChecksumValues
}

// CopyObjectResult is the CopyObject response envelope.
type CopyObjectResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CopyObjectResult"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
}

// CopyPartResult is the UploadPartCopy response envelope.
type CopyPartResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CopyPartResult"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
	ChecksumValues
}

// Part is one entry of a ListParts response.
type Part struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	ChecksumValues
}

// ListPartsResult is the ListParts response envelope.
type ListPartsResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListPartsResult"`
	Bucket       string   `xml:"Bucket"`
	Key          string   `xml:"Key"`
	UploadID     string   `xml:"UploadId"`
	StorageClass string   `xml:"StorageClass,omitempty"`
	Owner        *Owner   `xml:"Owner,omitempty"`
	IsTruncated  bool     `xml:"IsTruncated"`
	Part         []Part   `xml:"Part"`
}

// Upload is one entry of a ListMultipartUploads response.
type Upload struct {
	Key          string `xml:"Key"`
	UploadID     string `xml:"UploadId"`
	Initiated    string `xml:"Initiated"`
	StorageClass string `xml:"StorageClass,omitempty"`
	Owner        *Owner `xml:"Owner,omitempty"`
}

// ListMultipartUploadsResult is the ListMultipartUploads response envelope.
type ListMultipartUploadsResult struct {
	XMLName     xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListMultipartUploadsResult"`
	Bucket      string   `xml:"Bucket"`
	Prefix      string   `xml:"Prefix,omitempty"`
	IsTruncated bool     `xml:"IsTruncated"`
	Upload      []Upload `xml:"Upload"`
}

// DeletedObject is one successful entry of a DeleteObjects response.
type DeletedObject struct {
	Key string `xml:"Key"`
}

// DeleteError is one failed entry of a DeleteObjects response.
type DeleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// DeleteResult is the DeleteObjects response envelope.
type DeleteResult struct {
	XMLName xml.Name        `xml:"http://s3.amazonaws.com/doc/2006-03-01/ DeleteResult"`
	Deleted []DeletedObject `xml:"Deleted"`
	Error   []DeleteError   `xml:"Error"`
}

// LocationConstraint is the GetBucketLocation response. The value is empty
// for the default region, matching S3's historical quirk.
type LocationConstraint struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ LocationConstraint"`
	Location string   `xml:",chardata"`
}

// Tag is one bucket tag.
type Tag struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

// TagSet wraps the tag list of a Tagging document.
type TagSet struct {
	Tag []Tag `xml:"Tag"`
}

// Tagging is the bucket tagging document, used for both requests and
// responses.
type Tagging struct {
	XMLName xml.Name `xml:"Tagging"`
	TagSet  TagSet   `xml:"TagSet"`
}
