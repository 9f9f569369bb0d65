package object

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

const (
	// MinPartNumber and MaxPartNumber bound the part numbers a multipart
	// upload accepts.
	MinPartNumber = 1
	MaxPartNumber = 10000

	// StandardMinPartSize is the 5 MiB floor S3 applies to every part but
	// the last of a completed upload. Assign it to Service.MinPartSize to
	// get strict sizing.
	StandardMinPartSize = 5 * 1024 * 1024
)

// InitiateRequest starts a multipart upload.
type InitiateRequest struct {
	Bucket            string
	Key               string
	ContentType       string
	Metadata          map[string]string
	ChecksumAlgorithm checksum.Algorithm
	Owner             *storage.Owner
}

// InitiateUpload allocates an upload ID and persists the initiation record.
// No object data is touched; the upload exists purely as multipart state
// until completed.
func (s *Service) InitiateUpload(ctx context.Context, req *InitiateRequest) (*storage.MultipartUploadInfo, error) {
	if _, err := s.backend.GetBucket(ctx, req.Bucket); err != nil {
		return nil, err
	}

	upload := &storage.MultipartUploadInfo{
		Bucket:            req.Bucket,
		Key:               req.Key,
		UploadID:          uuid.NewString(),
		Initiated:         time.Now().UTC(),
		ContentType:       req.ContentType,
		Metadata:          req.Metadata,
		ChecksumAlgorithm: req.ChecksumAlgorithm,
		Owner:             req.Owner,
	}
	if err := s.backend.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"bucket":   req.Bucket,
		"key":      req.Key,
		"uploadId": upload.UploadID,
	}).Debug("Initiated multipart upload")
	return upload, nil
}

// UploadPartRequest carries one part upload.
type UploadPartRequest struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Body       io.Reader
	Validator  *auth.ChunkValidator
	Checksums  *storage.ChecksumRequest
}

// UploadPart ingests one part. A missing initiation record does not reject
// the part; parts live independently and completion reconciles them.
func (s *Service) UploadPart(ctx context.Context, req *UploadPartRequest) (*storage.PartInfo, error) {
	if req.PartNumber < MinPartNumber || req.PartNumber > MaxPartNumber {
		return nil, s3err.ErrInvalidArgument.WithMessage(
			"part number must be an integer between %d and %d, inclusive", MinPartNumber, MaxPartNumber)
	}
	defer s.timeBackendOp("store_part", time.Now())
	return s.backend.StorePart(ctx, req.Bucket, req.Key, req.UploadID, req.PartNumber, req.Body, req.Validator, req.Checksums)
}

// CopyPartRequest sources one part of an upload from an existing object,
// optionally restricted to an inclusive byte range.
type CopyPartRequest struct {
	SrcBucket  string
	SrcKey     string
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Range      *storage.ByteRange
}

// UploadPartCopy streams the source object's bytes (or sub-range) through a
// pipe into part storage, so the part never buffers fully in memory.
func (s *Service) UploadPartCopy(ctx context.Context, req *CopyPartRequest) (*storage.PartInfo, error) {
	if req.PartNumber < MinPartNumber || req.PartNumber > MaxPartNumber {
		return nil, s3err.ErrInvalidArgument.WithMessage(
			"part number must be an integer between %d and %d, inclusive", MinPartNumber, MaxPartNumber)
	}

	pr, pw := io.Pipe()
	go func() {
		found, err := s.backend.WriteDataToStream(ctx, req.SrcBucket, req.SrcKey, pw, req.Range)
		switch {
		case err != nil:
			pw.CloseWithError(err)
		case !found:
			pw.CloseWithError(s.copySourceFault(ctx, req))
		default:
			pw.Close()
		}
	}()

	part, err := s.backend.StorePart(ctx, req.Bucket, req.Key, req.UploadID, req.PartNumber, pr, nil, nil)
	// Unblocks the producer when StorePart bailed before draining the pipe.
	pr.Close()
	if err != nil {
		return nil, err
	}
	return part, nil
}

// copySourceFault distinguishes why a copy source yielded nothing: the key
// does not exist at all, or it exists but the requested range does not fit.
func (s *Service) copySourceFault(ctx context.Context, req *CopyPartRequest) error {
	exists, err := s.backend.DataExists(ctx, req.SrcBucket, req.SrcKey)
	if err != nil {
		return err
	}
	if exists && req.Range != nil {
		return s3err.ErrInvalidRange.WithMessage(
			"the copy source range bytes=%d-%d cannot be satisfied", req.Range.Start, req.Range.End)
	}
	return s3err.ErrNoSuchKey
}

// CompletedPart is one entry of a completion request, in declared order.
type CompletedPart struct {
	PartNumber int
	ETag       string
	// Checksums optionally pins per-part checksum values; a declared value
	// that disagrees with the stored part fails the completion.
	Checksums map[checksum.Algorithm]string
}

// CompleteUpload validates the declared part list against stored state,
// assembles the final object, persists its metadata record, and tears the
// upload down. Validation order: unknown upload, part order, part match,
// part size (when a size floor is configured).
func (s *Service) CompleteUpload(ctx context.Context, bucket, key, uploadID string, declared []CompletedPart) (*storage.ObjectInfo, error) {
	stored, err := s.backend.ListParts(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, s3err.ErrNoSuchUpload
	}
	if len(declared) == 0 {
		return nil, s3err.ErrMalformedXML.WithMessage("the completion request must declare at least one part")
	}

	byNumber := make(map[int]*storage.PartInfo, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	for i, d := range declared {
		if i > 0 && d.PartNumber <= declared[i-1].PartNumber {
			return nil, s3err.ErrInvalidPartOrder
		}
		p, ok := byNumber[d.PartNumber]
		if !ok || checksum.TrimETag(d.ETag) != p.ETag {
			return nil, s3err.ErrInvalidPart.WithMessage("part %d does not exist or its entity tag does not match", d.PartNumber)
		}
		for alg, v := range d.Checksums {
			if p.Checksums[alg] != v {
				return nil, s3err.ErrInvalidPart.WithMessage("part %d: the declared %s does not match the stored part", d.PartNumber, alg.HeaderName())
			}
		}
		if s.MinPartSize > 0 && i < len(declared)-1 && p.Size < s.MinPartSize {
			return nil, s3err.ErrEntityTooSmall.WithMessage(
				"part %d is %d bytes; every part but the last must be at least %d bytes", d.PartNumber, p.Size, s.MinPartSize)
		}
	}

	sources := make([]storage.PartSource, len(declared))
	partSums := make([]map[checksum.Algorithm]string, len(declared))
	for i, d := range declared {
		p := byNumber[d.PartNumber]
		partNumber := d.PartNumber
		sources[i] = storage.PartSource{
			PartNumber: partNumber,
			ETag:       p.ETag,
			Size:       p.Size,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return s.backend.OpenPart(ctx, bucket, key, uploadID, partNumber)
			},
		}
		partSums[i] = p.Checksums
	}

	start := time.Now()
	res, err := s.backend.StoreMultipartData(ctx, bucket, key, sources)
	s.timeBackendOp("assemble_parts", start)
	if err != nil {
		return nil, err
	}

	aggregated, err := checksum.AggregateSet(partSums)
	if err != nil {
		// The stored values were produced by our own engine, so this points
		// at corrupted part records. The assembled object is still good.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"bucket":   bucket,
			"key":      key,
			"uploadId": uploadID,
		}).Warn("Skipping checksum aggregation for completed upload")
		aggregated = nil
	}

	info := &storage.ObjectInfo{
		Bucket:      bucket,
		Key:         key,
		Size:        res.Size,
		ETag:        res.ETag,
		ContentType: DefaultContentType,
		Checksums:   aggregated,
	}
	upload, err := s.backend.GetUpload(ctx, bucket, key, uploadID)
	switch {
	case err == nil:
		if upload.ContentType != "" {
			info.ContentType = upload.ContentType
		}
		info.Metadata = upload.Metadata
		info.Owner = upload.Owner
	case errors.Is(err, s3err.ErrNoSuchUpload):
		// Lost initiation record; complete with defaults.
	default:
		s.logger.WithError(err).WithField("uploadId", uploadID).Warn("Reading initiation record failed, completing with defaults")
	}

	// The multipart ETag carries the part count and cannot be recomputed
	// from the assembled bytes, so the record is written unconditionally.
	if err := s.backend.StoreMetadata(ctx, info); err != nil {
		s.rollbackData(ctx, bucket, key, err)
		return nil, s3err.ErrInternalError
	}

	if err := s.backend.DeleteParts(ctx, bucket, key, uploadID); err != nil {
		s.logger.WithError(err).WithField("uploadId", uploadID).Warn("Cleaning up parts of completed upload failed")
	}
	if _, err := s.backend.DeleteUpload(ctx, bucket, key, uploadID); err != nil {
		s.logger.WithError(err).WithField("uploadId", uploadID).Warn("Cleaning up initiation record of completed upload failed")
	}

	s.finishWrite(ctx, info)

	s.logger.WithFields(logrus.Fields{
		"bucket":   bucket,
		"key":      key,
		"uploadId": uploadID,
		"parts":    len(declared),
		"size":     info.Size,
		"etag":     info.ETag,
	}).Info("Completed multipart upload")
	return info, nil
}

// AbortUpload deletes all stored parts and the initiation record. Aborting
// an upload that does not exist, or aborting twice, succeeds.
func (s *Service) AbortUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := s.backend.DeleteParts(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	if _, err := s.backend.DeleteUpload(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"bucket":   bucket,
		"key":      key,
		"uploadId": uploadID,
	}).Debug("Aborted multipart upload")
	return nil
}

// ListUploadParts returns the upload's initiation view and its stored parts
// sorted by part number. An upload known neither by record nor by parts
// reports NoSuchUpload; a record lost under existing parts is synthesized.
func (s *Service) ListUploadParts(ctx context.Context, bucket, key, uploadID string) (*storage.MultipartUploadInfo, []*storage.PartInfo, error) {
	parts, err := s.backend.ListParts(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, nil, err
	}

	upload, err := s.backend.GetUpload(ctx, bucket, key, uploadID)
	if err != nil {
		if !errors.Is(err, s3err.ErrNoSuchUpload) {
			return nil, nil, err
		}
		if len(parts) == 0 {
			return nil, nil, s3err.ErrNoSuchUpload
		}
		upload = &storage.MultipartUploadInfo{Bucket: bucket, Key: key, UploadID: uploadID}
	}
	return upload, parts, nil
}

// ListUploads returns the bucket's in-progress uploads, optionally filtered
// to keys under prefix. Uploads whose initiation record was lost appear as
// synthesized entries.
func (s *Service) ListUploads(ctx context.Context, bucket, prefix string) ([]*storage.MultipartUploadInfo, error) {
	uploads, err := s.backend.ListUploads(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return uploads, nil
	}
	filtered := uploads[:0]
	for _, u := range uploads {
		if strings.HasPrefix(u.Key, prefix) {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}
