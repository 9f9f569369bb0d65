package object

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

func mustInitiate(t *testing.T, s *Service, req *InitiateRequest) *storage.MultipartUploadInfo {
	t.Helper()
	upload, err := s.InitiateUpload(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, upload.UploadID)
	return upload
}

func mustUploadPart(t *testing.T, s *Service, bucket, key, uploadID string, n int, body string) *storage.PartInfo {
	t.Helper()
	part, err := s.UploadPart(context.Background(), &UploadPartRequest{
		Bucket:     bucket,
		Key:        key,
		UploadID:   uploadID,
		PartNumber: n,
		Body:       strings.NewReader(body),
	})
	require.NoError(t, err)
	return part
}

func TestInitiateUploadRequiresBucket(t *testing.T) {
	s := testService(t)
	_, err := s.InitiateUpload(context.Background(), &InitiateRequest{Bucket: "absent", Key: "k"})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
}

func TestUploadPartNumberBounds(t *testing.T) {
	s := testService(t)
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)
	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "k"})

	for _, n := range []int{0, -3, 10001} {
		_, err := s.UploadPart(context.Background(), &UploadPartRequest{
			Bucket:     "mp",
			Key:        "k",
			UploadID:   upload.UploadID,
			PartNumber: n,
			Body:       strings.NewReader("x"),
		})
		assert.ErrorIs(t, err, s3err.ErrInvalidArgument, "part number %d", n)
	}
}

func TestUploadPartWithoutInitiationRecord(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	// Parts live independently of the initiation record.
	part := mustUploadPart(t, s, "mp", "ghost.bin", "never-initiated", 1, "ghost part")
	assert.Equal(t, sha256Hex("ghost part"), part.ETag)

	upload, parts, err := s.ListUploadParts(ctx, "mp", "ghost.bin", "never-initiated")
	require.NoError(t, err)
	assert.Equal(t, "ghost.bin", upload.Key)
	assert.Zero(t, upload.Initiated)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].PartNumber)
}

func TestCompleteTwoParts(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	upload := mustInitiate(t, s, &InitiateRequest{
		Bucket:      "mp",
		Key:         "assembled.bin",
		ContentType: "application/x-test",
		Metadata:    map[string]string{"job": "42"},
	})
	p1 := mustUploadPart(t, s, "mp", "assembled.bin", upload.UploadID, 1, "part1 data")
	p2 := mustUploadPart(t, s, "mp", "assembled.bin", upload.UploadID, 2, "part2 data")

	info, err := s.CompleteUpload(ctx, "mp", "assembled.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: `"` + p2.ETag + `"`}, // quoted form must match too
	})
	require.NoError(t, err)

	wantETag, err := checksum.MultipartETag([]string{p1.ETag, p2.ETag})
	require.NoError(t, err)
	assert.Equal(t, wantETag, info.ETag)
	assert.True(t, strings.HasSuffix(info.ETag, "-2"))
	assert.Equal(t, int64(len("part1 datapart2 data")), info.Size)
	assert.Equal(t, "application/x-test", info.ContentType)
	assert.Equal(t, map[string]string{"job": "42"}, info.Metadata)

	var buf bytes.Buffer
	found, err := s.StreamObject(ctx, "mp", "assembled.bin", &buf, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "part1 datapart2 data", buf.String())

	// The upload is gone once completed.
	_, _, err = s.ListUploadParts(ctx, "mp", "assembled.bin", upload.UploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	// The -2 ETag survives reads because the record is persisted.
	got, err := s.GetObjectInfo(ctx, "mp", "assembled.bin")
	require.NoError(t, err)
	assert.Equal(t, wantETag, got.ETag)
}

func TestCompleteETagMismatchKeepsParts(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "k"})
	p1 := mustUploadPart(t, s, "mp", "k", upload.UploadID, 1, "part1 data")
	mustUploadPart(t, s, "mp", "k", upload.UploadID, 2, "part2 data")

	_, err := s.CompleteUpload(ctx, "mp", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: "0000000000000000000000000000000000000000000000000000000000000000"},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)

	exists, err := s.backend.DataExists(ctx, "mp", "k")
	require.NoError(t, err)
	assert.False(t, exists, "no object may be created")

	_, parts, err := s.ListUploadParts(ctx, "mp", "k", upload.UploadID)
	require.NoError(t, err)
	assert.Len(t, parts, 2, "a failed completion must not consume the parts")
}

func TestCompleteOutOfOrder(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "k"})
	p1 := mustUploadPart(t, s, "mp", "k", upload.UploadID, 1, "part1 data")
	p2 := mustUploadPart(t, s, "mp", "k", upload.UploadID, 2, "part2 data")

	_, err := s.CompleteUpload(ctx, "mp", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 2, ETag: p2.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPartOrder)

	_, err = s.CompleteUpload(ctx, "mp", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 1, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPartOrder, "duplicates are not ascending")

	exists, err := s.backend.DataExists(ctx, "mp", "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompleteUnknownUpload(t *testing.T) {
	s := testService(t)
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	_, err := s.CompleteUpload(context.Background(), "mp", "k", "no-such-id", []CompletedPart{
		{PartNumber: 1, ETag: "aa"},
	})
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)
}

func TestCompleteEnforcesConfiguredPartSizeFloor(t *testing.T) {
	s := testService(t)
	s.MinPartSize = 16
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "k"})
	small := mustUploadPart(t, s, "mp", "k", upload.UploadID, 1, "tiny")
	tail := mustUploadPart(t, s, "mp", "k", upload.UploadID, 2, "also tiny")

	_, err := s.CompleteUpload(ctx, "mp", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: small.ETag},
		{PartNumber: 2, ETag: tail.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrEntityTooSmall)

	// The floor never applies to the final declared part.
	big := mustUploadPart(t, s, "mp", "k", upload.UploadID, 3, strings.Repeat("a", 16))
	last := mustUploadPart(t, s, "mp", "k", upload.UploadID, 4, "end")
	_, err = s.CompleteUpload(ctx, "mp", "k", upload.UploadID, []CompletedPart{
		{PartNumber: 3, ETag: big.ETag},
		{PartNumber: 4, ETag: last.ETag},
	})
	require.NoError(t, err)
}

func TestCompleteAggregatesChecksums(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	upload := mustInitiate(t, s, &InitiateRequest{
		Bucket:            "mp",
		Key:               "summed.bin",
		ChecksumAlgorithm: checksum.CRC32,
	})
	crc := &storage.ChecksumRequest{Algorithms: []checksum.Algorithm{checksum.CRC32}}
	p1, err := s.UploadPart(ctx, &UploadPartRequest{
		Bucket: "mp", Key: "summed.bin", UploadID: upload.UploadID,
		PartNumber: 1, Body: strings.NewReader("first"), Checksums: crc,
	})
	require.NoError(t, err)
	p2, err := s.UploadPart(ctx, &UploadPartRequest{
		Bucket: "mp", Key: "summed.bin", UploadID: upload.UploadID,
		PartNumber: 2, Body: strings.NewReader("second"), Checksums: crc,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p1.Checksums[checksum.CRC32])

	// A declared per-part checksum that disagrees fails the completion.
	_, err = s.CompleteUpload(ctx, "mp", "summed.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag, Checksums: map[checksum.Algorithm]string{checksum.CRC32: "AAAAAA=="}},
		{PartNumber: 2, ETag: p2.ETag},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)

	info, err := s.CompleteUpload(ctx, "mp", "summed.bin", upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: p1.ETag, Checksums: map[checksum.Algorithm]string{checksum.CRC32: p1.Checksums[checksum.CRC32]}},
		{PartNumber: 2, ETag: p2.ETag},
	})
	require.NoError(t, err)

	want, err := checksum.Aggregate(checksum.CRC32, []string{
		p1.Checksums[checksum.CRC32],
		p2.Checksums[checksum.CRC32],
	})
	require.NoError(t, err)
	assert.Equal(t, want, info.Checksums[checksum.CRC32])

	got, err := s.GetObjectInfo(ctx, "mp", "summed.bin")
	require.NoError(t, err)
	assert.Equal(t, want, got.Checksums[checksum.CRC32], "aggregate must be persisted")
}

func TestCompleteWithLostInitiationRecord(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	part := mustUploadPart(t, s, "mp", "lost.xyz", "orphaned-id", 1, "content")
	info, err := s.CompleteUpload(ctx, "mp", "lost.xyz", "orphaned-id", []CompletedPart{
		{PartNumber: 1, ETag: part.ETag},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultContentType, info.ContentType)
	assert.Empty(t, info.Metadata)
	assert.True(t, strings.HasSuffix(info.ETag, "-1"))
}

func TestAbortUpload(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "k"})
	mustUploadPart(t, s, "mp", "k", upload.UploadID, 1, "data")

	require.NoError(t, s.AbortUpload(ctx, "mp", "k", upload.UploadID))
	_, _, err := s.ListUploadParts(ctx, "mp", "k", upload.UploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	// Aborting again, or aborting an unknown upload, still succeeds.
	require.NoError(t, s.AbortUpload(ctx, "mp", "k", upload.UploadID))
	require.NoError(t, s.AbortUpload(ctx, "mp", "other", "unknown-id"))
}

func TestUploadPartCopy(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)
	mustPut(t, s, &PutRequest{Bucket: "mp", Key: "source", Body: strings.NewReader("0123456789ABCDEFGHIJ")})

	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "target"})
	part, err := s.UploadPartCopy(ctx, &CopyPartRequest{
		SrcBucket: "mp", SrcKey: "source",
		Bucket: "mp", Key: "target", UploadID: upload.UploadID,
		PartNumber: 1,
		Range:      &storage.ByteRange{Start: 5, End: 14},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), part.Size)
	assert.Equal(t, sha256Hex("56789ABCDE"), part.ETag)

	rc, err := s.backend.OpenPart(ctx, "mp", "target", upload.UploadID, 1)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "56789ABCDE", string(body))
}

func TestUploadPartCopySourceFaults(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)
	mustPut(t, s, &PutRequest{Bucket: "mp", Key: "source", Body: strings.NewReader("short")})
	upload := mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "target"})

	_, err := s.UploadPartCopy(ctx, &CopyPartRequest{
		SrcBucket: "mp", SrcKey: "missing",
		Bucket: "mp", Key: "target", UploadID: upload.UploadID,
		PartNumber: 1,
	})
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)

	_, err = s.UploadPartCopy(ctx, &CopyPartRequest{
		SrcBucket: "mp", SrcKey: "source",
		Bucket: "mp", Key: "target", UploadID: upload.UploadID,
		PartNumber: 1,
		Range:      &storage.ByteRange{Start: 0, End: 99},
	})
	assert.ErrorIs(t, err, s3err.ErrInvalidRange)
}

func TestListUploadsWithPrefix(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	mustCreateBucket(t, s, "mp", storage.BucketTypeGeneralPurpose)

	mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "logs/a.log"})
	mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "logs/b.log"})
	mustInitiate(t, s, &InitiateRequest{Bucket: "mp", Key: "data/c.bin"})

	all, err := s.ListUploads(ctx, "mp", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	logs, err := s.ListUploads(ctx, "mp", "logs/")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "logs/a.log", logs[0].Key)
	assert.Equal(t, "logs/b.log", logs[1].Key)
}
