package sqldb

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

func testBackend(t *testing.T) *Backend {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	b, err := New(context.Background(), filepath.Join(t.TempDir(), "lamina.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func mustCreateBucket(t *testing.T, b *Backend, name string, bt storage.BucketType) {
	t.Helper()
	err := b.CreateBucket(context.Background(), &storage.BucketInfo{
		Name:         name,
		CreationDate: time.Now().UTC(),
		Type:         bt,
	})
	require.NoError(t, err)
}

func TestBucketLifecycle(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	mustCreateBucket(t, b, "alpha", storage.BucketTypeGeneralPurpose)
	assert.ErrorIs(t, b.CreateBucket(ctx, &storage.BucketInfo{Name: "alpha"}), s3err.ErrBucketAlreadyExists)

	mustCreateBucket(t, b, "beta", storage.BucketTypeDirectory)
	buckets, err := b.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "alpha", buckets[0].Name)
	assert.Equal(t, storage.BucketTypeDirectory, buckets[1].Type)

	require.NoError(t, b.UpdateBucketTags(ctx, "alpha", map[string]string{"team": "storage"}))
	info, err := b.GetBucket(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "storage", info.Tags["team"])

	require.NoError(t, b.DeleteBucket(ctx, "beta"))
	assert.ErrorIs(t, b.DeleteBucket(ctx, "beta"), s3err.ErrNoSuchBucket)
}

func TestDeleteBucketCascades(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "doomed", storage.BucketTypeGeneralPurpose)

	_, err := b.StoreData(ctx, "doomed", "k", strings.NewReader("x"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.StoreMetadata(ctx, &storage.ObjectInfo{Bucket: "doomed", Key: "k"}))
	_, err = b.StorePart(ctx, "doomed", "k2", "u-1", 1, strings.NewReader("p"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.DeleteBucket(ctx, "doomed"))

	// recreating the bucket must start from a clean slate
	mustCreateBucket(t, b, "doomed", storage.BucketTypeGeneralPurpose)
	exists, err := b.DataExists(ctx, "doomed", "k")
	require.NoError(t, err)
	assert.False(t, exists)
	uploads, err := b.ListUploads(ctx, "doomed")
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestDataRoundTrip(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	body := "0123456789ABCDEFGHIJ"
	res, err := b.StoreData(ctx, "data", "o", strings.NewReader(body), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Size)

	var out bytes.Buffer
	found, err := b.WriteDataToStream(ctx, "data", "o", &out, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, body, out.String())

	out.Reset()
	found, err = b.WriteDataToStream(ctx, "data", "o", &out, &storage.ByteRange{Start: 5, End: 14})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "56789ABCDE", out.String())

	found, err = b.WriteDataToStream(ctx, "data", "o", io.Discard, &storage.ByteRange{Start: 0, End: 100})
	require.NoError(t, err)
	assert.False(t, found)

	info, err := b.GetDataInfo(ctx, "data", "o")
	require.NoError(t, err)
	assert.Equal(t, int64(20), info.Size)

	etag, err := b.ComputeETag(ctx, "data", "o")
	require.NoError(t, err)
	assert.Equal(t, res.ETag, etag)

	removed, err := b.DeleteData(ctx, "data", "o")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = b.DeleteData(ctx, "data", "o")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestChecksumMismatchStoresNothing(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	_, err := b.StoreData(ctx, "data", "bad", strings.NewReader("body"), nil, &storage.ChecksumRequest{
		Expected: map[checksum.Algorithm]string{checksum.SHA256: "AAAA"},
	})
	require.ErrorIs(t, err, s3err.ErrInvalidChecksum)

	exists, err := b.DataExists(ctx, "data", "bad")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListOrdering(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "gp", storage.BucketTypeGeneralPurpose)
	mustCreateBucket(t, b, "dir", storage.BucketTypeDirectory)

	for _, k := range []string{"zulu", "alpha", "mike"} {
		_, err := b.StoreData(ctx, "gp", k, strings.NewReader("x"), nil, nil)
		require.NoError(t, err)
		_, err = b.StoreData(ctx, "dir", k, strings.NewReader("x"), nil, nil)
		require.NoError(t, err)
	}

	res, err := b.ListDataKeys(ctx, "gp", storage.BucketTypeGeneralPurpose, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mike", "zulu"}, res.Keys)

	res, err = b.ListDataKeys(ctx, "dir", storage.BucketTypeDirectory, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"zulu", "alpha", "mike"}, res.Keys, "directory buckets list in insertion order")
}

func TestMetadataRoundTrip(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "meta", storage.BucketTypeGeneralPurpose)

	obj := &storage.ObjectInfo{
		Bucket:      "meta",
		Key:         "doc.json",
		Size:        42,
		ETag:        "cafe",
		ContentType: "application/json",
		Metadata:    map[string]string{"author": "lamina"},
	}
	require.NoError(t, b.StoreMetadata(ctx, obj))

	got, err := b.GetMetadata(ctx, "meta", "doc.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", got.ContentType)
	assert.Equal(t, "lamina", got.Metadata["author"])

	removed, err := b.DeleteMetadata(ctx, "meta", "doc.json")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = b.GetMetadata(ctx, "meta", "doc.json")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestMultipartLifecycle(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "mp", storage.BucketTypeGeneralPurpose)

	up := &storage.MultipartUploadInfo{
		Bucket:    "mp",
		Key:       "big.bin",
		UploadID:  "upload-1",
		Initiated: time.Now().UTC(),
	}
	require.NoError(t, b.CreateUpload(ctx, up))

	got, err := b.GetUpload(ctx, "mp", "big.bin", "upload-1")
	require.NoError(t, err)
	assert.Equal(t, "big.bin", got.Key)
	_, err = b.GetUpload(ctx, "mp", "wrong", "upload-1")
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	for _, pn := range []int{3, 1} {
		_, err := b.StorePart(ctx, "mp", "big.bin", "upload-1", pn, strings.NewReader(strings.Repeat("x", pn)), nil, nil)
		require.NoError(t, err)
	}

	parts, err := b.ListParts(ctx, "mp", "big.bin", "upload-1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, 3, parts[1].PartNumber)

	rc, err := b.OpenPart(ctx, "mp", "big.bin", "upload-1", 3)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "xxx", string(data))

	_, err = b.OpenPart(ctx, "mp", "big.bin", "upload-1", 9)
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)

	require.NoError(t, b.DeleteParts(ctx, "mp", "big.bin", "upload-1"))
	removed, err := b.DeleteUpload(ctx, "mp", "big.bin", "upload-1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestListUploadsSynthesizesFromParts(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "mp", storage.BucketTypeGeneralPurpose)

	_, err := b.StorePart(ctx, "mp", "orphan.bin", "lost", 1, strings.NewReader("d"), nil, nil)
	require.NoError(t, err)

	uploads, err := b.ListUploads(ctx, "mp")
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "orphan.bin", uploads[0].Key)
	assert.Equal(t, "lost", uploads[0].UploadID)
}

func TestStoreMultipartData(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "mp", storage.BucketTypeGeneralPurpose)

	p1, err := b.StorePart(ctx, "mp", "joined", "u-1", 1, strings.NewReader("first "), nil, nil)
	require.NoError(t, err)
	p2, err := b.StorePart(ctx, "mp", "joined", "u-1", 2, strings.NewReader("second"), nil, nil)
	require.NoError(t, err)

	res, err := b.StoreMultipartData(ctx, "mp", "joined", []storage.PartSource{
		{PartNumber: 1, ETag: p1.ETag, Size: p1.Size, Open: func(ctx context.Context) (io.ReadCloser, error) {
			return b.OpenPart(ctx, "mp", "joined", "u-1", 1)
		}},
		{PartNumber: 2, ETag: p2.ETag, Size: p2.Size, Open: func(ctx context.Context) (io.ReadCloser, error) {
			return b.OpenPart(ctx, "mp", "joined", "u-1", 2)
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Size)
	assert.True(t, strings.HasSuffix(res.ETag, "-2"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "lamina.db")
	ctx := context.Background()

	b, err := New(ctx, path, logger)
	require.NoError(t, err)
	mustCreateBucket(t, b, "persist", storage.BucketTypeGeneralPurpose)
	_, err = b.StoreData(ctx, "persist", "k", strings.NewReader("payload"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2, err := New(ctx, path, logger)
	require.NoError(t, err)
	defer b2.Close()

	var out bytes.Buffer
	found, err := b2.WriteDataToStream(ctx, "persist", "k", &out, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", out.String())
}
