package fs

import (
	"bytes"
	"context"
	"io"
	"os"
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
	b, err := New(t.TempDir(), logger)
	require.NoError(t, err)
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

	info, err := b.GetBucket(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", info.Name)

	mustCreateBucket(t, b, "beta", storage.BucketTypeDirectory)
	buckets, err := b.ListBuckets(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, "alpha", buckets[0].Name)

	require.NoError(t, b.DeleteBucket(ctx, "beta"))
	assert.ErrorIs(t, b.DeleteBucket(ctx, "beta"), s3err.ErrNoSuchBucket)
}

func TestBucketSurvivesReopen(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	root := t.TempDir()
	ctx := context.Background()

	b, err := New(root, logger)
	require.NoError(t, err)
	mustCreateBucket(t, b, "persist", storage.BucketTypeDirectory)
	_, err = b.StoreData(ctx, "persist", "k", strings.NewReader("payload"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// a fresh backend over the same root sees everything
	b2, err := New(root, logger)
	require.NoError(t, err)
	info, err := b2.GetBucket(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, storage.BucketTypeDirectory, info.Type)

	var out bytes.Buffer
	found, err := b2.WriteDataToStream(ctx, "persist", "k", &out, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", out.String())
}

func TestStoreAndReadNestedKey(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	res, err := b.StoreData(ctx, "data", "a/b/c.txt", strings.NewReader("nested"), nil, nil)
	require.NoError(t, err)
	assert.Len(t, res.ETag, 64)

	var out bytes.Buffer
	found, err := b.WriteDataToStream(ctx, "data", "a/b/c.txt", &out, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "nested", out.String())

	etag, err := b.ComputeETag(ctx, "data", "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, res.ETag, etag)

	// deleting prunes the now-empty key directories
	removed, err := b.DeleteData(ctx, "data", "a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(filepath.Join(b.root, "data", dataDir, "a"))
	assert.True(t, os.IsNotExist(err))
}

func TestRejectsUnsafeKeys(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	for _, key := range []string{"", "../escape", "a/../../b", "a//b", "trailing/", "/absolute"} {
		_, err := b.StoreData(ctx, "data", key, strings.NewReader("x"), nil, nil)
		assert.ErrorIs(t, err, s3err.ErrInvalidObjectName, "key %q", key)
	}

	// reads treat such keys as absent rather than failing
	found, err := b.WriteDataToStream(ctx, "data", "../escape", io.Discard, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestChecksumMismatchLeavesNothingBehind(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	_, err := b.StoreData(ctx, "data", "bad", strings.NewReader("body"), nil, &storage.ChecksumRequest{
		Expected: map[checksum.Algorithm]string{checksum.CRC32: "AAAAAA=="},
	})
	require.ErrorIs(t, err, s3err.ErrInvalidChecksum)

	exists, err := b.DataExists(ctx, "data", "bad")
	require.NoError(t, err)
	assert.False(t, exists)

	// staging area must not accumulate leftovers
	entries, err := os.ReadDir(filepath.Join(b.root, "data", tmpDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRangeReads(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	body := "0123456789ABCDEFGHIJ"
	_, err := b.StoreData(ctx, "data", "o", strings.NewReader(body), nil, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	found, err := b.WriteDataToStream(ctx, "data", "o", &out, &storage.ByteRange{Start: 5, End: 14})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "56789ABCDE", out.String())

	out.Reset()
	found, err = b.WriteDataToStream(ctx, "data", "o", &out, &storage.ByteRange{Start: 15, End: 10})
	require.NoError(t, err)
	assert.False(t, found)

	found, err = b.WriteDataToStream(ctx, "data", "o", &out, &storage.ByteRange{Start: 0, End: 100})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, out.Len())
}

func TestCopyData(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "src", storage.BucketTypeGeneralPurpose)
	mustCreateBucket(t, b, "dst", storage.BucketTypeGeneralPurpose)

	orig, err := b.StoreData(ctx, "src", "a", strings.NewReader("copy me"), nil, nil)
	require.NoError(t, err)

	copied, err := b.CopyData(ctx, "src", "a", "dst", "b")
	require.NoError(t, err)
	assert.Equal(t, orig.ETag, copied.ETag)

	_, err = b.CopyData(ctx, "src", "absent", "dst", "c")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)
}

func TestCopyDataOntoItself(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "data", storage.BucketTypeGeneralPurpose)

	orig, err := b.StoreData(ctx, "data", "self", strings.NewReader("same bytes"), nil, nil)
	require.NoError(t, err)

	type copyResult struct {
		res *storage.StoreResult
		err error
	}
	done := make(chan copyResult, 1)
	go func() {
		res, err := b.CopyData(ctx, "data", "self", "data", "self")
		done <- copyResult{res, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, orig.ETag, out.res.ETag)
		assert.Equal(t, orig.Size, out.res.Size)
	case <-time.After(5 * time.Second):
		t.Fatal("copy onto the same key did not return")
	}

	// the key is still usable afterwards
	var out bytes.Buffer
	found, err := b.WriteDataToStream(ctx, "data", "self", &out, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "same bytes", out.String())
}

func TestMetadataRoundTrip(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "meta", storage.BucketTypeGeneralPurpose)

	obj := &storage.ObjectInfo{
		Bucket:      "meta",
		Key:         "doc/page.html",
		Size:        7,
		ETag:        "deadbeef",
		ContentType: "text/html",
		Metadata:    map[string]string{"lang": "en"},
	}
	require.NoError(t, b.StoreMetadata(ctx, obj))

	got, err := b.GetMetadata(ctx, "meta", "doc/page.html")
	require.NoError(t, err)
	assert.Equal(t, "text/html", got.ContentType)
	assert.Equal(t, "en", got.Metadata["lang"])

	removed, err := b.DeleteMetadata(ctx, "meta", "doc/page.html")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = b.GetMetadata(ctx, "meta", "doc/page.html")
	assert.ErrorIs(t, err, s3err.ErrNoSuchKey)

	removed, err = b.DeleteMetadata(ctx, "meta", "doc/page.html")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListDataKeys(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "gp", storage.BucketTypeGeneralPurpose)

	for _, k := range []string{"photos/2024/a.jpg", "photos/2025/b.jpg", "readme.txt", "zoo.txt"} {
		_, err := b.StoreData(ctx, "gp", k, strings.NewReader("x"), nil, nil)
		require.NoError(t, err)
	}

	res, err := b.ListDataKeys(ctx, "gp", storage.BucketTypeGeneralPurpose, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/2024/a.jpg", "photos/2025/b.jpg", "readme.txt", "zoo.txt"}, res.Keys)

	res, err = b.ListDataKeys(ctx, "gp", storage.BucketTypeGeneralPurpose, storage.ListOptions{Delimiter: "/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.txt", "zoo.txt"}, res.Keys)
	assert.Equal(t, []string{"photos/"}, res.CommonPrefixes)

	res, err = b.ListDataKeys(ctx, "gp", storage.BucketTypeGeneralPurpose, storage.ListOptions{MaxKeys: 3})
	require.NoError(t, err)
	assert.True(t, res.IsTruncated)
	assert.Equal(t, "readme.txt", res.NextToken)
}

func TestListDirectoryBucketUsesModTime(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "dir", storage.BucketTypeDirectory)

	base := time.Now().Add(-time.Hour)
	for i, k := range []string{"zulu", "alpha", "mike"} {
		_, err := b.StoreData(ctx, "dir", k, strings.NewReader("x"), nil, nil)
		require.NoError(t, err)
		p, err := b.dataPath("dir", k)
		require.NoError(t, err)
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}

	res, err := b.ListDataKeys(ctx, "dir", storage.BucketTypeDirectory, storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"zulu", "alpha", "mike"}, res.Keys)
}

func TestMultipartLifecycle(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "mp", storage.BucketTypeGeneralPurpose)

	up := &storage.MultipartUploadInfo{
		Bucket:    "mp",
		Key:       "big.bin",
		UploadID:  "11111111-2222-3333-4444-555555555555",
		Initiated: time.Now().UTC(),
	}
	require.NoError(t, b.CreateUpload(ctx, up))

	got, err := b.GetUpload(ctx, "mp", "big.bin", up.UploadID)
	require.NoError(t, err)
	assert.Equal(t, "big.bin", got.Key)
	_, err = b.GetUpload(ctx, "mp", "wrong", up.UploadID)
	assert.ErrorIs(t, err, s3err.ErrNoSuchUpload)

	for _, pn := range []int{2, 1} {
		_, err := b.StorePart(ctx, "mp", "big.bin", up.UploadID, pn, strings.NewReader(strings.Repeat("x", pn)), nil, nil)
		require.NoError(t, err)
	}

	parts, err := b.ListParts(ctx, "mp", "big.bin", up.UploadID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, 2, parts[1].PartNumber)

	rc, err := b.OpenPart(ctx, "mp", "big.bin", up.UploadID, 2)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "xx", string(data))

	_, err = b.OpenPart(ctx, "mp", "big.bin", up.UploadID, 7)
	assert.ErrorIs(t, err, s3err.ErrInvalidPart)

	require.NoError(t, b.DeleteParts(ctx, "mp", "big.bin", up.UploadID))
	removed, err := b.DeleteUpload(ctx, "mp", "big.bin", up.UploadID)
	require.NoError(t, err)
	assert.True(t, removed)

	// the upload directory is gone once record and parts are both deleted
	_, err = os.Stat(filepath.Join(b.root, "mp", uploadsDir, up.UploadID))
	assert.True(t, os.IsNotExist(err))
}

func TestListUploadsSynthesizesFromParts(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()
	mustCreateBucket(t, b, "mp", storage.BucketTypeGeneralPurpose)

	_, err := b.StorePart(ctx, "mp", "orphan.bin", "aaaa-bbbb", 1, strings.NewReader("data"), nil, nil)
	require.NoError(t, err)

	uploads, err := b.ListUploads(ctx, "mp")
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "orphan.bin", uploads[0].Key)
	assert.Equal(t, "aaaa-bbbb", uploads[0].UploadID)
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

	var out bytes.Buffer
	found, err := b.WriteDataToStream(ctx, "mp", "joined", &out, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first second", out.String())
}

func TestOperationsOnMissingBucket(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	_, err := b.StoreData(ctx, "ghost", "k", strings.NewReader("x"), nil, nil)
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
	_, err = b.GetDataInfo(ctx, "ghost", "k")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
	_, err = b.ListDataKeys(ctx, "ghost", storage.BucketTypeGeneralPurpose, storage.ListOptions{})
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
	_, err = b.ListUploads(ctx, "ghost")
	assert.ErrorIs(t, err, s3err.ErrNoSuchBucket)
}
