package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

func (b *Backend) StoreData(ctx context.Context, bucket, key string, r io.Reader, validator *auth.ChunkValidator, req *storage.ChecksumRequest) (*storage.StoreResult, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	res, err := storage.Ingest(ctx, r, validator, req, &buf)
	if err != nil {
		return nil, err
	}
	bs.objects.Store(key, &objectEntry{
		data:         buf.Bytes(),
		lastModified: time.Now().UTC(),
		seq:          b.seq.Add(1),
	})
	return &storage.StoreResult{Size: res.Size, ETag: res.ETag, Checksums: res.Checksums}, nil
}

func (b *Backend) StoreMultipartData(ctx context.Context, bucket, key string, parts []storage.PartSource) (*storage.StoreResult, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	etags := make([]string, 0, len(parts))
	for _, part := range parts {
		rc, err := part.Open(ctx)
		if err != nil {
			return nil, err
		}
		_, err = storage.CopyContext(ctx, &buf, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		etags = append(etags, part.ETag)
	}
	etag, err := checksum.MultipartETag(etags)
	if err != nil {
		return nil, err
	}
	bs.objects.Store(key, &objectEntry{
		data:         buf.Bytes(),
		lastModified: time.Now().UTC(),
		seq:          b.seq.Add(1),
	})
	return &storage.StoreResult{Size: int64(buf.Len()), ETag: etag}, nil
}

func (b *Backend) WriteDataToStream(ctx context.Context, bucket, key string, w io.Writer, rng *storage.ByteRange) (bool, error) {
	bs, ok := b.buckets.Load(bucket)
	if !ok {
		return false, nil
	}
	entry, ok := bs.objects.Load(key)
	if !ok {
		return false, nil
	}
	data := entry.data
	if rng != nil {
		if !rng.Valid(int64(len(data))) {
			return false, nil
		}
		data = data[rng.Start : rng.End+1]
	}
	if _, err := storage.CopyContext(ctx, w, bytes.NewReader(data)); err != nil {
		return true, err
	}
	return true, nil
}

func (b *Backend) DataExists(ctx context.Context, bucket, key string) (bool, error) {
	bs, ok := b.buckets.Load(bucket)
	if !ok {
		return false, nil
	}
	_, ok = bs.objects.Load(key)
	return ok, nil
}

func (b *Backend) GetDataInfo(ctx context.Context, bucket, key string) (*storage.DataInfo, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	entry, ok := bs.objects.Load(key)
	if !ok {
		return nil, s3err.ErrNoSuchKey
	}
	return &storage.DataInfo{Size: int64(len(entry.data)), LastModified: entry.lastModified}, nil
}

func (b *Backend) DeleteData(ctx context.Context, bucket, key string) (bool, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return false, err
	}
	_, removed := bs.objects.LoadAndDelete(key)
	return removed, nil
}

func (b *Backend) CopyData(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*storage.StoreResult, error) {
	src, err := b.state(srcBucket)
	if err != nil {
		return nil, err
	}
	dst, err := b.state(dstBucket)
	if err != nil {
		return nil, err
	}
	entry, ok := src.objects.Load(srcKey)
	if !ok {
		return nil, s3err.ErrNoSuchKey
	}
	data := make([]byte, len(entry.data))
	copy(data, entry.data)
	etag, err := checksum.ReaderETag(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	dst.objects.Store(dstKey, &objectEntry{
		data:         data,
		lastModified: time.Now().UTC(),
		seq:          b.seq.Add(1),
	})
	return &storage.StoreResult{Size: int64(len(data)), ETag: etag}, nil
}

func (b *Backend) ComputeETag(ctx context.Context, bucket, key string) (string, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return "", err
	}
	entry, ok := bs.objects.Load(key)
	if !ok {
		return "", s3err.ErrNoSuchKey
	}
	return checksum.ReaderETag(bytes.NewReader(entry.data))
}

func (b *Backend) ListDataKeys(ctx context.Context, bucket string, bucketType storage.BucketType, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := storage.ValidateListOptions(bucketType, opts); err != nil {
		return nil, err
	}
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}

	type seqKey struct {
		key string
		seq int64
	}
	var all []seqKey
	bs.objects.Range(func(key string, entry *objectEntry) bool {
		all = append(all, seqKey{key, entry.seq})
		return true
	})
	if bucketType == storage.BucketTypeDirectory {
		sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	} else {
		sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	}
	keys := make([]string, len(all))
	for i, k := range all {
		keys[i] = k.key
	}
	return storage.Paginate(keys, opts), nil
}

func (b *Backend) StoreMetadata(ctx context.Context, obj *storage.ObjectInfo) error {
	bs, err := b.state(obj.Bucket)
	if err != nil {
		return err
	}
	bs.meta.Store(obj.Key, cloneObjectInfo(obj))
	return nil
}

func (b *Backend) GetMetadata(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	obj, ok := bs.meta.Load(key)
	if !ok {
		return nil, s3err.ErrNoSuchKey
	}
	return cloneObjectInfo(obj), nil
}

func (b *Backend) DeleteMetadata(ctx context.Context, bucket, key string) (bool, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return false, err
	}
	_, removed := bs.meta.LoadAndDelete(key)
	return removed, nil
}
