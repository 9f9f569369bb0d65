// Package memory implements the storage backend on lock-free concurrent
// maps. Object bytes live in per-bucket maps; nothing touches a global mutex
// on the data path, so the backend doubles as the reference implementation
// for the concurrency contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

// Backend keeps every bucket's objects, metadata, uploads, and parts in
// xsync maps keyed by bucket name.
type Backend struct {
	buckets *xsync.MapOf[string, *bucketState]
	seq     atomic.Int64
	logger  *logrus.Entry
}

type bucketState struct {
	mu   sync.RWMutex
	info storage.BucketInfo

	objects *xsync.MapOf[string, *objectEntry]
	meta    *xsync.MapOf[string, *storage.ObjectInfo]
	uploads *xsync.MapOf[string, *storage.MultipartUploadInfo]
	parts   *xsync.MapOf[string, *partEntry]
}

// objectEntry is immutable once stored; writers replace the whole entry so
// concurrent readers never observe partial state.
type objectEntry struct {
	data         []byte
	lastModified time.Time
	seq          int64
}

type partEntry struct {
	uploadID string
	key      string
	info     storage.PartInfo
	data     []byte
}

func New(logger *logrus.Logger) *Backend {
	return &Backend{
		buckets: xsync.NewMapOf[string, *bucketState](),
		logger:  logger.WithField("component", "memory-backend"),
	}
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) state(bucket string) (*bucketState, error) {
	bs, ok := b.buckets.Load(bucket)
	if !ok {
		return nil, s3err.ErrNoSuchBucket
	}
	return bs, nil
}

func newBucketState(info storage.BucketInfo) *bucketState {
	return &bucketState{
		info:    info,
		objects: xsync.NewMapOf[string, *objectEntry](),
		meta:    xsync.NewMapOf[string, *storage.ObjectInfo](),
		uploads: xsync.NewMapOf[string, *storage.MultipartUploadInfo](),
		parts:   xsync.NewMapOf[string, *partEntry](),
	}
}

func (b *Backend) CreateBucket(ctx context.Context, info *storage.BucketInfo) error {
	cp := *info
	cp.Tags = cloneStringMap(info.Tags)
	if _, loaded := b.buckets.LoadOrStore(info.Name, newBucketState(cp)); loaded {
		return s3err.ErrBucketAlreadyExists
	}
	b.logger.WithFields(logrus.Fields{"bucket": info.Name, "type": info.Type}).Debug("Bucket created")
	return nil
}

func (b *Backend) GetBucket(ctx context.Context, name string) (*storage.BucketInfo, error) {
	bs, err := b.state(name)
	if err != nil {
		return nil, err
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	cp := bs.info
	cp.Tags = cloneStringMap(bs.info.Tags)
	return &cp, nil
}

func (b *Backend) ListBuckets(ctx context.Context) ([]*storage.BucketInfo, error) {
	var out []*storage.BucketInfo
	b.buckets.Range(func(name string, bs *bucketState) bool {
		bs.mu.RLock()
		cp := bs.info
		cp.Tags = cloneStringMap(bs.info.Tags)
		bs.mu.RUnlock()
		out = append(out, &cp)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) DeleteBucket(ctx context.Context, name string) error {
	if _, ok := b.buckets.LoadAndDelete(name); !ok {
		return s3err.ErrNoSuchBucket
	}
	b.logger.WithField("bucket", name).Debug("Bucket deleted")
	return nil
}

func (b *Backend) UpdateBucketTags(ctx context.Context, name string, tags map[string]string) error {
	bs, err := b.state(name)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	bs.info.Tags = cloneStringMap(tags)
	bs.mu.Unlock()
	return nil
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneChecksums(m map[checksum.Algorithm]string) map[checksum.Algorithm]string {
	if m == nil {
		return nil
	}
	cp := make(map[checksum.Algorithm]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneObjectInfo(obj *storage.ObjectInfo) *storage.ObjectInfo {
	cp := *obj
	cp.Metadata = cloneStringMap(obj.Metadata)
	cp.Checksums = cloneChecksums(obj.Checksums)
	if obj.Owner != nil {
		owner := *obj.Owner
		cp.Owner = &owner
	}
	return &cp
}
