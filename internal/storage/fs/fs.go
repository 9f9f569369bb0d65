// Package fs implements the storage backend on a local filesystem. Object
// bytes live under <root>/<bucket>/data/<key>, metadata as JSON documents
// under <root>/<bucket>/meta/<key>.json, and multipart state under
// <root>/<bucket>/uploads/<uploadId>/. Ingests stage into a per-bucket tmp
// directory and move into place with an atomic rename, so readers never see
// a partially written object. Writes to the same key are serialized by a
// per-key lock; reads run concurrently.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
	"github.com/lamina-storage/lamina/internal/storage/keylock"
)

const (
	bucketInfoFile = "bucket.json"
	dataDir        = "data"
	metaDir        = "meta"
	uploadsDir     = "uploads"
	tmpDir         = "tmp"
	uploadInfoFile = "upload.json"

	dirMode  = 0o755
	fileMode = 0o644
)

// Backend stores buckets, objects, metadata and multipart state under a
// single root directory.
type Backend struct {
	root   string
	locks  *keylock.KeyLock
	logger *logrus.Entry
}

var _ storage.Backend = (*Backend)(nil)

// New opens (or initializes) a filesystem backend rooted at root.
func New(root string, logger *logrus.Logger) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}

	b := &Backend{
		root:   abs,
		locks:  keylock.New(),
		logger: logger.WithField("component", "fs-backend"),
	}
	b.logger.WithField("root", abs).Info("Filesystem backend ready")
	return b, nil
}

func (b *Backend) Close() error {
	return nil
}

// validKey reports whether key maps onto the filesystem without escaping or
// aliasing: cleaning must be a no-op, which rejects empty keys, absolute
// keys, ".." traversal, doubled slashes and trailing slashes.
func validKey(key string) bool {
	return key != "" && path.Clean("/"+key) == "/"+key
}

func (b *Backend) bucketDir(bucket string) string {
	return filepath.Join(b.root, bucket)
}

func (b *Backend) dataPath(bucket, key string) (string, error) {
	if !validKey(key) {
		return "", s3err.ErrInvalidObjectName.WithMessage("key %q cannot be stored by the filesystem backend", key)
	}
	return filepath.Join(b.bucketDir(bucket), dataDir, filepath.FromSlash(key)), nil
}

func (b *Backend) metaPath(bucket, key string) (string, error) {
	if !validKey(key) {
		return "", s3err.ErrInvalidObjectName.WithMessage("key %q cannot be stored by the filesystem backend", key)
	}
	return filepath.Join(b.bucketDir(bucket), metaDir, filepath.FromSlash(key)+".json"), nil
}

func (b *Backend) uploadDir(bucket, uploadID string) (string, error) {
	// upload IDs are server-generated UUIDs; reject anything path-shaped
	if uploadID == "" || strings.ContainsAny(uploadID, "/\\") || uploadID == "." || uploadID == ".." {
		return "", s3err.ErrNoSuchUpload
	}
	return filepath.Join(b.bucketDir(bucket), uploadsDir, uploadID), nil
}

func partFileName(partNumber int) string {
	return fmt.Sprintf("%05d", partNumber)
}

// requireBucket verifies the bucket registry record exists.
func (b *Backend) requireBucket(bucket string) error {
	if _, err := os.Stat(filepath.Join(b.bucketDir(bucket), bucketInfoFile)); err != nil {
		if os.IsNotExist(err) {
			return s3err.ErrNoSuchBucket
		}
		return fmt.Errorf("checking bucket %q: %w", bucket, err)
	}
	return nil
}

// CreateBucket persists the registry record and pre-creates the bucket's
// directory skeleton.
func (b *Backend) CreateBucket(ctx context.Context, info *storage.BucketInfo) error {
	dir := b.bucketDir(info.Name)

	b.locks.Lock(info.Name)
	defer b.locks.Unlock(info.Name)

	if _, err := os.Stat(filepath.Join(dir, bucketInfoFile)); err == nil {
		return s3err.ErrBucketAlreadyExists
	}

	for _, sub := range []string{dataDir, metaDir, uploadsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirMode); err != nil {
			return fmt.Errorf("creating bucket directories: %w", err)
		}
	}
	if err := b.writeJSON(dir, filepath.Join(dir, bucketInfoFile), info); err != nil {
		return err
	}

	b.logger.WithFields(logrus.Fields{
		"bucket": info.Name,
		"type":   info.Type,
	}).Debug("Bucket created")
	return nil
}

func (b *Backend) GetBucket(ctx context.Context, name string) (*storage.BucketInfo, error) {
	var info storage.BucketInfo
	if err := b.readJSON(filepath.Join(b.bucketDir(name), bucketInfoFile), &info); err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, err
	}
	return &info, nil
}

func (b *Backend) ListBuckets(ctx context.Context) ([]*storage.BucketInfo, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}

	buckets := make([]*storage.BucketInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := b.GetBucket(ctx, e.Name())
		if errors.Is(err, s3err.ErrNoSuchBucket) {
			continue // stray directory without a registry record
		}
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, info)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (b *Backend) DeleteBucket(ctx context.Context, name string) error {
	b.locks.Lock(name)
	defer b.locks.Unlock(name)

	if err := b.requireBucket(name); err != nil {
		return err
	}
	if err := os.RemoveAll(b.bucketDir(name)); err != nil {
		return fmt.Errorf("deleting bucket %q: %w", name, err)
	}

	b.logger.WithField("bucket", name).Debug("Bucket deleted")
	return nil
}

func (b *Backend) UpdateBucketTags(ctx context.Context, name string, tags map[string]string) error {
	b.locks.Lock(name)
	defer b.locks.Unlock(name)

	info, err := b.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	info.Tags = tags
	dir := b.bucketDir(name)
	return b.writeJSON(dir, filepath.Join(dir, bucketInfoFile), info)
}

// writeJSON atomically replaces path with the JSON encoding of v, staging
// in dir so the rename stays on one filesystem.
func (b *Backend) writeJSON(dir, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+"-tmp-*")
	if err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (b *Backend) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}
