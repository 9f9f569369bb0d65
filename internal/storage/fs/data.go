package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

func (b *Backend) lockID(bucket, key string) string {
	return bucket + "/" + key
}

// stageFile creates a temp file in the bucket's staging directory, runs fill
// against it, and atomically renames it to final. The temp file never
// survives an error.
func (b *Backend) stageFile(bucket, final string, fill func(f *os.File) error) (err error) {
	staging := filepath.Join(b.bucketDir(bucket), tmpDir)
	if err := os.MkdirAll(staging, dirMode); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	f, err := os.CreateTemp(staging, filepath.Base(final)+"-tmp-*")
	if err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(final), err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err = fill(f); err != nil {
		return err
	}

	// filesystems without fsync support are tolerated
	if serr := f.Sync(); serr != nil && !errors.Is(serr, syscall.ENOTSUP) {
		err = fmt.Errorf("syncing %s: %w", filepath.Base(final), serr)
		return err
	}
	if err = f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("closing %s: %w", filepath.Base(final), err)
	}
	if err = os.MkdirAll(filepath.Dir(final), dirMode); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err = os.Rename(f.Name(), final); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("moving %s into place: %w", filepath.Base(final), err)
	}
	return nil
}

func (b *Backend) StoreData(ctx context.Context, bucket, key string, r io.Reader, validator *auth.ChunkValidator, req *storage.ChecksumRequest) (*storage.StoreResult, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return nil, err
	}

	b.locks.Lock(b.lockID(bucket, key))
	defer b.locks.Unlock(b.lockID(bucket, key))

	var res *checksum.Result
	err = b.stageFile(bucket, final, func(f *os.File) error {
		var ierr error
		res, ierr = storage.Ingest(ctx, r, validator, req, f)
		return ierr
	})
	if err != nil {
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"size":   res.Size,
	}).Debug("Object data stored")

	return &storage.StoreResult{
		Size:      res.Size,
		ETag:      res.ETag,
		Checksums: res.Checksums,
	}, nil
}

func (b *Backend) StoreMultipartData(ctx context.Context, bucket, key string, parts []storage.PartSource) (*storage.StoreResult, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return nil, err
	}

	b.locks.Lock(b.lockID(bucket, key))
	defer b.locks.Unlock(b.lockID(bucket, key))

	var total int64
	etags := make([]string, 0, len(parts))
	err = b.stageFile(bucket, final, func(f *os.File) error {
		for _, part := range parts {
			rc, err := part.Open(ctx)
			if err != nil {
				return err
			}
			n, err := storage.CopyContext(ctx, f, rc)
			rc.Close()
			if err != nil {
				return err
			}
			total += n
			etags = append(etags, part.ETag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	etag, err := checksum.MultipartETag(etags)
	if err != nil {
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"parts":  len(parts),
		"size":   total,
	}).Debug("Multipart data assembled")

	return &storage.StoreResult{Size: total, ETag: etag}, nil
}

func (b *Backend) WriteDataToStream(ctx context.Context, bucket, key string, w io.Writer, rng *storage.ByteRange) (bool, error) {
	if err := b.requireBucket(bucket); err != nil {
		return false, err
	}
	if !validKey(key) {
		return false, nil
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return false, nil
	}

	b.locks.RLock(b.lockID(bucket, key))
	defer b.locks.RUnlock(b.lockID(bucket, key))

	f, err := os.Open(final)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("opening object data: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("inspecting object data: %w", err)
	}
	if fi.IsDir() {
		return false, nil
	}

	if rng == nil {
		if _, err := storage.CopyContext(ctx, w, f); err != nil {
			return true, err
		}
		return true, nil
	}

	if !rng.Valid(fi.Size()) {
		return false, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return false, fmt.Errorf("seeking to range start: %w", err)
	}
	if _, err := storage.CopyRange(ctx, w, f, *rng); err != nil {
		return true, err
	}
	return true, nil
}

func (b *Backend) DataExists(ctx context.Context, bucket, key string) (bool, error) {
	if err := b.requireBucket(bucket); err != nil {
		return false, err
	}
	if !validKey(key) {
		return false, nil
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return false, nil
	}
	fi, err := os.Stat(final)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object data: %w", err)
	}
	return fi.Mode().IsRegular(), nil
}

func (b *Backend) GetDataInfo(ctx context.Context, bucket, key string) (*storage.DataInfo, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return nil, s3err.ErrNoSuchKey
	}
	fi, err := os.Stat(final)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchKey
		}
		return nil, fmt.Errorf("inspecting object data: %w", err)
	}
	if fi.IsDir() {
		return nil, s3err.ErrNoSuchKey
	}
	return &storage.DataInfo{
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
	}, nil
}

func (b *Backend) DeleteData(ctx context.Context, bucket, key string) (bool, error) {
	if err := b.requireBucket(bucket); err != nil {
		return false, err
	}
	if !validKey(key) {
		return false, nil
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return false, nil
	}

	b.locks.Lock(b.lockID(bucket, key))
	defer b.locks.Unlock(b.lockID(bucket, key))

	if fi, err := os.Stat(final); err != nil || fi.IsDir() {
		return false, nil
	}
	if err := os.Remove(final); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting object data: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(final), filepath.Join(b.bucketDir(bucket), dataDir))
	return true, nil
}

func (b *Backend) CopyData(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (*storage.StoreResult, error) {
	if err := b.requireBucket(srcBucket); err != nil {
		return nil, err
	}
	srcPath, err := b.dataPath(srcBucket, srcKey)
	if err != nil {
		return nil, s3err.ErrNoSuchKey
	}

	// Hold the source lock only while opening. Writers replace data files by
	// rename, never in place, so the open handle stays a consistent snapshot.
	// Holding it across StoreData would deadlock a copy onto its own key,
	// which waits on the destination's write lock.
	b.locks.RLock(b.lockID(srcBucket, srcKey))
	src, err := os.Open(srcPath)
	b.locks.RUnlock(b.lockID(srcBucket, srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchKey
		}
		return nil, fmt.Errorf("opening copy source: %w", err)
	}
	defer src.Close()

	// re-ingesting computes the same ETag a fresh upload of these bytes would
	return b.StoreData(ctx, dstBucket, dstKey, src, nil, nil)
}

func (b *Backend) ComputeETag(ctx context.Context, bucket, key string) (string, error) {
	if err := b.requireBucket(bucket); err != nil {
		return "", err
	}
	final, err := b.dataPath(bucket, key)
	if err != nil {
		return "", s3err.ErrNoSuchKey
	}

	b.locks.RLock(b.lockID(bucket, key))
	defer b.locks.RUnlock(b.lockID(bucket, key))

	f, err := os.Open(final)
	if err != nil {
		if os.IsNotExist(err) {
			return "", s3err.ErrNoSuchKey
		}
		return "", fmt.Errorf("opening object data: %w", err)
	}
	defer f.Close()

	calc := checksum.NewCalculator(nil, nil)
	if _, err := storage.CopyContext(ctx, calc, f); err != nil {
		return "", err
	}
	res := calc.Finish()
	return res.ETag, nil
}

func (b *Backend) ListDataKeys(ctx context.Context, bucket string, bucketType storage.BucketType, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	if err := storage.ValidateListOptions(bucketType, opts); err != nil {
		return nil, err
	}

	root := filepath.Join(b.bucketDir(bucket), dataDir)

	type fileKey struct {
		key     string
		modTime time.Time
	}
	var files []fileKey
	err := filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileKey{key: filepath.ToSlash(rel), modTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Paginate(nil, opts), nil
		}
		return nil, fmt.Errorf("walking bucket data: %w", err)
	}

	if bucketType == storage.BucketTypeDirectory {
		// approximate insertion order by modification time
		sort.Slice(files, func(i, j int) bool {
			if !files[i].modTime.Equal(files[j].modTime) {
				return files[i].modTime.Before(files[j].modTime)
			}
			return files[i].key < files[j].key
		})
	} else {
		sort.Slice(files, func(i, j int) bool { return files[i].key < files[j].key })
	}

	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.key
	}
	return storage.Paginate(keys, opts), nil
}

func (b *Backend) StoreMetadata(ctx context.Context, obj *storage.ObjectInfo) error {
	if err := b.requireBucket(obj.Bucket); err != nil {
		return err
	}
	final, err := b.metaPath(obj.Bucket, obj.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), dirMode); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	return b.writeJSON(filepath.Dir(final), final, obj)
}

func (b *Backend) GetMetadata(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	final, err := b.metaPath(bucket, key)
	if err != nil {
		return nil, err
	}
	var obj storage.ObjectInfo
	if err := b.readJSON(final, &obj); err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchKey
		}
		return nil, err
	}
	return &obj, nil
}

func (b *Backend) DeleteMetadata(ctx context.Context, bucket, key string) (bool, error) {
	if err := b.requireBucket(bucket); err != nil {
		return false, err
	}
	final, err := b.metaPath(bucket, key)
	if err != nil {
		return false, nil
	}
	if err := os.Remove(final); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting object metadata: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(final), filepath.Join(b.bucketDir(bucket), metaDir))
	return true, nil
}

// pruneEmptyDirs removes now-empty directories between dir and stop
// (exclusive) left behind by nested keys.
func (b *Backend) pruneEmptyDirs(dir, stop string) {
	for dir != stop && len(dir) > len(stop) {
		if err := os.Remove(dir); err != nil {
			return // not empty or already gone
		}
		dir = filepath.Dir(dir)
	}
}
