package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

// partRecord is the sidecar document stored next to each part's bytes. It
// carries the object key so an upload whose initiation record is gone can
// still be listed and completed.
type partRecord struct {
	Key  string           `json:"key"`
	Info storage.PartInfo `json:"info"`
}

func (b *Backend) CreateUpload(ctx context.Context, upload *storage.MultipartUploadInfo) error {
	if err := b.requireBucket(upload.Bucket); err != nil {
		return err
	}
	dir, err := b.uploadDir(upload.Bucket, upload.UploadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating upload directory: %w", err)
	}
	if err := b.writeJSON(dir, filepath.Join(dir, uploadInfoFile), upload); err != nil {
		return err
	}

	b.logger.WithFields(logrus.Fields{
		"bucket":   upload.Bucket,
		"key":      upload.Key,
		"uploadId": upload.UploadID,
	}).Debug("Multipart upload created")
	return nil
}

func (b *Backend) GetUpload(ctx context.Context, bucket, key, uploadID string) (*storage.MultipartUploadInfo, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	dir, err := b.uploadDir(bucket, uploadID)
	if err != nil {
		return nil, err
	}
	var up storage.MultipartUploadInfo
	if err := b.readJSON(filepath.Join(dir, uploadInfoFile), &up); err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrNoSuchUpload
		}
		return nil, err
	}
	if up.Key != key {
		return nil, s3err.ErrNoSuchUpload
	}
	return &up, nil
}

func (b *Backend) ListUploads(ctx context.Context, bucket string) ([]*storage.MultipartUploadInfo, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}

	root := filepath.Join(b.bucketDir(bucket), uploadsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading uploads directory: %w", err)
	}

	var out []*storage.MultipartUploadInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		uploadID := e.Name()
		dir := filepath.Join(root, uploadID)

		var up storage.MultipartUploadInfo
		if err := b.readJSON(filepath.Join(dir, uploadInfoFile), &up); err == nil {
			out = append(out, &up)
			continue
		} else if !os.IsNotExist(err) {
			return nil, err
		}

		// initiation record lost: the upload still exists through its parts
		key, ok, err := b.anyPartKey(dir)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, &storage.MultipartUploadInfo{
				Bucket:   bucket,
				Key:      key,
				UploadID: uploadID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].UploadID < out[j].UploadID
	})
	return out, nil
}

// anyPartKey reads the object key out of the first part sidecar in dir.
func (b *Backend) anyPartKey(dir string) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || e.Name() == uploadInfoFile {
			continue
		}
		var rec partRecord
		if err := b.readJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			continue
		}
		return rec.Key, true, nil
	}
	return "", false, nil
}

func (b *Backend) DeleteUpload(ctx context.Context, bucket, key, uploadID string) (bool, error) {
	if err := b.requireBucket(bucket); err != nil {
		return false, err
	}
	dir, err := b.uploadDir(bucket, uploadID)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filepath.Join(dir, uploadInfoFile)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting upload record: %w", err)
	}
	os.Remove(dir) // succeeds only once no parts remain
	return true, nil
}

func (b *Backend) StorePart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, validator *auth.ChunkValidator, req *storage.ChecksumRequest) (*storage.PartInfo, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	dir, err := b.uploadDir(bucket, uploadID)
	if err != nil {
		return nil, err
	}

	final := filepath.Join(dir, partFileName(partNumber))
	lock := b.lockID(bucket, uploadID+"/"+partFileName(partNumber))
	b.locks.Lock(lock)
	defer b.locks.Unlock(lock)

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	var info storage.PartInfo
	err = b.stageFile(bucket, final, func(f *os.File) error {
		res, ierr := storage.Ingest(ctx, r, validator, req, f)
		if ierr != nil {
			return ierr
		}
		info = storage.PartInfo{
			PartNumber:   partNumber,
			Size:         res.Size,
			ETag:         res.ETag,
			LastModified: time.Now().UTC(),
			Checksums:    res.Checksums,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := b.writeJSON(dir, final+".json", &partRecord{Key: key, Info: info}); err != nil {
		os.Remove(final)
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"bucket":     bucket,
		"uploadId":   uploadID,
		"partNumber": partNumber,
		"size":       info.Size,
	}).Debug("Part stored")
	return &info, nil
}

func (b *Backend) ListParts(ctx context.Context, bucket, key, uploadID string) ([]*storage.PartInfo, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	dir, err := b.uploadDir(bucket, uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading upload directory: %w", err)
	}

	var out []*storage.PartInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || e.Name() == uploadInfoFile {
			continue
		}
		var rec partRecord
		if err := b.readJSON(filepath.Join(dir, e.Name()), &rec); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		info := rec.Info
		out = append(out, &info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (b *Backend) OpenPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (io.ReadCloser, error) {
	if err := b.requireBucket(bucket); err != nil {
		return nil, err
	}
	dir, err := b.uploadDir(bucket, uploadID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, partFileName(partNumber)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3err.ErrInvalidPart
		}
		return nil, fmt.Errorf("opening part data: %w", err)
	}
	return f, nil
}

func (b *Backend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	if err := b.requireBucket(bucket); err != nil {
		return err
	}
	dir, err := b.uploadDir(bucket, uploadID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading upload directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == uploadInfoFile {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting part: %w", err)
		}
	}
	os.Remove(dir) // succeeds only once the upload record is gone too
	return nil
}
