package sqldb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

func (b *Backend) CreateUpload(ctx context.Context, upload *storage.MultipartUploadInfo) error {
	if err := b.requireBucket(ctx, upload.Bucket); err != nil {
		return err
	}
	doc, err := json.Marshal(upload)
	if err != nil {
		return fmt.Errorf("encoding upload record: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO uploads (bucket, upload_id, object_key, document)
		VALUES (?, ?, ?, ?)
	`, upload.Bucket, upload.UploadID, upload.Key, string(doc))
	if err != nil {
		return fmt.Errorf("storing upload record: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"bucket":   upload.Bucket,
		"key":      upload.Key,
		"uploadId": upload.UploadID,
	}).Debug("Multipart upload created")
	return nil
}

func (b *Backend) GetUpload(ctx context.Context, bucket, key, uploadID string) (*storage.MultipartUploadInfo, error) {
	if err := b.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}
	var doc string
	err := b.db.GetContext(ctx, &doc, `
		SELECT document FROM uploads WHERE bucket = ? AND upload_id = ? AND object_key = ?
	`, bucket, uploadID, key)
	if err != nil {
		if isNoRows(err) {
			return nil, s3err.ErrNoSuchUpload
		}
		return nil, fmt.Errorf("loading upload record: %w", err)
	}
	var up storage.MultipartUploadInfo
	if err := json.Unmarshal([]byte(doc), &up); err != nil {
		return nil, fmt.Errorf("decoding upload record: %w", err)
	}
	return &up, nil
}

func (b *Backend) ListUploads(ctx context.Context, bucket string) ([]*storage.MultipartUploadInfo, error) {
	if err := b.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}

	var docs []string
	err := b.db.SelectContext(ctx, &docs, `
		SELECT document FROM uploads WHERE bucket = ?
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	byID := make(map[string]*storage.MultipartUploadInfo, len(docs))
	for _, doc := range docs {
		var up storage.MultipartUploadInfo
		if err := json.Unmarshal([]byte(doc), &up); err != nil {
			return nil, fmt.Errorf("decoding upload record: %w", err)
		}
		byID[up.UploadID] = &up
	}

	// uploads whose initiation record was lost still exist through their parts
	var orphans []struct {
		UploadID  string `db:"upload_id"`
		ObjectKey string `db:"object_key"`
	}
	err = b.db.SelectContext(ctx, &orphans, `
		SELECT DISTINCT upload_id, object_key FROM upload_parts WHERE bucket = ?
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("listing upload parts: %w", err)
	}
	for _, o := range orphans {
		if _, ok := byID[o.UploadID]; !ok {
			byID[o.UploadID] = &storage.MultipartUploadInfo{
				Bucket:   bucket,
				Key:      o.ObjectKey,
				UploadID: o.UploadID,
			}
		}
	}

	out := make([]*storage.MultipartUploadInfo, 0, len(byID))
	for _, up := range byID {
		out = append(out, up)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].UploadID < out[j].UploadID
	})
	return out, nil
}

func (b *Backend) DeleteUpload(ctx context.Context, bucket, key, uploadID string) (bool, error) {
	if err := b.requireBucket(ctx, bucket); err != nil {
		return false, err
	}
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM uploads WHERE bucket = ? AND upload_id = ?
	`, bucket, uploadID)
	if err != nil {
		return false, fmt.Errorf("deleting upload record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting upload record: %w", err)
	}
	return n > 0, nil
}

func (b *Backend) StorePart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, validator *auth.ChunkValidator, req *storage.ChecksumRequest) (*storage.PartInfo, error) {
	if err := b.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	res, err := storage.Ingest(ctx, r, validator, req, &buf)
	if err != nil {
		return nil, err
	}

	info := storage.PartInfo{
		PartNumber:   partNumber,
		Size:         res.Size,
		ETag:         res.ETag,
		LastModified: time.Now().UTC(),
		Checksums:    res.Checksums,
	}
	doc, err := json.Marshal(&info)
	if err != nil {
		return nil, fmt.Errorf("encoding part record: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO upload_parts (bucket, upload_id, part_number, object_key, payload, document)
		VALUES (?, ?, ?, ?, ?, ?)
	`, bucket, uploadID, partNumber, key, buf.Bytes(), string(doc))
	if err != nil {
		return nil, fmt.Errorf("storing part: %w", err)
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
	if err := b.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}
	var docs []string
	err := b.db.SelectContext(ctx, &docs, `
		SELECT document FROM upload_parts
		WHERE bucket = ? AND upload_id = ?
		ORDER BY part_number
	`, bucket, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	out := make([]*storage.PartInfo, 0, len(docs))
	for _, doc := range docs {
		var info storage.PartInfo
		if err := json.Unmarshal([]byte(doc), &info); err != nil {
			return nil, fmt.Errorf("decoding part record: %w", err)
		}
		out = append(out, &info)
	}
	return out, nil
}

func (b *Backend) OpenPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (io.ReadCloser, error) {
	if err := b.requireBucket(ctx, bucket); err != nil {
		return nil, err
	}
	var payload []byte
	err := b.db.GetContext(ctx, &payload, `
		SELECT payload FROM upload_parts
		WHERE bucket = ? AND upload_id = ? AND part_number = ?
	`, bucket, uploadID, partNumber)
	if err != nil {
		if isNoRows(err) {
			return nil, s3err.ErrInvalidPart
		}
		return nil, fmt.Errorf("loading part data: %w", err)
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (b *Backend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	if err := b.requireBucket(ctx, bucket); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM upload_parts WHERE bucket = ? AND upload_id = ?
	`, bucket, uploadID)
	if err != nil {
		return fmt.Errorf("deleting parts: %w", err)
	}
	return nil
}
