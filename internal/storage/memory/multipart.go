package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

// partKey orders parts of one upload lexicographically by part number so a
// sorted scan over the map keys yields assembly order.
func partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s/%05d", uploadID, partNumber)
}

func (b *Backend) CreateUpload(ctx context.Context, upload *storage.MultipartUploadInfo) error {
	bs, err := b.state(upload.Bucket)
	if err != nil {
		return err
	}
	cp := *upload
	cp.Metadata = cloneStringMap(upload.Metadata)
	if upload.Owner != nil {
		owner := *upload.Owner
		cp.Owner = &owner
	}
	bs.uploads.Store(upload.UploadID, &cp)
	b.logger.WithField("uploadId", upload.UploadID).Debug("Multipart upload created")
	return nil
}

func (b *Backend) GetUpload(ctx context.Context, bucket, key, uploadID string) (*storage.MultipartUploadInfo, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	up, ok := bs.uploads.Load(uploadID)
	if !ok || up.Key != key {
		return nil, s3err.ErrNoSuchUpload
	}
	cp := *up
	cp.Metadata = cloneStringMap(up.Metadata)
	return &cp, nil
}

func (b *Backend) ListUploads(ctx context.Context, bucket string) ([]*storage.MultipartUploadInfo, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*storage.MultipartUploadInfo)
	bs.uploads.Range(func(id string, up *storage.MultipartUploadInfo) bool {
		cp := *up
		cp.Metadata = cloneStringMap(up.Metadata)
		byID[id] = &cp
		return true
	})
	// uploads whose initiation record was lost still exist through their parts
	bs.parts.Range(func(_ string, pe *partEntry) bool {
		if _, ok := byID[pe.uploadID]; !ok {
			byID[pe.uploadID] = &storage.MultipartUploadInfo{
				Bucket:   bucket,
				Key:      pe.key,
				UploadID: pe.uploadID,
			}
		}
		return true
	})
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
	bs, err := b.state(bucket)
	if err != nil {
		return false, err
	}
	_, removed := bs.uploads.LoadAndDelete(uploadID)
	return removed, nil
}

func (b *Backend) StorePart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, validator *auth.ChunkValidator, req *storage.ChecksumRequest) (*storage.PartInfo, error) {
	bs, err := b.state(bucket)
	if err != nil {
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
	bs.parts.Store(partKey(uploadID, partNumber), &partEntry{
		uploadID: uploadID,
		key:      key,
		info:     info,
		data:     buf.Bytes(),
	})
	cp := info
	cp.Checksums = cloneChecksums(info.Checksums)
	return &cp, nil
}

func (b *Backend) ListParts(ctx context.Context, bucket, key, uploadID string) ([]*storage.PartInfo, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	var out []*storage.PartInfo
	prefix := uploadID + "/"
	bs.parts.Range(func(k string, pe *partEntry) bool {
		if strings.HasPrefix(k, prefix) {
			cp := pe.info
			cp.Checksums = cloneChecksums(pe.info.Checksums)
			out = append(out, &cp)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}

func (b *Backend) OpenPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (io.ReadCloser, error) {
	bs, err := b.state(bucket)
	if err != nil {
		return nil, err
	}
	pe, ok := bs.parts.Load(partKey(uploadID, partNumber))
	if !ok {
		return nil, s3err.ErrInvalidPart
	}
	return io.NopCloser(bytes.NewReader(pe.data)), nil
}

func (b *Backend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	bs, err := b.state(bucket)
	if err != nil {
		return err
	}
	prefix := uploadID + "/"
	var stale []string
	bs.parts.Range(func(k string, _ *partEntry) bool {
		if strings.HasPrefix(k, prefix) {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		bs.parts.Delete(k)
	}
	return nil
}
