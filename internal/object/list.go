package object

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

// ListRequest parameterizes one listing page.
type ListRequest struct {
	Bucket     string
	Prefix     string
	Delimiter  string
	StartAfter string
	MaxKeys    int
}

// ListResponse is one page of objects and rolled-up common prefixes.
type ListResponse struct {
	Bucket         *storage.BucketInfo
	Objects        []*storage.ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool
	NextToken      string
}

// ListObjects enumerates a bucket page: keys come from the data store in the
// bucket type's order, each key is resolved to its full metadata view, and
// Directory buckets listing with a delimiter fold the keys of in-progress
// multipart uploads into the common prefixes.
func (s *Service) ListObjects(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	bucket, err := s.backend.GetBucket(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.backend.ListDataKeys(ctx, req.Bucket, bucket.Type, storage.ListOptions{
		Prefix:     req.Prefix,
		Delimiter:  req.Delimiter,
		StartAfter: req.StartAfter,
		MaxKeys:    req.MaxKeys,
	})
	s.timeBackendOp("list_keys", start)
	if err != nil {
		return nil, err
	}

	objects := make([]*storage.ObjectInfo, 0, len(res.Keys))
	for _, key := range res.Keys {
		info, err := s.GetObjectInfo(ctx, req.Bucket, key)
		if err != nil {
			// Deleted between enumeration and resolution; skip it.
			if errors.Is(err, s3err.ErrNoSuchKey) {
				continue
			}
			return nil, err
		}
		objects = append(objects, info)
	}

	prefixes := res.CommonPrefixes
	if bucket.Type == storage.BucketTypeDirectory && req.Delimiter != "" {
		uploads, err := s.backend.ListUploads(ctx, req.Bucket)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(uploads))
		for _, u := range uploads {
			keys = append(keys, u.Key)
		}
		prefixes = mergePrefixes(prefixes, storage.RollupPrefixes(keys, req.Prefix, req.Delimiter))
	}

	return &ListResponse{
		Bucket:         bucket,
		Objects:        objects,
		CommonPrefixes: prefixes,
		IsTruncated:    res.IsTruncated,
		NextToken:      res.NextToken,
	}, nil
}

// mergePrefixes unions two prefix sets into a sorted, deduplicated slice.
func mergePrefixes(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range b {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
