package storage

import (
	"strings"

	"github.com/lamina-storage/lamina/internal/s3err"
)

// DefaultMaxKeys caps a listing page when the caller does not set MaxKeys.
const DefaultMaxKeys = 1000

// ValidateListOptions enforces the Directory-bucket listing constraints: the
// delimiter, when present, must be "/" and a non-empty prefix used together
// with a delimiter must end with it.
func ValidateListOptions(bucketType BucketType, opts ListOptions) error {
	if bucketType != BucketTypeDirectory || opts.Delimiter == "" {
		return nil
	}
	if opts.Delimiter != "/" {
		return s3err.ErrInvalidArgument.WithMessage("directory buckets support only the \"/\" delimiter, got %q", opts.Delimiter)
	}
	if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, opts.Delimiter) {
		return s3err.ErrInvalidArgument.WithMessage("directory bucket prefix %q must end with the delimiter", opts.Prefix)
	}
	return nil
}

// Paginate runs the listing algorithm over an already-ordered key sequence:
// prefix filter, startAfter strict-greater filter, delimiter rollup into
// deduplicated common prefixes, and maxKeys truncation counting keys and
// prefixes together. Backends supply the ordering (code-point ascending for
// GeneralPurpose buckets, insertion order for Directory buckets).
func Paginate(keys []string, opts ListOptions) *ListResult {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	res := &ListResult{}
	seen := make(map[string]struct{})
	for _, key := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}

		item := key
		isPrefix := false
		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if d := strings.Index(rest, opts.Delimiter); d >= 0 {
				item = opts.Prefix + rest[:d+len(opts.Delimiter)]
				isPrefix = true
				if _, dup := seen[item]; dup {
					continue
				}
			}
		}

		if len(res.Keys)+len(res.CommonPrefixes) >= maxKeys {
			res.IsTruncated = true
			break
		}
		if isPrefix {
			seen[item] = struct{}{}
			res.CommonPrefixes = append(res.CommonPrefixes, item)
		} else {
			res.Keys = append(res.Keys, item)
		}
		res.NextToken = item
	}
	return res
}

// RollupPrefixes extracts the delimiter-based common prefixes from keys
// without pagination. Used to merge in-progress multipart upload keys into a
// Directory-bucket listing.
func RollupPrefixes(keys []string, prefix, delimiter string) []string {
	if delimiter == "" {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, key := range keys {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		d := strings.Index(rest, delimiter)
		if d < 0 {
			continue
		}
		p := prefix + rest[:d+len(delimiter)]
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
