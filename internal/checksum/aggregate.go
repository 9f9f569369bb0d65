package checksum

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Aggregate computes the multipart "checksum of checksums": each part value
// is base64-decoded in declared order, the raw bytes are concatenated, and
// the same algorithm is run over the concatenation. Swapping two distinct
// parts therefore changes the result. An empty list yields no aggregate.
func Aggregate(a Algorithm, parts []string) (string, error) {
	if len(parts) == 0 {
		return "", nil
	}
	h := newHasher(a)
	if h == nil {
		return "", fmt.Errorf("unsupported checksum algorithm %q", a)
	}
	for i, p := range parts {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("part %d: decoding checksum: %w", i+1, err)
		}
		h.Write(raw)
	}
	return encodeSum(a, h), nil
}

// AggregateSet aggregates every algorithm for which at least one part
// carries a value. partChecksums is ordered by declared part position.
func AggregateSet(partChecksums []map[Algorithm]string) (map[Algorithm]string, error) {
	out := make(map[Algorithm]string)
	for _, a := range Algorithms {
		var values []string
		for _, pc := range partChecksums {
			if v, ok := pc[a]; ok && v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		agg, err := Aggregate(a, values)
		if err != nil {
			return nil, err
		}
		out[a] = agg
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// MultipartETag derives the object ETag for an assembled multipart upload:
// the hex digest bytes of each part ETag are concatenated, hashed, and the
// part count is appended after a dash.
func MultipartETag(partETags []string) (string, error) {
	h := sha256.New()
	for i, et := range partETags {
		raw, err := hex.DecodeString(TrimETag(et))
		if err != nil {
			return "", fmt.Errorf("part %d: decoding etag: %w", i+1, err)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partETags)), nil
}

// TrimETag strips the surrounding double quotes clients include when echoing
// ETags back, as in CompleteMultipartUpload bodies.
func TrimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}
