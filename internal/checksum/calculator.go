package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Calculator streams bytes through every registered hasher in one pass. It
// always maintains the SHA-256 content hash so the ETag is available even
// when no checksum was requested. Expected values may be supplied up front
// (request headers) or after the body has been consumed (trailers); either
// way, algorithms that will be validated must be registered before writing.
type Calculator struct {
	hashers  map[Algorithm]hash.Hash
	expected map[Algorithm]string
	etag     hash.Hash
	size     int64
}

// Result is the outcome of a finished Calculator.
type Result struct {
	// Checksums holds the base64 value per registered algorithm.
	Checksums map[Algorithm]string
	// ETag is the lowercase hex SHA-256 of the content (single-part form).
	ETag string
	// Size is the number of bytes written.
	Size int64
	// Valid is false when any expected value disagreed with the computed
	// one; Mismatched then names the offending algorithm.
	Valid      bool
	Mismatched Algorithm
}

// NewCalculator registers hashers for the requested algorithms plus every
// algorithm named in expected. A nil expected map disables validation.
func NewCalculator(algorithms []Algorithm, expected map[Algorithm]string) *Calculator {
	c := &Calculator{
		hashers:  make(map[Algorithm]hash.Hash),
		expected: make(map[Algorithm]string),
		etag:     sha256.New(),
	}
	for _, a := range algorithms {
		c.register(a)
	}
	for a, v := range expected {
		c.register(a)
		c.expected[a] = v
	}
	return c
}

func (c *Calculator) register(a Algorithm) {
	if _, ok := c.hashers[a]; ok {
		return
	}
	if h := newHasher(a); h != nil {
		c.hashers[a] = h
	}
}

// Write implements io.Writer so the calculator can sit behind an
// io.TeeReader or io.MultiWriter on the ingest path.
func (c *Calculator) Write(p []byte) (int, error) {
	for _, h := range c.hashers {
		h.Write(p)
	}
	c.etag.Write(p)
	c.size += int64(len(p))
	return len(p), nil
}

// AddExpected records a value that only became known after the body was
// read, such as a trailer checksum. The algorithm must already be
// registered; an unregistered algorithm is recorded and will fail
// validation, since its digest was never computed.
func (c *Calculator) AddExpected(a Algorithm, value string) {
	c.expected[a] = value
}

// Size returns the number of bytes written so far.
func (c *Calculator) Size() int64 {
	return c.size
}

// Finish computes all digests and validates them against the expected
// values. Comparison is an exact match on the base64 strings.
func (c *Calculator) Finish() Result {
	res := Result{
		Checksums: make(map[Algorithm]string, len(c.hashers)),
		ETag:      hex.EncodeToString(c.etag.Sum(nil)),
		Size:      c.size,
		Valid:     true,
	}
	for a, h := range c.hashers {
		res.Checksums[a] = encodeSum(a, h)
	}
	for a, want := range c.expected {
		got, ok := res.Checksums[a]
		if !ok || got != want {
			res.Valid = false
			res.Mismatched = a
			break
		}
	}
	return res
}

// ReaderETag consumes r and returns the single-part ETag of its contents.
// Used when metadata is synthesized on the fly from stored data.
func ReaderETag(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
