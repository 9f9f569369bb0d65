package request

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/storage"
)

func TestParseCopySource(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		bucket  string
		key     string
		wantErr bool
	}{
		{name: "leading slash", header: "/src-bucket/path/to/key", bucket: "src-bucket", key: "path/to/key"},
		{name: "no leading slash", header: "src-bucket/key.txt", bucket: "src-bucket", key: "key.txt"},
		{name: "url encoded key", header: "/src-bucket/a%20file%2Bplus.txt", bucket: "src-bucket", key: "a file+plus.txt"},
		{name: "version id stripped", header: "/src-bucket/key?versionId=abc123", bucket: "src-bucket", key: "key"},
		{name: "empty", header: "", wantErr: true},
		{name: "bucket only", header: "/src-bucket", wantErr: true},
		{name: "empty key", header: "/src-bucket/", wantErr: true},
		{name: "bad encoding", header: "/src-bucket/bad%zzkey", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseCopySource(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestParseRange(t *testing.T) {
	const size = 20

	tests := []struct {
		name   string
		header string
		want   *storage.ByteRange
	}{
		{name: "absent", header: "", want: nil},
		{name: "middle", header: "bytes=5-14", want: &storage.ByteRange{Start: 5, End: 14}},
		{name: "single byte", header: "bytes=0-0", want: &storage.ByteRange{Start: 0, End: 0}},
		{name: "open ended", header: "bytes=15-", want: &storage.ByteRange{Start: 15, End: 19}},
		{name: "suffix", header: "bytes=-5", want: &storage.ByteRange{Start: 15, End: 19}},
		{name: "suffix larger than object", header: "bytes=-100", want: &storage.ByteRange{Start: 0, End: 19}},
		{name: "end past object kept as requested", header: "bytes=10-100", want: &storage.ByteRange{Start: 10, End: 100}},
		{name: "inverted kept as requested", header: "bytes=14-5", want: &storage.ByteRange{Start: 14, End: 5}},
		{name: "multi range ignored", header: "bytes=0-4,10-14", want: nil},
		{name: "missing unit ignored", header: "5-14", want: nil},
		{name: "garbage ignored", header: "bytes=abc-def", want: nil},
		{name: "negative start ignored", header: "bytes=-5-10", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRange(tt.header, size))
		})
	}

	t.Run("start past EOF is returned for the caller to reject", func(t *testing.T) {
		rng := ParseRange("bytes=25-30", size)
		require.NotNil(t, rng)
		assert.False(t, rng.Valid(size))
	})

	t.Run("end past EOF is returned for the caller to reject", func(t *testing.T) {
		rng := ParseRange("bytes=0-100", size)
		require.NotNil(t, rng)
		assert.False(t, rng.Valid(size))
	})

	t.Run("inverted range is returned for the caller to reject", func(t *testing.T) {
		rng := ParseRange("bytes=15-10", size)
		require.NotNil(t, rng)
		assert.False(t, rng.Valid(size))
	})

	t.Run("suffix of zero bytes is unsatisfiable", func(t *testing.T) {
		rng := ParseRange("bytes=-0", size)
		require.NotNil(t, rng)
		assert.False(t, rng.Valid(size))
	})
}

func TestParseCopySourceRange(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		rng, err := ParseCopySourceRange("")
		require.NoError(t, err)
		assert.Nil(t, rng)
	})

	t.Run("explicit window", func(t *testing.T) {
		rng, err := ParseCopySourceRange("bytes=100-199")
		require.NoError(t, err)
		assert.Equal(t, &storage.ByteRange{Start: 100, End: 199}, rng)
	})

	// Unlike Range, malformed copy ranges are rejected instead of ignored.
	for _, header := range []string{"bytes=100-", "bytes=-100", "100-199", "bytes=xyz-5", "bytes=199-100"} {
		t.Run(header, func(t *testing.T) {
			_, err := ParseCopySourceRange(header)
			assert.Error(t, err)
		})
	}
}

func TestParseChecksums(t *testing.T) {
	t.Run("no checksum headers", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
		req, err := ParseChecksums(r)
		require.NoError(t, err)
		assert.Nil(t, req)
	})

	t.Run("expected value", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
		r.Header.Set("x-amz-checksum-sha256", "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=")
		req, err := ParseChecksums(r)
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", req.Expected[checksum.SHA256])
		assert.Equal(t, []checksum.Algorithm{checksum.SHA256}, req.Algorithms)
	})

	t.Run("two checksum headers conflict", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
		r.Header.Set("x-amz-checksum-crc32", "AAAAAA==")
		r.Header.Set("x-amz-checksum-sha1", "2jmj7l5rSw0yVb/vlWAYkK/YBwk=")
		_, err := ParseChecksums(r)
		assert.Error(t, err)
	})

	t.Run("sdk algorithm requests computation", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
		r.Header.Set("x-amz-sdk-checksum-algorithm", "crc32c")
		req, err := ParseChecksums(r)
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.Nil(t, req.Expected)
		assert.Equal(t, []checksum.Algorithm{checksum.CRC32C}, req.Algorithms)
	})

	t.Run("sdk algorithm matching the value header does not duplicate", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
		r.Header.Set("x-amz-checksum-crc32", "AAAAAA==")
		r.Header.Set("x-amz-sdk-checksum-algorithm", "CRC32")
		req, err := ParseChecksums(r)
		require.NoError(t, err)
		assert.Equal(t, []checksum.Algorithm{checksum.CRC32}, req.Algorithms)
	})

	t.Run("unknown sdk algorithm", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
		r.Header.Set("x-amz-sdk-checksum-algorithm", "MD5")
		_, err := ParseChecksums(r)
		assert.Error(t, err)
	})
}

func TestParseMetadata(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
	r.Header.Set("X-Amz-Meta-Team", "storage")
	r.Header.Set("x-amz-meta-UPPER", "value")
	r.Header.Set("Content-Type", "text/plain")
	r.Header.Set("x-amz-checksum-crc32", "AAAAAA==")

	meta := ParseMetadata(r)
	assert.Equal(t, map[string]string{
		"team":  "storage",
		"upper": "value",
	}, meta)
}

func TestParseMetadataEmpty(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/b/k", nil)
	assert.Nil(t, ParseMetadata(r))
}

func TestParseMaxKeys(t *testing.T) {
	n, err := ParseMaxKeys("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ParseMaxKeys("250")
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	_, err = ParseMaxKeys("-1")
	assert.Error(t, err)

	_, err = ParseMaxKeys("lots")
	assert.Error(t, err)
}

func TestParsePartNumber(t *testing.T) {
	n, err := ParsePartNumber("7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = ParsePartNumber("")
	assert.Error(t, err)

	_, err = ParsePartNumber("seven")
	assert.Error(t, err)
}
