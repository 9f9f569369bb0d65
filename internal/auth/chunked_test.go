package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamina-storage/lamina/internal/s3err"
)

const (
	chunkTestDate  = "20130524T000000Z"
	chunkTestScope = "20130524/us-east-1/s3/aws4_request"
)

func chunkTestKey() []byte {
	return DeriveSigningKey("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY", "20130524", "us-east-1")
}

func chunkTestValidator(decoded int64) *ChunkValidator {
	return &ChunkValidator{
		SigningKey:    chunkTestKey(),
		AmzDate:       chunkTestDate,
		Scope:         chunkTestScope,
		SeedSignature: strings.Repeat("ab", 32),
		DecodedLength: decoded,
		Signed:        true,
	}
}

func signTestChunk(key []byte, prevSig string, chunk []byte) string {
	sum := sha256.Sum256(chunk)
	return SignHex(key, strings.Join([]string{
		payloadStringToSign,
		chunkTestDate,
		chunkTestScope,
		prevSig,
		EmptyPayloadHash,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

func signTestTrailer(key []byte, prevSig, canonicalTrailers string) string {
	sum := sha256.Sum256([]byte(canonicalTrailers))
	return SignHex(key, strings.Join([]string{
		trailerStringToSign,
		chunkTestDate,
		chunkTestScope,
		prevSig,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

// buildSignedStream frames chunks the way the AWS SDKs do for
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD, chaining each chunk signature off the
// previous one starting from seed.
func buildSignedStream(key []byte, seed string, chunks [][]byte, trailers [][2]string) []byte {
	var buf bytes.Buffer
	prev := seed
	for _, chunk := range chunks {
		sig := signTestChunk(key, prev, chunk)
		fmt.Fprintf(&buf, "%x;chunk-signature=%s\r\n", len(chunk), sig)
		buf.Write(chunk)
		buf.WriteString("\r\n")
		prev = sig
	}
	finalSig := signTestChunk(key, prev, nil)
	fmt.Fprintf(&buf, "0;chunk-signature=%s\r\n", finalSig)
	if trailers != nil {
		var canonical strings.Builder
		for _, tr := range trailers {
			fmt.Fprintf(&canonical, "%s:%s\n", tr[0], tr[1])
			fmt.Fprintf(&buf, "%s:%s\r\n", tr[0], tr[1])
		}
		fmt.Fprintf(&buf, "x-amz-trailer-signature:%s\r\n", signTestTrailer(key, finalSig, canonical.String()))
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func buildUnsignedStream(chunks [][]byte, trailers [][2]string) []byte {
	var buf bytes.Buffer
	for _, chunk := range chunks {
		fmt.Fprintf(&buf, "%x\r\n", len(chunk))
		buf.Write(chunk)
		buf.WriteString("\r\n")
	}
	buf.WriteString("0\r\n")
	for _, tr := range trailers {
		fmt.Fprintf(&buf, "%s:%s\r\n", tr[0], tr[1])
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func TestChunkedReaderSignedPayload(t *testing.T) {
	tests := []struct {
		name   string
		chunks [][]byte
	}{
		{"single chunk", [][]byte{[]byte("hello world")}},
		{"multiple chunks", [][]byte{[]byte("hello "), []byte("wor"), []byte("ld!")}},
		{"empty payload", nil},
		{"binary chunk", [][]byte{{0x00, 0xff, 0x10, 0x0d, 0x0a}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var want []byte
			for _, c := range tt.chunks {
				want = append(want, c...)
			}
			v := chunkTestValidator(int64(len(want)))
			stream := buildSignedStream(v.SigningKey, v.SeedSignature, tt.chunks, nil)

			cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
			got, err := io.ReadAll(cr)
			require.NoError(t, err)
			assert.Equal(t, string(want), string(got))
			assert.Equal(t, int64(len(want)), cr.Decoded())
		})
	}
}

func TestChunkedReaderSmallReadBuffer(t *testing.T) {
	v := chunkTestValidator(26)
	stream := buildSignedStream(v.SigningKey, v.SeedSignature,
		[][]byte{[]byte("abcdefghijklm"), []byte("nopqrstuvwxyz")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	var out bytes.Buffer
	buf := make([]byte, 3)
	for {
		n, err := cr.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz", out.String())
}

func TestChunkedReaderTamperedPayload(t *testing.T) {
	v := chunkTestValidator(11)
	stream := buildSignedStream(v.SigningKey, v.SeedSignature, [][]byte{[]byte("hello world")}, nil)
	stream = bytes.Replace(stream, []byte("hello world"), []byte("hello w0rld"), 1)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrInvalidChunkSignature))
}

func TestChunkedReaderWrongSeedSignature(t *testing.T) {
	v := chunkTestValidator(5)
	stream := buildSignedStream(v.SigningKey, strings.Repeat("cd", 32), [][]byte{[]byte("hello")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrInvalidChunkSignature))
}

func TestChunkedReaderMissingChunkSignature(t *testing.T) {
	v := chunkTestValidator(5)
	stream := buildUnsignedStream([][]byte{[]byte("hello")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrInvalidChunkSignature))
}

func TestChunkedReaderSignedTrailers(t *testing.T) {
	v := chunkTestValidator(11)
	v.Trailer = true
	v.TrailerNames = []string{"x-amz-checksum-crc32"}
	stream := buildSignedStream(v.SigningKey, v.SeedSignature,
		[][]byte{[]byte("hello world")},
		[][2]string{{"x-amz-checksum-crc32", "DUoRhQ=="}})

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	got, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, map[string]string{"x-amz-checksum-crc32": "DUoRhQ=="}, cr.Trailers())
}

func TestChunkedReaderTamperedTrailer(t *testing.T) {
	v := chunkTestValidator(5)
	v.Trailer = true
	v.TrailerNames = []string{"x-amz-checksum-crc32"}
	stream := buildSignedStream(v.SigningKey, v.SeedSignature,
		[][]byte{[]byte("hello")},
		[][2]string{{"x-amz-checksum-crc32", "DUoRhQ=="}})
	stream = bytes.Replace(stream, []byte("DUoRhQ=="), []byte("AAoRhQ=="), 1)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrInvalidChunkSignature))
}

func TestChunkedReaderUndeclaredTrailer(t *testing.T) {
	v := chunkTestValidator(5)
	v.Trailer = true
	v.TrailerNames = []string{"x-amz-checksum-crc32"}
	stream := buildSignedStream(v.SigningKey, v.SeedSignature,
		[][]byte{[]byte("hello")},
		[][2]string{
			{"x-amz-checksum-crc32", "DUoRhQ=="},
			{"x-amz-meta-extra", "surprise"},
		})

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrInvalidArgument))
}

func TestChunkedReaderMissingDeclaredTrailer(t *testing.T) {
	v := chunkTestValidator(5)
	v.Trailer = true
	v.TrailerNames = []string{"x-amz-checksum-sha256"}
	stream := buildSignedStream(v.SigningKey, v.SeedSignature, [][]byte{[]byte("hello")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrIncompleteBody))
}

func TestChunkedReaderUnsignedTrailerMode(t *testing.T) {
	v := &ChunkValidator{
		DecodedLength: 11,
		Trailer:       true,
		TrailerNames:  []string{"x-amz-checksum-crc32c"},
	}
	stream := buildUnsignedStream(
		[][]byte{[]byte("hello "), []byte("world")},
		[][2]string{{"x-amz-checksum-crc32c", "yZRlqg=="}})

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	got, err := io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, "yZRlqg==", cr.Trailers()["x-amz-checksum-crc32c"])
}

func TestChunkedReaderDecodedLengthMismatch(t *testing.T) {
	v := chunkTestValidator(999)
	stream := buildSignedStream(v.SigningKey, v.SeedSignature, [][]byte{[]byte("hello")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrIncompleteBody))
}

func TestChunkedReaderTruncatedStream(t *testing.T) {
	v := chunkTestValidator(11)
	stream := buildSignedStream(v.SigningKey, v.SeedSignature, [][]byte{[]byte("hello world")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream[:len(stream)/2]), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrIncompleteBody))
}

func TestChunkedReaderMalformedChunkSize(t *testing.T) {
	v := chunkTestValidator(5)
	cr := NewChunkedReader(context.Background(), strings.NewReader("zz;chunk-signature=x\r\n"), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, s3err.ErrIncompleteBody))
}

func TestChunkedReaderOversizedChunkHeader(t *testing.T) {
	v := chunkTestValidator(5)

	// a chunk header with no newline must fail at the line limit instead of
	// buffering the stream indefinitely
	cr := NewChunkedReader(context.Background(), strings.NewReader(strings.Repeat("f", maxHeaderLine*4)), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestChunkedReaderCancellation(t *testing.T) {
	v := chunkTestValidator(11)
	stream := buildSignedStream(v.SigningKey, v.SeedSignature, [][]byte{[]byte("hello world")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cr := NewChunkedReader(ctx, bytes.NewReader(stream), v)

	buf := make([]byte, 4)
	_, err := cr.Read(buf)
	require.NoError(t, err)

	cancel()
	_, err = cr.Read(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, s3err.IsCanceled(err))
}

func TestChunkedReaderErrorSticks(t *testing.T) {
	v := chunkTestValidator(5)
	stream := buildSignedStream(v.SigningKey, strings.Repeat("00", 32), [][]byte{[]byte("hello")}, nil)

	cr := NewChunkedReader(context.Background(), bytes.NewReader(stream), v)
	_, err := io.ReadAll(cr)
	require.Error(t, err)

	_, again := cr.Read(make([]byte, 4))
	assert.Equal(t, err, again)
}
