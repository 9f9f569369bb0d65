package auth

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	"github.com/lamina-storage/lamina/internal/s3err"
)

const (
	chunkSignaturePrefix = ";chunk-signature="
	trailerSignatureName = "x-amz-trailer-signature"

	payloadStringToSign = "AWS4-HMAC-SHA256-PAYLOAD"
	trailerStringToSign = "AWS4-HMAC-SHA256-TRAILER"

	// maxChunkSize guards against absurd chunk headers; AWS caps client
	// chunks well below this.
	maxChunkSize = 1 << 30

	maxHeaderLine  = 4096
	maxTrailerLine = 16384
)

// ChunkValidator carries everything the chunked-payload parser needs to
// verify a streaming upload: the derived signing key, the request's scope
// and timestamp, the seed signature anchoring the chunk chain, the declared
// decoded length, and the trailer names the client promised to send.
// Signed is false for STREAMING-UNSIGNED-PAYLOAD-TRAILER bodies, which use
// the same framing without per-chunk signatures.
type ChunkValidator struct {
	SigningKey    []byte
	AmzDate       string
	Scope         string
	SeedSignature string
	DecodedLength int64
	Signed        bool
	Trailer       bool
	TrailerNames  []string
}

// ChunkedReader decodes an aws-chunked request body, verifying per-chunk
// signatures and trailer signatures as it goes. It emits only payload bytes
// and never buffers more than the bufio window, so downstream consumers
// control the pace. After EOF, Trailers exposes any trailer headers sent by
// the client.
type ChunkedReader struct {
	ctx context.Context
	br  *bufio.Reader
	v   *ChunkValidator

	prevSig    string
	pendingSig string
	chunkHash  hash.Hash
	remaining  int64
	decoded    int64

	trailers map[string]string
	finished bool
	err      error
}

// NewChunkedReader wraps body with the streaming validator. The reader
// checks ctx on every call so a cancelled request aborts promptly.
func NewChunkedReader(ctx context.Context, body io.Reader, v *ChunkValidator) *ChunkedReader {
	return &ChunkedReader{
		ctx:       ctx,
		br:        bufio.NewReader(body),
		v:         v,
		prevSig:   v.SeedSignature,
		chunkHash: sha256.New(),
		trailers:  make(map[string]string),
	}
}

func (cr *ChunkedReader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if err := cr.ctx.Err(); err != nil {
		return 0, cr.fail(err)
	}
	for {
		if cr.finished {
			return 0, io.EOF
		}
		if cr.remaining > 0 {
			return cr.readPayload(p)
		}
		if err := cr.nextChunk(); err != nil {
			return 0, cr.fail(err)
		}
	}
}

// Trailers returns the trailer headers received after the final chunk,
// keyed by lowercase name. Only meaningful once Read has returned io.EOF.
func (cr *ChunkedReader) Trailers() map[string]string {
	return cr.trailers
}

// Decoded returns the number of payload bytes emitted so far.
func (cr *ChunkedReader) Decoded() int64 {
	return cr.decoded
}

func (cr *ChunkedReader) fail(err error) error {
	if cr.err == nil {
		cr.err = err
	}
	return cr.err
}

func (cr *ChunkedReader) readPayload(p []byte) (int, error) {
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.br.Read(p)
	if n > 0 {
		cr.chunkHash.Write(p[:n])
		cr.remaining -= int64(n)
		cr.decoded += int64(n)
	}
	if err != nil {
		if err == io.EOF {
			err = s3err.ErrIncompleteBody
		}
		return n, cr.fail(err)
	}
	if cr.remaining == 0 {
		if err := cr.finishChunk(); err != nil {
			return n, cr.fail(err)
		}
	}
	return n, nil
}

// nextChunk parses the next chunk header. A zero-size header terminates the
// stream: its (empty) signature is verified, trailers are consumed, and the
// declared decoded length is checked.
func (cr *ChunkedReader) nextChunk() error {
	line, err := cr.readLine(maxHeaderLine)
	if err != nil {
		return err
	}
	size, sig, err := cr.parseChunkHeader(line)
	if err != nil {
		return err
	}
	cr.pendingSig = sig
	cr.chunkHash.Reset()

	if size == 0 {
		if err := cr.verifyChunk(); err != nil {
			return err
		}
		if cr.v.Trailer {
			if err := cr.readTrailers(); err != nil {
				return err
			}
		} else {
			cr.discardTrailingCRLF()
		}
		if cr.v.DecodedLength >= 0 && cr.decoded != cr.v.DecodedLength {
			return s3err.ErrIncompleteBody
		}
		cr.finished = true
		return nil
	}
	if size > maxChunkSize {
		return s3err.ErrInvalidArgument.WithMessage("chunk size %d exceeds limit", size)
	}
	cr.remaining = size
	return nil
}

func (cr *ChunkedReader) parseChunkHeader(line string) (int64, string, error) {
	sizePart := line
	sig := ""
	if idx := strings.Index(line, ";"); idx >= 0 {
		sizePart = line[:idx]
		rest := line[idx:]
		if !strings.HasPrefix(rest, chunkSignaturePrefix) {
			return 0, "", s3err.ErrIncompleteBody.WithMessage("malformed chunk extension %q", rest)
		}
		sig = rest[len(chunkSignaturePrefix):]
	}
	size, err := strconv.ParseInt(sizePart, 16, 64)
	if err != nil || size < 0 {
		return 0, "", s3err.ErrIncompleteBody.WithMessage("malformed chunk size %q", sizePart)
	}
	if cr.v.Signed && len(sig) != 64 {
		return 0, "", s3err.ErrInvalidChunkSignature
	}
	return size, sig, nil
}

// finishChunk consumes the CRLF after the payload and verifies the chunk
// signature over the bytes just read.
func (cr *ChunkedReader) finishChunk() error {
	if err := cr.consumeCRLF(); err != nil {
		return err
	}
	return cr.verifyChunk()
}

func (cr *ChunkedReader) verifyChunk() error {
	if !cr.v.Signed {
		return nil
	}
	stringToSign := strings.Join([]string{
		payloadStringToSign,
		cr.v.AmzDate,
		cr.v.Scope,
		cr.prevSig,
		EmptyPayloadHash,
		hex.EncodeToString(cr.chunkHash.Sum(nil)),
	}, "\n")
	expected := SignHex(cr.v.SigningKey, stringToSign)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(cr.pendingSig)) != 1 {
		return s3err.ErrInvalidChunkSignature
	}
	cr.prevSig = cr.pendingSig
	return nil
}

// readTrailers consumes "name:value" lines after the terminating chunk,
// verifies the trailer signature in signed mode, and checks that every
// declared trailer arrived.
func (cr *ChunkedReader) readTrailers() error {
	var canonical strings.Builder
	trailerSig := ""
	for {
		line, err := cr.readLine(maxTrailerLine)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return s3err.ErrIncompleteBody.WithMessage("malformed trailer line")
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == trailerSignatureName {
			trailerSig = value
			continue
		}
		if !cr.trailerDeclared(name) {
			return s3err.ErrInvalidArgument.WithMessage("undeclared trailer %q", name)
		}
		cr.trailers[name] = value
		canonical.WriteString(name)
		canonical.WriteString(":")
		canonical.WriteString(value)
		canonical.WriteString("\n")
	}

	for _, declared := range cr.v.TrailerNames {
		if _, ok := cr.trailers[strings.ToLower(declared)]; !ok {
			return s3err.ErrIncompleteBody.WithMessage("declared trailer %q missing", declared)
		}
	}
	if !cr.v.Signed {
		return nil
	}

	sum := sha256.Sum256([]byte(canonical.String()))
	stringToSign := strings.Join([]string{
		trailerStringToSign,
		cr.v.AmzDate,
		cr.v.Scope,
		cr.prevSig,
		hex.EncodeToString(sum[:]),
	}, "\n")
	expected := SignHex(cr.v.SigningKey, stringToSign)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(trailerSig)) != 1 {
		return s3err.ErrInvalidChunkSignature
	}
	return nil
}

func (cr *ChunkedReader) trailerDeclared(name string) bool {
	for _, t := range cr.v.TrailerNames {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// readLine reads up to the next LF, enforcing limit as it goes so a stream
// with no newline cannot buffer without bound.
func (cr *ChunkedReader) readLine(limit int) (string, error) {
	var line strings.Builder
	for {
		c, err := cr.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				if line.Len() == 0 {
					return "", io.EOF
				}
				// tolerate a final line without CRLF
				return strings.TrimRight(line.String(), "\r"), nil
			}
			return "", err
		}
		if c == '\n' {
			return strings.TrimRight(line.String(), "\r"), nil
		}
		if line.Len() >= limit {
			return "", fmt.Errorf("line exceeds %d bytes", limit)
		}
		line.WriteByte(c)
	}
}

func (cr *ChunkedReader) consumeCRLF() error {
	for _, want := range []byte{'\r', '\n'} {
		b, err := cr.br.ReadByte()
		if err != nil {
			return s3err.ErrIncompleteBody
		}
		if b != want {
			return s3err.ErrIncompleteBody.WithMessage("expected CRLF after chunk payload")
		}
	}
	return nil
}

// discardTrailingCRLF eats the optional blank line some clients append after
// the terminating chunk.
func (cr *ChunkedReader) discardTrailingCRLF() {
	for {
		b, err := cr.br.ReadByte()
		if err != nil {
			return
		}
		if b != '\r' && b != '\n' {
			_ = cr.br.UnreadByte()
			return
		}
	}
}
