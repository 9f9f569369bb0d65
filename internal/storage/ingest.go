package storage

import (
	"context"
	"io"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/checksum"
	"github.com/lamina-storage/lamina/internal/s3err"
)

const copyBufferSize = 32 * 1024

// Ingest is the single-pass pipeline every backend feeds uploads through:
// the body is de-framed by the chunk validator when one is present, every
// decoded byte is written to sink and to the checksum calculator, trailer
// checksums are folded in as expected values, and the final result is
// validated. On a checksum mismatch the caller must discard whatever sink
// received.
func Ingest(ctx context.Context, r io.Reader, validator *auth.ChunkValidator, req *ChecksumRequest, sink io.Writer) (*checksum.Result, error) {
	var algorithms []checksum.Algorithm
	var expected map[checksum.Algorithm]string
	if req != nil {
		algorithms = req.Algorithms
		expected = req.Expected
	}

	var chunked *auth.ChunkedReader
	body := r
	if validator != nil {
		// register trailer-declared algorithms up front so their digests are
		// computed during the same pass
		for _, name := range validator.TrailerNames {
			if a, ok := checksum.AlgorithmFromHeader(name); ok {
				algorithms = append(algorithms, a)
			}
		}
		chunked = auth.NewChunkedReader(ctx, r, validator)
		body = chunked
	}

	calc := checksum.NewCalculator(algorithms, expected)
	if _, err := CopyContext(ctx, io.MultiWriter(sink, calc), body); err != nil {
		return nil, err
	}
	if chunked != nil {
		for name, value := range chunked.Trailers() {
			if a, ok := checksum.AlgorithmFromHeader(name); ok {
				calc.AddExpected(a, value)
			}
		}
	}

	res := calc.Finish()
	if !res.Valid {
		return nil, s3err.ErrInvalidChecksum.WithMessage("the %s you specified did not match the calculated checksum", res.Mismatched.HeaderName())
	}
	return &res, nil
}

// CopyContext copies src to dst like io.Copy but checks ctx between
// iterations so a cancelled request stops pulling from the client promptly.
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// CopyRange writes the inclusive range [rng.Start, rng.End] from src to dst,
// assuming src is already positioned at rng.Start.
func CopyRange(ctx context.Context, dst io.Writer, src io.Reader, rng ByteRange) (int64, error) {
	return CopyContext(ctx, dst, io.LimitReader(src, rng.Length()))
}
