package etag

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

var (
	ErrInvalidChunkSize = errors.New("invalid chunk size")
	ErrRead             = errors.New("chunk read failed")
)

// Chunks returns a lazy sequence of size-byte chunks read from r. The last chunk may be
// shorter. An empty reader produces no chunks at all. Every chunk is a fresh slice, so the
// consumer may hold on to it after the next iteration.
//
// A read failure is yielded once, wrapped with ErrRead, and ends the sequence.
// The sequence is single use: it drains r.
func Chunks(r io.Reader, size int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if size <= 0 {
			yield(nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, size))
			return
		}

		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			switch {
			case err == nil:
				if !yield(buf, nil) {
					return
				}
			case errors.Is(err, io.EOF):
				// nothing read, stream exhausted
				return
			case errors.Is(err, io.ErrUnexpectedEOF):
				yield(buf[:n], nil)
				return
			default:
				yield(nil, fmt.Errorf("%w: %w", ErrRead, err))
				return
			}
		}
	}
}
