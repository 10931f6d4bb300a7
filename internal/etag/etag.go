// Package etag computes S3 object ETags client-side.
//
// S3 reports the plain MD5 of the body for objects written with a single PutObject, and
// md5(md5(part1) || md5(part2) || ...) followed by "-<parts>" for multipart uploads.
// Uploading with the same part boundaries and digesting every part lets the caller
// predict the ETag the store will report, without re-reading the object.
package etag

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"
)

// PartDigest is the MD5 of exactly one chunk.
type PartDigest [md5.Size]byte

func (d PartDigest) String() string {
	return hex.EncodeToString(d[:])
}

// Digester consumes the chunks of one object in stream order.
type Digester interface {
	// Observe records the digest of one chunk and returns it.
	Observe(chunk []byte) PartDigest
	// Finalize returns the ETag (unquoted) the store is expected to report.
	Finalize() string
	// Parts is the number of chunks observed so far.
	Parts() int
}

// Accumulator keeps one digest per chunk and finalizes with the multipart composite rule.
// Use a fresh Accumulator per object.
type Accumulator struct {
	parts []PartDigest
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Observe(chunk []byte) PartDigest {
	d := PartDigest(md5.Sum(chunk))
	a.parts = append(a.parts, d)
	return d
}

func (a *Accumulator) Parts() int {
	return len(a.parts)
}

// Finalize applies the composite rule:
//   - no parts: md5 of the empty input
//   - one part: that part's digest
//   - n parts: md5 of the concatenated raw part digests, suffixed with "-n"
func (a *Accumulator) Finalize() string {
	switch len(a.parts) {
	case 0:
		sum := md5.Sum(nil)
		return hex.EncodeToString(sum[:])
	case 1:
		return a.parts[0].String()
	}

	h := md5.New()
	for _, p := range a.parts {
		h.Write(p[:])
	}
	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(a.parts))
}

// SinglePart digests chunks that are sent to the store as one PutObject body. Observe still
// returns the per-chunk digest, but Finalize yields the plain MD5 of the whole stream.
type SinglePart struct {
	whole hash.Hash
	parts int
}

func NewSinglePart() *SinglePart {
	return &SinglePart{whole: md5.New()}
}

func (s *SinglePart) Observe(chunk []byte) PartDigest {
	s.whole.Write(chunk)
	s.parts++
	return PartDigest(md5.Sum(chunk))
}

func (s *SinglePart) Parts() int {
	return s.parts
}

func (s *SinglePart) Finalize() string {
	return hex.EncodeToString(s.whole.Sum(nil))
}

// Compute reads r to the end in chunkSize chunks and returns the composite ETag.
func Compute(r io.Reader, chunkSize int) (string, error) {
	acc := NewAccumulator()
	for chunk, err := range Chunks(r, chunkSize) {
		if err != nil {
			return "", err
		}
		acc.Observe(chunk)
	}
	return acc.Finalize(), nil
}

// Quote renders an ETag the way S3 sends it on the wire.
func Quote(etag string) string {
	return fmt.Sprintf("%q", Unquote(etag))
}

// Unquote strips the surrounding double quotes S3 puts around ETags.
func Unquote(etag string) string {
	return strings.ReplaceAll(etag, "\"", "")
}

// Equal compares two ETags byte for byte, ignoring quoting. The multipart suffix is significant.
func Equal(a, b string) bool {
	return Unquote(a) == Unquote(b)
}
