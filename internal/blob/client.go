package blob

import (
	"context"
	"iter"
	"time"
)

type IBlobClient interface {
	HeadObject(ctx context.Context, key string) (*HeadObjectResponse, error)
	OpenWriter(ctx context.Context, params *PutObjectParams) (ObjectWriter, error)
	OpenMultipartWriter(ctx context.Context, params *PutObjectParams) (ObjectWriter, error)
	DeleteObject(ctx context.Context, key string) (bool, error)
	ListObjects(ctx context.Context, params *ListParams) iter.Seq2[*BlobInfo, error]
}

// ObjectWriter streams one object to the store chunk by chunk.
// WriteChunk returns once the chunk has been handed to the transport, so the caller
// can reuse or drop it. Close finalizes the object; Abort discards whatever was sent.
type ObjectWriter interface {
	WriteChunk(ctx context.Context, chunk []byte) error
	Close(ctx context.Context) (*PutObjectResponse, error)
	Abort(ctx context.Context)
}

// ===================================================================================================

type HeadObjectResponse struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// ===================================================================================================

type PutObjectParams struct {
	Key string
	// Size is the exact body length for single-shot writers. Ignored by multipart writers.
	Size int64
}

type PutObjectResponse struct {
	Key          string
	Version      string
	ETag         string
	Size         int64
	Parts        int
	LastModified time.Time
}

// ===================================================================================================

type ListParams struct {
	// Prefixes are listed one after the other, in order. No prefix lists the whole bucket.
	Prefixes []string
	// Suffix, when set, skips keys that do not end with it.
	Suffix string
}

type BlobInfo struct {
	Key          string    `json:"key"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}
