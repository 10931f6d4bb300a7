package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/s3rotate/internal/blob"
	"github.com/openmined/s3rotate/internal/etag"
)

// DefaultChunkSize is the part size used when CopyParams.ChunkSize is zero
const DefaultChunkSize = 1 << 30 // 1GiB

const (
	copyOpOpen     = "open"
	copyOpRead     = "read"
	copyOpWrite    = "write"
	copyOpComplete = "complete"
	copyOpHead     = "head"
	copyOpVerify   = "verify"
)

type CopyParams struct {
	SourcePath string
	Key        string
	Size       int64
	// ChunkSize is both the read size and the multipart part size
	ChunkSize int
	// DisableMultipart forces a single PutObject regardless of Size
	DisableMultipart bool
}

type CopyResult struct {
	Key       string
	Size      int64
	ETag      string
	Parts     int
	Multipart bool
	Duration  time.Duration
}

// Copier uploads a local file and confirms the store holds exactly the bytes that were read.
type Copier struct {
	client blob.IBlobClient
}

func NewCopier(client blob.IBlobClient) *Copier {
	return &Copier{client: client}
}

// Copy streams params.SourcePath to params.Key in ChunkSize pieces. Each chunk is digested
// and then handed to the object writer, so the file is read exactly once. After the upload
// completes the object is HEADed and its ETag compared with the local digest.
//
// All failures are *CopyError. A failed transfer aborts the upload before returning.
func (c *Copier) Copy(ctx context.Context, params *CopyParams) (*CopyResult, error) {
	start := time.Now()

	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	multipart := params.Size > int64(chunkSize) && !params.DisableMultipart

	file, err := os.Open(params.SourcePath)
	if err != nil {
		return nil, newCopyError(copyOpOpen, params, ErrIO, err)
	}
	defer file.Close()

	var (
		digester etag.Digester
		writer   blob.ObjectWriter
	)
	if multipart {
		digester = etag.NewAccumulator()
		writer, err = c.client.OpenMultipartWriter(ctx, &blob.PutObjectParams{Key: params.Key})
	} else {
		// one PutObject: the store reports the plain MD5 whatever the chunking was
		digester = etag.NewSinglePart()
		writer, err = c.client.OpenWriter(ctx, &blob.PutObjectParams{Key: params.Key, Size: params.Size})
	}
	if err != nil {
		return nil, newCopyError(copyOpOpen, params, ErrIO, err)
	}

	var written int64
	for chunk, err := range etag.Chunks(file, chunkSize) {
		if err != nil {
			writer.Abort(ctx)
			return nil, newCopyError(copyOpRead, params, ErrIO, err)
		}

		digester.Observe(chunk)
		if err := writer.WriteChunk(ctx, chunk); err != nil {
			writer.Abort(ctx)
			return nil, newCopyError(copyOpWrite, params, ErrIO, err)
		}
		written += int64(len(chunk))
	}

	if _, err := writer.Close(ctx); err != nil {
		return nil, newCopyError(copyOpComplete, params, ErrIO, err)
	}

	local := digester.Finalize()

	head, err := c.client.HeadObject(ctx, params.Key)
	if err != nil {
		return nil, newCopyError(copyOpHead, params, ErrRemoteMetadata, err)
	}

	if !etag.Equal(local, head.ETag) {
		return nil, newCopyError(copyOpVerify, params, ErrDigestMismatch,
			fmt.Errorf("local %s, remote %s", local, head.ETag))
	}

	result := &CopyResult{
		Key:       params.Key,
		Size:      written,
		ETag:      local,
		Parts:     digester.Parts(),
		Multipart: multipart,
		Duration:  time.Since(start),
	}

	slog.Debug("copy",
		"path", params.SourcePath,
		"key", result.Key,
		"size", humanize.IBytes(uint64(result.Size)),
		"parts", result.Parts,
		"multipart", result.Multipart,
		"etag", result.ETag,
		"took", result.Duration,
	)

	return result, nil
}
