package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/openmined/s3rotate/internal/etag"
)

var (
	ErrWriterAborted = errors.New("upload aborted")
	ErrWriterClosed  = errors.New("upload already closed")
	ErrNoParts       = errors.New("multipart upload has no parts")
	ErrShortBody     = errors.New("body length does not match declared size")
)

// ===================================================================================================

// streamWriter feeds a single PutObject through a pipe. The request body is not seekable,
// so the payload is sent unsigned and its integrity is checked through the ETag instead.
type streamWriter struct {
	key     string
	size    int64
	written int64
	pw      *io.PipeWriter
	cancel  context.CancelFunc
	done    chan struct{}
	resp    *PutObjectResponse
	err     error
	closed  bool
}

func newStreamWriter(ctx context.Context, api s3API, bucket string, params *PutObjectParams) *streamWriter {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)

	w := &streamWriter{
		key:    params.Key,
		size:   params.Size,
		pw:     pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(w.done)

		out, err := api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(params.Key),
			Body:          pr,
			ContentLength: aws.Int64(params.Size),
		}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
		if err != nil {
			w.err = err
			pr.CloseWithError(err)
			return
		}
		// unblock a writer still pushing bytes the request no longer reads
		pr.CloseWithError(ErrWriterClosed)

		// s3.PutObjectOutput does not have LastModified
		w.resp = &PutObjectResponse{
			Key:          params.Key,
			Version:      aws.ToString(out.VersionId),
			ETag:         etag.Unquote(aws.ToString(out.ETag)),
			Size:         params.Size,
			Parts:        1,
			LastModified: time.Now().UTC(),
		}
	}()

	return w
}

func (w *streamWriter) WriteChunk(ctx context.Context, chunk []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.written+int64(len(chunk)) > w.size {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrShortBody, w.key, w.size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := w.pw.Write(chunk)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("put object %s: %w", w.key, err)
	}
	return nil
}

func (w *streamWriter) Close(ctx context.Context) (*PutObjectResponse, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	if w.written != w.size {
		w.Abort(ctx)
		return nil, fmt.Errorf("%w: %s wrote %d of %d bytes", ErrShortBody, w.key, w.written, w.size)
	}

	w.closed = true
	w.pw.Close()
	<-w.done
	w.cancel()

	if w.err != nil {
		return nil, fmt.Errorf("put object %s: %w", w.key, w.err)
	}
	return w.resp, nil
}

func (w *streamWriter) Abort(_ context.Context) {
	if w.closed {
		return
	}
	w.closed = true
	w.pw.CloseWithError(ErrWriterAborted)
	w.cancel()
	<-w.done
}

// ===================================================================================================

// multipartWriter uploads every chunk as its own part, in order
type multipartWriter struct {
	api      s3API
	bucket   string
	key      string
	uploadID string
	parts    []types.CompletedPart
	size     int64
	closed   bool
}

func newMultipartWriter(ctx context.Context, api s3API, bucket string, params *PutObjectParams) (*multipartWriter, error) {
	result, err := api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(params.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload %s: %w", params.Key, err)
	}

	return &multipartWriter{
		api:      api,
		bucket:   bucket,
		key:      params.Key,
		uploadID: aws.ToString(result.UploadId),
	}, nil
}

func (w *multipartWriter) WriteChunk(ctx context.Context, chunk []byte) error {
	if w.closed {
		return ErrWriterClosed
	}

	partNumber := int32(len(w.parts) + 1)
	out, err := w.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(w.key),
		UploadId:      aws.String(w.uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(chunk),
		ContentLength: aws.Int64(int64(len(chunk))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d of %s: %w", partNumber, w.key, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	w.size += int64(len(chunk))
	return nil
}

func (w *multipartWriter) Close(ctx context.Context) (*PutObjectResponse, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	if len(w.parts) == 0 {
		w.Abort(ctx)
		return nil, fmt.Errorf("%w: %s", ErrNoParts, w.key)
	}

	res, err := w.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.Abort(ctx)
		return nil, fmt.Errorf("complete multipart upload %s: %w", w.key, err)
	}
	w.closed = true

	return &PutObjectResponse{
		Key:          w.key,
		Version:      aws.ToString(res.VersionId),
		ETag:         etag.Unquote(aws.ToString(res.ETag)),
		Size:         w.size,
		Parts:        len(w.parts),
		LastModified: time.Now().UTC(),
	}, nil
}

func (w *multipartWriter) Abort(ctx context.Context) {
	if w.closed {
		return
	}
	w.closed = true

	// the upload must be cleaned up even when ctx is what made it fail
	_, err := w.api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		slog.Warn("abort multipart upload", "key", w.key, "uploadId", w.uploadID, "error", err)
	}
}
