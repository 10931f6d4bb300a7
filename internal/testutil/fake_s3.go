// Package testutil provides an in-memory S3 double for tests.
package testutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// FakeObject is an object stored in FakeS3
type FakeObject struct {
	Body         []byte
	ETag         string // unquoted
	LastModified time.Time
}

type fakeUpload struct {
	key   string
	parts map[int32][]byte
}

// FakeS3 is an in-memory, single bucket S3. It reports ETags the way S3 does: the MD5 of
// the body for PutObject, and md5(md5(p1)||...||md5(pn))-n for completed multipart uploads.
//
// Error fields and ETagOverride inject faults. Counters record the mutating calls made.
type FakeS3 struct {
	mu      sync.Mutex
	objects map[string]*FakeObject
	uploads map[string]*fakeUpload
	nextID  int

	// PageSize bounds ListObjectsV2 pages. Zero means 1000.
	PageSize int

	// ETagOverride replaces the ETag reported by HeadObject and ListObjectsV2 for a key.
	ETagOverride map[string]string
	HeadErr      map[string]error
	PutErr       error
	PartErr      error
	CompleteErr  error
	ListErr      error
	DeleteErr    error

	Puts      int
	Parts     int
	Completes int
	Aborts    int
	Deletes   int
	Heads     int
	Lists     int
}

func NewFakeS3() *FakeS3 {
	return &FakeS3{
		objects:      make(map[string]*FakeObject),
		uploads:      make(map[string]*fakeUpload),
		ETagOverride: make(map[string]string),
		HeadErr:      make(map[string]error),
	}
}

// Seed stores an object directly, as if it was uploaded with PutObject
func (f *FakeS3) Seed(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &FakeObject{Body: body, ETag: md5Hex(body), LastModified: time.Now().UTC()}
}

// Object returns the stored object for key
func (f *FakeS3) Object(key string) (*FakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

// Keys returns all stored keys, sorted
func (f *FakeS3) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedKeys()
}

// PendingUploads is the number of multipart uploads neither completed nor aborted
func (f *FakeS3) PendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *FakeS3) sortedKeys() []string {
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (f *FakeS3) reportedETag(key string, obj *FakeObject) string {
	if e, ok := f.ETagOverride[key]; ok {
		return e
	}
	return obj.ETag
}

// ===================================================================================================

func (f *FakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Heads++

	key := aws.ToString(params.Key)
	if err := f.HeadErr[key]; err != nil {
		return nil, err
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found: " + key)}
	}

	return &s3.HeadObjectOutput{
		ETag:          aws.String(quote(f.reportedETag(key, obj))),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		LastModified:  aws.Time(obj.LastModified),
	}, nil
}

func (f *FakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	// read outside the lock, the body may be a pipe fed by the caller
	var body []byte
	if params.Body != nil {
		b, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts++

	if f.PutErr != nil {
		return nil, f.PutErr
	}
	if params.ContentLength != nil && *params.ContentLength != int64(len(body)) {
		return nil, fmt.Errorf("content length %d does not match body of %d bytes", *params.ContentLength, len(body))
	}

	key := aws.ToString(params.Key)
	obj := &FakeObject{Body: body, ETag: md5Hex(body), LastModified: time.Now().UTC()}
	f.objects[key] = obj

	return &s3.PutObjectOutput{ETag: aws.String(quote(obj.ETag))}, nil
}

func (f *FakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes++

	if f.DeleteErr != nil {
		return nil, f.DeleteErr
	}
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *FakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists++

	if f.ListErr != nil {
		return nil, f.ListErr
	}

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	prefix := aws.ToString(params.Prefix)
	var keys []string
	for _, k := range f.sortedKeys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, fmt.Errorf("bad continuation token %q", token)
		}
		start = n
	}
	end := min(start+pageSize, len(keys))

	out := &s3.ListObjectsV2Output{
		Name:     params.Bucket,
		Prefix:   params.Prefix,
		KeyCount: aws.Int32(int32(end - start)),
	}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			ETag:         aws.String(quote(f.reportedETag(k, obj))),
			Size:         aws.Int64(int64(len(obj.Body))),
			LastModified: aws.Time(obj.LastModified),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	} else {
		out.IsTruncated = aws.Bool(false)
	}

	return out, nil
}

// ===================================================================================================

func (f *FakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(params.Key), parts: make(map[int32][]byte)}

	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(id),
	}, nil
}

func (f *FakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Parts++

	if f.PartErr != nil {
		return nil, f.PartErr
	}
	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}
	up.parts[aws.ToInt32(params.PartNumber)] = body

	return &s3.UploadPartOutput{ETag: aws.String(quote(md5Hex(body)))}, nil
}

func (f *FakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Completes++

	if f.CompleteErr != nil {
		return nil, f.CompleteErr
	}
	id := aws.ToString(params.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}
	if params.MultipartUpload == nil || len(params.MultipartUpload.Parts) == 0 {
		return nil, fmt.Errorf("MalformedXML: no parts")
	}

	var body, digests []byte
	for _, p := range params.MultipartUpload.Parts {
		data, ok := up.parts[aws.ToInt32(p.PartNumber)]
		if !ok {
			return nil, fmt.Errorf("InvalidPart: %d", aws.ToInt32(p.PartNumber))
		}
		if strings.Trim(aws.ToString(p.ETag), `"`) != md5Hex(data) {
			return nil, fmt.Errorf("InvalidPart: etag mismatch for part %d", aws.ToInt32(p.PartNumber))
		}
		sum := md5.Sum(data)
		digests = append(digests, sum[:]...)
		body = append(body, data...)
	}

	outer := md5.Sum(digests)
	obj := &FakeObject{
		Body:         body,
		ETag:         fmt.Sprintf("%s-%d", hex.EncodeToString(outer[:]), len(params.MultipartUpload.Parts)),
		LastModified: time.Now().UTC(),
	}
	f.objects[up.key] = obj
	delete(f.uploads, id)

	return &s3.CompleteMultipartUploadOutput{
		Bucket: params.Bucket,
		Key:    params.Key,
		ETag:   aws.String(quote(obj.ETag)),
	}, nil
}

func (f *FakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aborts++

	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

// ===================================================================================================

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func quote(s string) string {
	return `"` + s + `"`
}
