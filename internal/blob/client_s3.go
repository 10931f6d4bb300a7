package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openmined/s3rotate/internal/etag"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrList       = errors.New("list objects")
)

// s3API is the subset of the S3 API the client needs
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ s3API = (*s3.Client)(nil)

// BlobClient is an exclusively owned handle to one bucket: one client per reconciliation pass.
type BlobClient struct {
	s3Client s3API
	config   *S3Config
}

func NewBlobClient(s3Client s3API, config *S3Config) *BlobClient {
	return &BlobClient{
		s3Client: s3Client,
		config:   config,
	}
}

func NewBlobClientWithS3Config(ctx context.Context, cfg *S3Config) (*BlobClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("s3 config: %w", err)
	}

	// Uploads are long lived (up to a full chunk per request), so there is no overall client
	// timeout. Cancellation comes from ctx.
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
			ForceAttemptHTTP2:     true,
		},
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// Configure S3 client with additional options
	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		// single-shot bodies are streamed, and S3 compatible stores often reject trailing checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	return NewBlobClient(awsClient, cfg), nil
}

// ===================================================================================================

// HeadObject fetches the store's view of an object without reading its body
func (s *BlobClient) HeadObject(ctx context.Context, key string) (*HeadObjectResponse, error) {
	resp, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}

	return &HeadObjectResponse{
		Key:          key,
		ETag:         etag.Unquote(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// ===================================================================================================

// OpenWriter starts a single-shot upload. The chunks written are streamed as the body of
// one PutObject request, so the store reports a plain MD5 ETag for the object.
func (s *BlobClient) OpenWriter(ctx context.Context, params *PutObjectParams) (ObjectWriter, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	if params.Size < 0 {
		return nil, fmt.Errorf("invalid size %d", params.Size)
	}
	return newStreamWriter(ctx, s.s3Client, s.config.BucketName, params), nil
}

// OpenMultipartWriter starts a multipart upload. Every chunk written becomes one part,
// so the part boundaries (and therefore the ETag) are decided by the caller.
func (s *BlobClient) OpenMultipartWriter(ctx context.Context, params *PutObjectParams) (ObjectWriter, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	w, err := newMultipartWriter(ctx, s.s3Client, s.config.BucketName, params)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ===================================================================================================

func (s *BlobClient) DeleteObject(ctx context.Context, key string) (bool, error) {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// check if BlobClient implements IBlobClient interface
var _ IBlobClient = (*BlobClient)(nil)
