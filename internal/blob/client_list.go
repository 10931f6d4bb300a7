package blob

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openmined/s3rotate/internal/etag"
)

// ListObjects enumerates the objects under each prefix in params, in the given order,
// paging through ListObjectsV2 lazily. Breaking out of the range loop stops paging.
//
// A page without contents ends the listing of that prefix. Objects are not de-duplicated
// across overlapping prefixes. A failed page is yielded once, wrapped with ErrList.
func (s *BlobClient) ListObjects(ctx context.Context, params *ListParams) iter.Seq2[*BlobInfo, error] {
	prefixes := []string{""}
	suffix := ""
	if params != nil {
		if len(params.Prefixes) > 0 {
			prefixes = params.Prefixes
		}
		suffix = params.Suffix
	}

	return func(yield func(*BlobInfo, error) bool) {
		for _, prefix := range prefixes {
			paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
				Bucket: &s.config.BucketName,
				Prefix: aws.String(prefix),
			})

			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					yield(nil, fmt.Errorf("%w %s/%s: %w", ErrList, s.config.BucketName, prefix, err))
					return
				}

				if len(page.Contents) == 0 {
					break
				}

				for _, obj := range page.Contents {
					key := aws.ToString(obj.Key)
					if !strings.HasSuffix(key, suffix) {
						continue
					}

					info := &BlobInfo{
						Key:          key,
						ETag:         etag.Unquote(aws.ToString(obj.ETag)),
						Size:         aws.ToInt64(obj.Size),
						LastModified: aws.ToTime(obj.LastModified),
					}
					if !yield(info, nil) {
						return
					}
				}
			}
		}
	}
}
