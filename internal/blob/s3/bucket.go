package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// S3 rejects multipart parts below 5 MiB, except the last one.
const minPartSize int64 = 5 << 20

// maxParts caps a multipart upload.
const maxParts = 10000

// Bucket is the domain.ObjectStore backed by the client's bucket.
type Bucket struct {
	api  *s3.Client
	name string
}

// NewBucket returns the object store for c's bucket.
func NewBucket(c *Client) *Bucket {
	return &Bucket{api: c.S3(), name: c.Bucket()}
}

func (b *Bucket) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := b.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3blob: put %s/%s: %w", b.name, key, err)
	}
	return nil
}

// PutLarge picks a part size that keeps the upload under the S3 part limit.
func (b *Bucket) PutLarge(ctx context.Context, key string, body io.Reader, size int64) error {
	part := max(minPartSize, size/maxParts+1)
	up := manager.NewUploader(b.api, func(u *manager.Uploader) {
		u.PartSize = part
		u.Concurrency = 2
	})
	_, err := up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(jsonlContentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s/%s in %d byte parts: %w", b.name, key, part, err)
	}
	return nil
}

// Open returns the object body; the caller closes it.
func (b *Bucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	switch {
	case missing(err):
		return nil, fmt.Errorf("s3blob: open %s/%s: %w", b.name, key, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("s3blob: open %s/%s: %w", b.name, key, err)
	}
	return out.Body, nil
}

// Keys lists every object under prefix in key order.
func (b *Bucket) Keys(ctx context.Context, prefix string) ([]domain.ObjectInfo, error) {
	pages := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})

	var keys []domain.ObjectInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s/%s: %w", b.name, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, domain.ObjectInfo{
				Key:      aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return keys, nil
}

// missing reports a GetObject error for a key that does not exist. Some
// S3-compatible providers only signal it through the status code.
func missing(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var resp interface{ HTTPStatusCode() int }
	return errors.As(err, &resp) && resp.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.ObjectStore = (*Bucket)(nil)
