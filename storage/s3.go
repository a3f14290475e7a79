package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/snapflowio/reconcile/logger"
)

// S3Store implements ObjectStore on top of the AWS SDK.
type S3Store struct {
	api s3iface.S3API
}

func NewS3Store(sess *session.Session) *S3Store {
	return &S3Store{api: s3.New(sess)}
}

func NewS3StoreWithAPI(api s3iface.S3API) *S3Store {
	return &S3Store{api: api}
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var objects []Object

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	err := s.api.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: aws.StringValue(obj.Key)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %s/%s: %w", bucket, prefix, err)
	}

	logger.Debug("[storage] listed objects", "bucket", bucket, "prefix", prefix, "count", len(objects))
	return objects, nil
}

func (s *S3Store) Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch object %s/%s: %w", bucket, key, err)
	}

	return out.Body, nil
}
