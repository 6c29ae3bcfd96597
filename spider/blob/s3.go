package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-hclog"
)

// S3Store implements Store over an S3-compatible object store.
type S3Store struct {
	client *s3.Client
	logger hclog.Logger
}

// NewS3Store wraps an S3 client.
func NewS3Store(client *s3.Client, logger hclog.Logger) *S3Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &S3Store{client: client, logger: logger.Named("s3")}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nsb) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (Meta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, err)
	}
	return metaFromS3(out.Metadata), nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	body := buf.Bytes()
	if aws.ToString(out.ContentEncoding) == "gzip" {
		if body, err = gunzipBytes(body); err != nil {
			return nil, fmt.Errorf("failed to decompress s3://%s/%s: %w", bucket, key, err)
		}
	}
	return &Object{
		Body:        body,
		ContentType: aws.ToString(out.ContentType),
		Meta:        metaFromS3(out.Metadata),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, obj *Object, compress bool) error {
	body := obj.Body
	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Metadata: obj.Meta,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if compress {
		zipped, err := gzipBytes(body)
		if err != nil {
			return fmt.Errorf("failed to compress s3://%s/%s: %w", bucket, key, err)
		}
		body = zipped
		input.ContentEncoding = aws.String("gzip")
	}
	input.Body = bytes.NewReader(body)
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) CheckAndCreateBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to head bucket %s: %w", bucket, err)
	}
	s.logger.Info("creating bucket", "bucket", bucket)
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *S3Store) EmptyBucket(ctx context.Context, bucket string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list bucket %s: %w", bucket, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects in bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func metaFromS3(m map[string]string) Meta {
	if len(m) == 0 {
		return Meta{}
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
