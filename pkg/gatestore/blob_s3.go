package gatestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3BlobBackend stores bundle archives in an S3 (or S3-compatible, via a
// custom endpoint) bucket. Keys are already bundle-ID-addressed, so writes
// skip the hash-then-check idempotency dance a content-addressed object
// store would otherwise need; BaseEndpoint/UsePathStyle exist for
// MinIO/LocalStack testing.
type S3BlobBackend struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3BlobConfig configures NewS3BlobBackend.
type S3BlobConfig struct {
	Bucket string
	Prefix string
	Region string
	BaseEndpoint string // optional, for MinIO/LocalStack
	UsePathStyle bool
}

func NewS3BlobBackend(ctx context.Context, cfg S3BlobConfig) (*S3BlobBackend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3BlobBackend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3BlobBackend) fullKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *S3BlobBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key: aws.String(b.fullKey(key)),
		Body: bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object: %w", err)
	}
	return nil
}

func (b *S3BlobBackend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key: aws.String(b.fullKey(key)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, fmt.Errorf("s3blob: %s: not found", key)
		}
		return nil, fmt.Errorf("s3blob: get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
