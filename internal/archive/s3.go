package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kgofron/ADTimePix3/pkg/errors"
)

// S3Config configures the object store the archive uploads into.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // non-empty switches to a path-style custom endpoint
	AccessKey string
	SecretKey string
}

// S3Store uploads encoded frames to an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store builds the S3 client. Credentials come from the standard
// AWS chain unless static keys are configured.
func NewS3Store(ctx context.Context, config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "archive bucket is required").
			WithComponent("archive")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
		// The uploader owns the retry policy; the SDK must not stack
		// its own attempts underneath it.
		awsconfig.WithRetryMaxAttempts(1),
	}
	if config.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cannot load AWS configuration").
			WithComponent("archive").
			WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: config.Bucket,
		prefix: strings.Trim(config.Prefix, "/"),
	}, nil
}

// Put uploads one object under the configured prefix and returns the
// full key as stored in the bucket.
func (s *S3Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	objectKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", errors.NewError(errors.ErrCodeArchiveFailed, "cannot upload frame").
			WithComponent("archive").
			WithDetail("bucket", s.bucket).
			WithDetail("key", objectKey).
			WithCause(err)
	}
	return objectKey, nil
}

// HealthCheck verifies the bucket is reachable with the configured
// credentials.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return errors.NewError(errors.ErrCodeArchiveFailed, "archive bucket unreachable").
			WithComponent("archive").
			WithDetail("bucket", s.bucket).
			WithCause(err)
	}
	return nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return fmt.Sprintf("%s/%s", s.prefix, key)
}
