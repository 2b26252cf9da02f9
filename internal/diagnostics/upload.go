package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API defines the subset of the S3 client used by S3Uploader, enabling
// test mocking.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader ships diagnostics bundles to an S3-compatible object store,
// so operators can attach a bundle to a support case without shelling
// into the box.
type S3Uploader struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Uploader creates an S3Uploader configured from AWS defaults and
// the given parameters. An empty endpoint uses the standard AWS S3
// endpoint; a non-empty endpoint targets MinIO or another S3-compatible
// service. When accessKeyID and secretAccessKey are both non-empty,
// static credentials are used instead of the default credential chain.
func NewS3Uploader(bucket, region, endpoint, prefix, accessKeyID, secretAccessKey string) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	return NewS3UploaderWithClient(client, bucket, prefix), nil
}

// NewS3UploaderWithClient creates an S3Uploader with an injected S3API
// client (for testing).
func NewS3UploaderWithClient(client S3API, bucket, prefix string) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Upload collects a fresh bundle from c and uploads it, returning the
// object key.
func (u *S3Uploader) Upload(ctx context.Context, c *Collector) (string, error) {
	var buf bytes.Buffer
	if err := c.WriteTarGz(ctx, &buf); err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%s-diagnostics.tar.gz", u.prefix, time.Now().UTC().Format("20060102T150405Z"))
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload diagnostics bundle to S3: %w", err)
	}

	return key, nil
}
