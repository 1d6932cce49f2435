package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/benbjohnson/clock"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	// PartSize bounds the per-upload buffer; Concurrency multiplies it.
	PartSize    int64
	Concurrency int
}

// S3Store implements Store on top of aws-sdk-go-v2.
type S3Store struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	clock    clock.Clock
}

// NewS3 creates a new S3 store.
func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	partSize := cfg.PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})
	return &S3Store{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: uploader,
		presign:  s3.NewPresignClient(client),
		clock:    clock.New(),
	}, nil
}

// PutStream uploads r without knowing its length up front. The uploader
// switches to multipart once a full part has been buffered.
func (s *S3Store) PutStream(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

// Open streams an object's body.
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return out.Body, nil
}

// SignURL presigns a GET or PUT with SigV4, which binds key, method and expiry.
func (s *S3Store) SignURL(ctx context.Context, key string, op Operation, expiresAt time.Time) (string, error) {
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return "", fmt.Errorf("objectstore: expiry %s already passed", expiresAt)
	}
	expires := s3.WithPresignExpires(ttl)
	switch op {
	case OpGet:
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return "", fmt.Errorf("objectstore: presign get: %w", err)
		}
		return req.URL, nil
	case OpPut:
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, expires)
		if err != nil {
			return "", fmt.Errorf("objectstore: presign put: %w", err)
		}
		return req.URL, nil
	}
	return "", fmt.Errorf("objectstore: unsupported operation %q", op)
}

var _ Store = (*S3Store)(nil)
