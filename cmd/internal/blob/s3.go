package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures S3Store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	URLTTL    time.Duration
}

// S3Store stores objects in an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewS3Store connects to the endpoint. It does not create the bucket; call
// EnsureBucket at startup when the deployment owns it.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("blob: s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: s3 client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Store{client: client, bucket: cfg.Bucket, ttl: ttl}, nil
}

// EnsureBucket creates the bucket when missing.
func (s *S3Store) EnsureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blob: bucket exists: %w", err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("blob: make bucket: %w", err)
	}
	return nil
}

// PutObject uploads r.
func (s *S3Store) PutObject(ctx context.Context, r io.Reader, size int64, objectPath, mimeType string) (Object, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return Object{}, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, clean, r, size, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("blob: put object: %w", err)
	}
	if size >= 0 && info.Size != size {
		return Object{}, fmt.Errorf("%w: got=%d want=%d", ErrSizeMismatch, info.Size, size)
	}
	u, err := s.SignDownloadURL(ctx, clean, s.ttl)
	if err != nil {
		return Object{}, err
	}
	return Object{Path: clean, URL: u, MimeType: mimeType, Size: info.Size}, nil
}

// SignDownloadURL returns a presigned GET URL.
func (s *S3Store) SignDownloadURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, clean, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("blob: presign: %w", err)
	}
	return u.String(), nil
}

// Stat returns object metadata.
func (s *S3Store) Stat(ctx context.Context, objectPath string) (Object, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return Object{}, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, clean, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("blob: stat: %w", err)
	}
	return Object{Path: clean, MimeType: info.ContentType, Size: info.Size}, nil
}
