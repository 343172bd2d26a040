package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fundbridge/config"
)

// MinioStore keeps blobs in an S3-compatible bucket. Identical content maps
// to the same object and is uploaded once.
type MinioStore struct {
	client *minio.Client
	bucket string
	max    int64
	expiry time.Duration
}

func NewMinioStore(cfg config.BlobConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		max:    cfg.MaxUploadBytes,
		expiry: cfg.URLExpiry,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, r io.Reader, contentType string) (Object, error) {
	data, locator, err := readLimited(r, s.max)
	if err != nil {
		return Object{}, err
	}
	obj := Object{Locator: locator, Size: int64(len(data)), ContentType: contentType}

	if _, err := s.client.StatObject(ctx, s.bucket, locator, minio.StatObjectOptions{}); err == nil {
		return obj, nil
	} else if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return Object{}, fmt.Errorf("failed to stat object: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, locator, bytes.NewReader(data), obj.Size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("failed to upload file: %w", err)
	}
	return obj, nil
}

// URL returns a presigned download URL for locator.
func (s *MinioStore) URL(ctx context.Context, locator string) (string, error) {
	if _, err := ParseLocator(locator); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, locator, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}
