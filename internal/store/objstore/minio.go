package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docflow/internal/store"
)

// MinioStore implements store.ObjectStore on a MinIO (or any S3-compatible)
// endpoint.
type MinioStore struct {
	client   *minio.Client
	endpoint string
	protocol string
}

var _ store.ObjectStore = (*MinioStore)(nil)

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", endpoint, err)
	}

	protocol := "http"
	if useSSL {
		protocol = "https"
	}
	return &MinioStore{client: client, endpoint: endpoint, protocol: protocol}, nil
}

func (s *MinioStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *MinioStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) SetBucketPolicy(ctx context.Context, bucket, policy string) error {
	if err := s.client.SetBucketPolicy(ctx, bucket, policy); err != nil {
		return fmt.Errorf("set bucket policy on %s: %w", bucket, err)
	}
	return nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

// PublicURL renders the externally reachable URL for an object. It assumes
// path-style access on the configured endpoint.
func (s *MinioStore) PublicURL(bucket, key string) string {
	return fmt.Sprintf("%s://%s/%s/%s", s.protocol, s.endpoint, bucket, key)
}

// Ping verifies the endpoint is reachable and the credentials work.
func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("list buckets on %s: %w", s.endpoint, err)
	}
	return nil
}

// PublicReadPolicy returns the bucket policy JSON granting anonymous read on
// every object in bucket.
func PublicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"AWS": ["*"]},
      "Action": ["s3:GetObject"],
      "Resource": ["arn:aws:s3:::%s/*"]
    }
  ]
}`, bucket)
}
