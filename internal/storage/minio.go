package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool

	// PartSize buffers streamed uploads whose length is not known up front.
	// Zero selects defaultPartSize.
	PartSize uint64
}

const (
	minPartSize     = 5 << 20 // S3 multipart minimum
	defaultPartSize = 16 << 20
)

// MinIOStorage stores objects in an S3-compatible bucket.
type MinIOStorage struct {
	client   *minio.Client
	bucket   string
	partSize uint64
}

func NewMinIOStorage(ctx context.Context, cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinIOStorage{client: client, bucket: cfg.Bucket, partSize: clampPartSize(cfg.PartSize)}, nil
}

func clampPartSize(n uint64) uint64 {
	switch {
	case n == 0:
		return defaultPartSize
	case n < minPartSize:
		return minPartSize
	}
	return n
}

// putOptions pins the part size for unknown-length uploads; otherwise
// minio-go sizes its part buffer for a maximum-size object.
func (s *MinIOStorage) putOptions(size int64, contentType string) minio.PutObjectOptions {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if size < 0 {
		opts.PartSize = s.partSize
	}
	return opts
}

func (s *MinIOStorage) Name() string { return "minio" }

func (s *MinIOStorage) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, s.putOptions(size, contentType))
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return info.Size, nil
}

func (s *MinIOStorage) Open(ctx context.Context, key string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	// GetObject is lazy; Stat performs the request and reports missing keys.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	return &Object{Body: obj, Size: info.Size, ContentType: info.ContentType}, nil
}

func (s *MinIOStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
