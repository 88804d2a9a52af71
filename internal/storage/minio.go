package storage

import (
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements ObjectStore with the MinIO client, which speaks to any
// S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates a MinioStore for cfg.Bucket at cfg.Endpoint.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	cfg.Backend = BackendMinio
	if err := validateRemote(cfg); err != nil {
		return nil, err
	}

	host, secure := hostAndSecurity(cfg)
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region(cfg),
	})
	if err != nil {
		return nil, err
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the configured bucket.
func (s *MinioStore) Bucket() string {
	return s.bucket
}

// List lists every object whose key starts with prefix.
func (s *MinioStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, transferErr("list", s.bucket, prefix, object.Err)
		}
		if isDirectoryKey(object.Key) {
			continue
		}
		results = append(results, ObjectInfo{Key: object.Key, Size: object.Size})
	}
	return results, nil
}

// Fetch downloads an object to destPath.
func (s *MinioStore) Fetch(ctx context.Context, obj ObjectInfo, destPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, obj.Key, destPath, minio.GetObjectOptions{}); err != nil {
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	return nil
}

// Store uploads localPath and returns the size recorded in the upload response.
func (s *MinioStore) Store(ctx context.Context, localPath, key string) (int64, error) {
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return 0, transferErr("store", s.bucket, key, err)
	}
	return info.Size, nil
}

// Delete removes the object.
func (s *MinioStore) Delete(ctx context.Context, obj ObjectInfo) error {
	if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
		return transferErr("delete", s.bucket, obj.Key, err)
	}
	return nil
}

var _ ObjectStore = (*MinioStore)(nil)
