package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	chartstorage "github.com/chartmuseum/storage"
)

// BackendStore implements ObjectStore on top of a chartmuseum storage backend.
// It serves Sevalla and other S3-compatible services as well as a local
// filesystem root.
type BackendStore struct {
	backend chartstorage.Backend
	bucket  string

	// list replaces the chartmuseum listing, which only returns objects
	// directly below the prefix.
	list func(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// NewSevallaStore builds a BackendStore backed by chartmuseum's Amazon storage backend.
func NewSevallaStore(cfg Config) (*BackendStore, error) {
	cfg.Backend = BackendSevalla
	if err := validateRemote(cfg); err != nil {
		return nil, err
	}

	reg := region(cfg)

	// chartmuseum's Amazon backend reads credentials from the environment.
	os.Setenv("AWS_ACCESS_KEY_ID", cfg.AccessKey)
	os.Setenv("AWS_SECRET_ACCESS_KEY", cfg.SecretKey)
	os.Setenv("AWS_REGION", reg)
	os.Setenv("AWS_DEFAULT_REGION", reg)

	backend := chartstorage.NewAmazonS3BackendWithOptions(
		cfg.Bucket,
		"", // no prefix
		reg,
		endpointURL(cfg),
		"",
		&chartstorage.AmazonS3Options{
			S3ForcePathStyle: awsBool(true),
		},
	)

	// chartmuseum skips keys nested below the prefix, so listing goes
	// through the MinIO client against the same endpoint.
	lister, err := NewMinioStore(cfg)
	if err != nil {
		return nil, err
	}

	store := NewBackendStore(backend, cfg.Bucket)
	store.list = lister.List
	return store, nil
}

// NewLocalStore builds a BackendStore over a directory tree, one directory level per key segment.
func NewLocalStore(cfg Config) (*BackendStore, error) {
	root := cfg.LocalRoot
	if root == "" {
		return nil, fmt.Errorf("local storage root must be provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed creating local storage root %s: %w", root, err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = filepath.Base(root)
	}
	store := NewBackendStore(chartstorage.NewLocalFilesystemBackend(root), bucket)
	store.list = func(ctx context.Context, prefix string) ([]ObjectInfo, error) {
		return walkLocal(ctx, root, bucket, prefix)
	}
	return store, nil
}

// NewBackendStore wraps an existing chartmuseum backend.
func NewBackendStore(backend chartstorage.Backend, bucket string) *BackendStore {
	return &BackendStore{backend: backend, bucket: bucket}
}

// Bucket returns the bucket name used in diagnostics.
func (s *BackendStore) Bucket() string {
	return s.bucket
}

// List lists all objects under prefix. Stores built by NewSevallaStore and
// NewLocalStore list recursively. A bare NewBackendStore falls back to
// chartmuseum, which treats the prefix as a directory, returns paths relative
// to it and skips nested keys; keys are normalised back to full object keys.
func (s *BackendStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if s.list != nil {
		return s.list(ctx, prefix)
	}
	if err := ctx.Err(); err != nil {
		return nil, transferErr("list", s.bucket, prefix, err)
	}
	dir := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	objects, err := s.backend.ListObjects(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, transferErr("list", s.bucket, prefix, err)
	}

	results := make([]ObjectInfo, 0, len(objects))
	for _, object := range objects {
		key := object.Path
		if dir != "" && !strings.HasPrefix(key, dir+"/") {
			key = path.Join(dir, key)
		}
		if isDirectoryKey(key) {
			continue
		}
		results = append(results, ObjectInfo{
			Key:  key,
			Size: int64(len(object.Content)),
		})
	}
	return results, nil
}

// Fetch downloads an object to the provided destination path.
func (s *BackendStore) Fetch(ctx context.Context, obj ObjectInfo, destPath string) error {
	if err := ctx.Err(); err != nil {
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	object, err := s.backend.GetObject(obj.Key)
	if err != nil {
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	if err := os.WriteFile(destPath, object.Content, 0o644); err != nil {
		return transferErr("fetch", s.bucket, obj.Key, fmt.Errorf("failed writing %s: %w", destPath, err))
	}
	return nil
}

// Store uploads localPath to key and reads the object back to learn how many
// bytes the backend holds. chartmuseum only moves whole objects as byte
// slices, so the archive is held in memory twice: once for the put and once
// for the read back.
func (s *BackendStore) Store(ctx context.Context, localPath, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, transferErr("store", s.bucket, key, err)
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return 0, transferErr("store", s.bucket, key, fmt.Errorf("failed reading %s: %w", localPath, err))
	}
	if err := s.backend.PutObject(key, content); err != nil {
		return 0, transferErr("store", s.bucket, key, err)
	}

	stored, err := s.backend.GetObject(key)
	if err != nil {
		return 0, transferErr("store", s.bucket, key, fmt.Errorf("failed reading back upload: %w", err))
	}
	return int64(len(stored.Content)), nil
}

// Delete removes the object.
func (s *BackendStore) Delete(ctx context.Context, obj ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return transferErr("delete", s.bucket, obj.Key, err)
	}
	if err := s.backend.DeleteObject(obj.Key); err != nil {
		return transferErr("delete", s.bucket, obj.Key, err)
	}
	return nil
}

// walkLocal lists every file below root whose slash-separated relative path
// starts with prefix, at any depth.
func walkLocal(ctx context.Context, root, bucket, prefix string) ([]ObjectInfo, error) {
	dir := prefix
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
	}
	start := filepath.Join(root, filepath.FromSlash(strings.Trim(dir, "/")))

	var results []ObjectInfo
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		results = append(results, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, transferErr("list", bucket, prefix, err)
	}
	return results, nil
}

var _ ObjectStore = (*BackendStore)(nil)

func awsBool(v bool) *bool {
	return &v
}
