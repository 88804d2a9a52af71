package storage

import (
	"context"
	"fmt"
	"strings"
)

// ObjectInfo represents metadata for a remote log object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore captures the bucket operations the archive pipeline needs.
// Implementations wrap every backend failure in a *TransferError.
type ObjectStore interface {
	// List returns all objects whose key starts with prefix. An empty result is not an error.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Fetch downloads the object's bytes to destPath.
	Fetch(ctx context.Context, obj ObjectInfo, destPath string) error

	// Store uploads the file at localPath to key and returns the number of
	// bytes the backend reports as written.
	Store(ctx context.Context, localPath, key string) (int64, error)

	// Delete removes the object.
	Delete(ctx context.Context, obj ObjectInfo) error

	// Bucket names the bucket the store operates on.
	Bucket() string
}

// Backend names accepted by New.
const (
	BackendMinio   = "minio"
	BackendS3      = "s3"
	BackendSevalla = "sevalla"
	BackendLocal   = "local"
)

// Config encapsulates the connection info for an object storage backend.
type Config struct {
	Backend   string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	LocalRoot string
}

// New builds the ObjectStore selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMinio:
		return NewMinioStore(cfg)
	case BackendS3:
		return NewS3Store(ctx, cfg)
	case BackendSevalla:
		return NewSevallaStore(cfg)
	case BackendLocal:
		return NewLocalStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func validateRemote(cfg Config) error {
	if cfg.Endpoint == "" && cfg.Backend != BackendS3 {
		return fmt.Errorf("%s endpoint must be provided", cfg.Backend)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return fmt.Errorf("%s credentials must be provided", cfg.Backend)
	}
	if cfg.Bucket == "" {
		return fmt.Errorf("%s bucket must be provided", cfg.Backend)
	}
	return nil
}

func region(cfg Config) string {
	r := strings.TrimSpace(cfg.Region)
	if r == "" {
		return "us-east-1"
	}
	return r
}

// endpointURL returns the endpoint with an explicit scheme.
func endpointURL(cfg Config) string {
	endpoint := cfg.Endpoint
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	scheme := "https"
	if !cfg.UseSSL {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, strings.TrimPrefix(endpoint, "//"))
}

// hostAndSecurity splits an endpoint into the bare host minio-go expects and
// whether TLS should be used.
func hostAndSecurity(cfg Config) (string, bool) {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	default:
		return strings.TrimPrefix(endpoint, "//"), cfg.UseSSL
	}
}

func isDirectoryKey(key string) bool {
	return key == "" || strings.HasSuffix(key, "/")
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}
