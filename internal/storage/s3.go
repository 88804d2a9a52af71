package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API defines the subset of S3 operations needed by S3Store.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements ObjectStore using the AWS SDK.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store loads the default AWS configuration, overriding region,
// credentials and endpoint from cfg when they are set.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region(cfg)),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg))
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Bucket returns the configured bucket.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// List lists all objects with the given prefix across every result page.
func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, transferErr("list", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || isDirectoryKey(*obj.Key) {
				continue
			}
			results = append(results, ObjectInfo{
				Key:  *obj.Key,
				Size: aws.ToInt64(obj.Size),
			})
		}
	}

	return results, nil
}

// Fetch streams the object body into destPath.
func (s *S3Store) Fetch(ctx context.Context, obj ObjectInfo, destPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	if err := f.Close(); err != nil {
		return transferErr("fetch", s.bucket, obj.Key, err)
	}
	return nil
}

// Store uploads localPath to key. PutObject does not report a size, so the
// object is inspected with HeadObject afterwards and its ContentLength returned.
func (s *S3Store) Store(ctx context.Context, localPath, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, transferErr("store", s.bucket, key, err)
	}
	defer f.Close()

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentTypeFor(key)),
	}); err != nil {
		return 0, transferErr("store", s.bucket, key, err)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, transferErr("store", s.bucket, key, fmt.Errorf("failed to inspect upload: %w", err))
	}
	return aws.ToInt64(head.ContentLength), nil
}

// Delete removes the object.
func (s *S3Store) Delete(ctx context.Context, obj ObjectInfo) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Key),
	}); err != nil {
		return transferErr("delete", s.bucket, obj.Key, err)
	}
	return nil
}

var _ ObjectStore = (*S3Store)(nil)
