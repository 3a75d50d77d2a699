package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vodworks/vod-pipeline/internal/config"
	"github.com/vodworks/vod-pipeline/pkg/models"
)

const (
	defaultS3Timeout     = 30 * time.Second
	maxConcurrentUploads = 20
)

// S3 maps the four bucket roles onto real S3 buckets.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	buckets map[string]string
}

// NewS3 wraps an S3 client with the configured bucket layout.
func NewS3(client *s3.Client, cfg config.AWSConfig) *S3 {
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		buckets: map[string]string{
			RoleSource:     cfg.SourceBucket,
			RoleTranscoded: cfg.TranscodedBucket,
			RoleThumbnail:  cfg.ThumbnailBucket,
			RoleHLS:        cfg.HLSBucket,
		},
	}
}

func (s *S3) bucket(role string) (string, error) {
	b, ok := s.buckets[role]
	if !ok || b == "" {
		return "", fmt.Errorf("no bucket configured for role %q", role)
	}
	return b, nil
}

func (s *S3) Put(ctx context.Context, role, key string, body io.Reader, contentType string) error {
	bucket, err := s.bucket(role)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, role, key string) (io.ReadCloser, error) {
	bucket, err := s.bucket(role)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: s3://%s/%s", models.ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3) Head(ctx context.Context, role, key string) (int64, error) {
	bucket, err := s.bucket(role)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultS3Timeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, fmt.Errorf("%w: s3://%s/%s", models.ErrObjectNotFound, bucket, key)
		}
		return 0, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3) Delete(ctx context.Context, role, key string) error {
	bucket, err := s.bucket(role)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3) PresignPut(ctx context.Context, role, key, contentType string, lifetime time.Duration) (string, error) {
	bucket, err := s.bucket(role)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultS3Timeout)
	defer cancel()

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	return req.URL, nil
}

// UploadDir mirrors dir under keyPrefix with bounded concurrency. The first
// upload error wins; remaining goroutines drain without starting new work.
func (s *S3) UploadDir(ctx context.Context, role, keyPrefix, dir string) error {
	var firstErr atomic.Pointer[error]
	sem := make(chan struct{}, maxConcurrentUploads)
	var wg sync.WaitGroup

	walkErr := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if firstErr.Load() != nil {
			return nil
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: during directory upload", models.ErrContextCanceled)
		}

		wg.Add(1)
		go func(filePath string) {
			defer wg.Done()
			defer func() { <-sem }()

			if firstErr.Load() != nil {
				return
			}

			relPath, err := filepath.Rel(dir, filePath)
			if err != nil {
				wrapped := fmt.Errorf("relative path for %s: %w", filePath, err)
				firstErr.CompareAndSwap(nil, &wrapped)
				return
			}

			file, err := os.Open(filePath)
			if err != nil {
				wrapped := fmt.Errorf("open %s: %w", filePath, err)
				firstErr.CompareAndSwap(nil, &wrapped)
				return
			}
			defer file.Close()

			key := path.Join(keyPrefix, filepath.ToSlash(relPath))
			if err := s.Put(ctx, role, key, file, ContentTypeFor(filePath)); err != nil {
				firstErr.CompareAndSwap(nil, &err)
			}
		}(p)
		return nil
	})

	wg.Wait()

	if walkErr != nil {
		return walkErr
	}
	if errPtr := firstErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

func (s *S3) Ping(ctx context.Context) error {
	bucket, err := s.bucket(RoleSource)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultS3Timeout)
	defer cancel()

	_, err = s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}
	return nil
}
