// Package archive copies finished session data to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/metacog-lab/backend/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores v as a JSON document under key.
type Archiver interface {
	Put(ctx context.Context, key string, v any) error
}

// Nop discards everything. It is used when no bucket is configured.
type Nop struct{}

func (Nop) Put(context.Context, string, any) error { return nil }

// objectPutter is the slice of the minio client S3Archiver needs.
type objectPutter interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type S3Archiver struct {
	client   objectPutter
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

func NewS3(cfg config.ArchiveConfig) (*S3Archiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("archive access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Archiver{client: client, bucket: bucket, region: region}, nil
}

// New returns an S3Archiver when cfg is enabled and Nop otherwise.
func New(cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewS3(cfg)
}

func (s *S3Archiver) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Archiver) Put(ctx context.Context, key string, v any) error {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return fmt.Errorf("archive key is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// SessionKey is the object key a finished session is archived under.
func SessionKey(task, sessionID string) string {
	task = strings.Trim(strings.TrimSpace(task), "/")
	if task == "" {
		task = "default_task"
	}
	return task + "/sessions/" + sessionID + ".json"
}
