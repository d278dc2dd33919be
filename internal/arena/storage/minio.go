package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	appErr "arena/pkg/errors"
	"arena/pkg/utils/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`

	// PackKey is the object holding the read-file pack of the evaluation.
	PackKey string `yaml:"packKey"`
	// TranscriptPrefix, when set, is where control transcripts are uploaded.
	TranscriptPrefix string `yaml:"transcriptPrefix"`
}

// Enabled reports whether object storage is configured.
func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != ""
}

// MinIOStorage reads packs from and writes transcripts to a MinIO bucket.
type MinIOStorage struct {
	core   *minio.Core
	bucket string
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("minio accessKey is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio secretKey is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}
	return &MinIOStorage{core: core, bucket: cfg.Bucket}, nil
}

// GetObject opens a reader for an object. The caller closes it.
func (s *MinIOStorage) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	obj, _, _, err := s.core.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "minio get object failed: %v", err)
	}
	return obj, nil
}

// PutObject uploads sizeBytes bytes from reader.
func (s *MinIOStorage) PutObject(ctx context.Context, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if objectKey == "" {
		return appErr.ValidationError("objectKey", "required")
	}
	opts := minio.PutObjectOptions{}
	if contentType != "" {
		opts.ContentType = contentType
	}
	if _, err := s.core.PutObject(ctx, s.bucket, objectKey, reader, sizeBytes, "", "", opts); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "minio put object failed: %v", err)
	}
	return nil
}

// FetchPack downloads the tar.zst pack at objectKey and unpacks it into
// dstDir.
func (s *MinIOStorage) FetchPack(ctx context.Context, objectKey, dstDir string) error {
	info, err := s.core.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "minio stat object failed: %v", err)
	}
	obj, err := s.GetObject(ctx, objectKey)
	if err != nil {
		return err
	}
	defer obj.Close()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "create pack dir failed")
	}
	if err := ExtractPack(obj, dstDir); err != nil {
		return err
	}
	logger.Info(ctx, "read-file pack fetched",
		zap.String("bucket", s.bucket), zap.String("key", objectKey),
		zap.Int64("size", info.Size), zap.String("etag", info.ETag))
	return nil
}

// UploadFile uploads a local file.
func (s *MinIOStorage) UploadFile(ctx context.Context, objectKey, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "open %s", path)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "stat %s", path)
	}
	return s.PutObject(ctx, objectKey, f, st.Size(), contentType)
}
