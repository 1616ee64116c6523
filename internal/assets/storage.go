// Package assets stores images uploaded into proposals in S3-compatible
// object storage.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"flowidly/api/internal/util"
)

// MaxUploadBytes caps a single upload.
const MaxUploadBytes = 10 << 20

var (
	ErrDisabled        = errors.New("asset storage is not configured")
	ErrUnsupportedType = errors.New("only image uploads are supported")
	ErrTooLarge        = errors.New("upload exceeds size limit")
)

var imageExtensions = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

type Asset struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Storage uploads to one bucket. A nil *Storage reports ErrDisabled.
type Storage struct {
	client  objectStore
	bucket  string
	baseURL string
}

// New returns nil when no endpoint is configured.
func New(cfg Config) (*Storage, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &Storage{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	if s == nil {
		return ErrDisabled
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Info().Str("bucket", s.bucket).Msg("asset bucket created")
	return nil
}

// Upload stores an image for proposalID under a fresh key.
func (s *Storage) Upload(ctx context.Context, proposalID, filename, contentType string, r io.Reader, size int64) (Asset, error) {
	if s == nil {
		return Asset{}, ErrDisabled
	}
	contentType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if _, ok := imageExtensions[contentType]; !ok {
		return Asset{}, ErrUnsupportedType
	}
	if size > MaxUploadBytes {
		return Asset{}, ErrTooLarge
	}

	key := objectKey(proposalID, filename, contentType)
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Asset{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return Asset{Key: key, URL: s.URL(key), ContentType: contentType, Size: info.Size}, nil
}

func (s *Storage) URL(key string) string {
	if s == nil {
		return ""
	}
	return s.baseURL + "/" + key
}

func objectKey(proposalID, filename, contentType string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" || len(ext) > 6 {
		ext = imageExtensions[contentType]
	}
	return fmt.Sprintf("proposals/%s/%s%s", proposalID, util.NewID(""), ext)
}
