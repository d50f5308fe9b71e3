package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gocast/chunkcast/internal/config"
)

// MinioSource serves tracks stored as objects <prefix><trackID><ext> in a
// MinIO or S3 bucket
type MinioSource struct {
	mc     *minio.Client
	bucket string
	prefix string
	ext    string
	logger *slog.Logger
}

// NewMinioSource creates an object storage source. It does not touch the
// network; call Init to verify the bucket.
func NewMinioSource(cfg config.MinioConfig, ext string, logger *slog.Logger) (*MinioSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return &MinioSource{
		mc:     mc,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		ext:    ext,
		logger: logger,
	}, nil
}

// Init creates the bucket if it doesn't exist
func (s *MinioSource) Init(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}

	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		s.logger.Info("bucket created", "bucket", s.bucket)
	}
	return nil
}

func (s *MinioSource) objectName(trackID string) string {
	return s.prefix + trackID + s.ext
}

// Load downloads a track object
func (s *MinioSource) Load(ctx context.Context, trackID string) ([]byte, error) {
	if err := ValidateTrackID(trackID); err != nil {
		return nil, err
	}
	name := s.objectName(trackID)

	obj, err := s.mc.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(trackID, name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(trackID, name, err)
	}
	return data, nil
}

// Put uploads a track object
func (s *MinioSource) Put(ctx context.Context, trackID string, data []byte) error {
	if err := ValidateTrackID(trackID); err != nil {
		return err
	}
	name := s.objectName(trackID)

	_, err := s.mc.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "audio/mpeg",
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", s.bucket, name, err)
	}

	s.logger.Debug("track uploaded", "bucket", s.bucket, "name", name, "size", len(data))
	return nil
}

// Delete removes a track object
func (s *MinioSource) Delete(ctx context.Context, trackID string) error {
	if err := ValidateTrackID(trackID); err != nil {
		return err
	}
	name := s.objectName(trackID)
	if err := s.mc.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// List returns the ids of all track objects under the prefix
func (s *MinioSource) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	opts := minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: false,
	}

	for obj := range s.mc.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", s.bucket, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		id := strings.TrimPrefix(obj.Key, s.prefix)
		if s.ext != "" {
			if !strings.HasSuffix(id, s.ext) {
				continue
			}
			id = strings.TrimSuffix(id, s.ext)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MinioSource) mapError(trackID, name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	return fmt.Errorf("get %s/%s: %w", s.bucket, name, err)
}
