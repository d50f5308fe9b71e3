// Package source provides the audio sources tracks are streamed from: a
// directory on disk, a MinIO/S3 bucket, or an embedded bbolt database.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gocast/chunkcast/internal/config"
)

var (
	ErrTrackNotFound  = errors.New("track not found")
	ErrInvalidTrackID = errors.New("invalid track id")
)

// Source returns the full bytes of a track
type Source interface {
	Load(ctx context.Context, trackID string) ([]byte, error)
}

// Store is a Source that also manages its tracks
type Store interface {
	Source
	Put(ctx context.Context, trackID string, data []byte) error
	Delete(ctx context.Context, trackID string) error
	List(ctx context.Context) ([]string, error)
}

// ValidateTrackID rejects ids that are empty or could escape the source's
// namespace
func ValidateTrackID(trackID string) error {
	if trackID == "" || trackID == "." || trackID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidTrackID, trackID)
	}
	if strings.ContainsAny(trackID, `/\`) || strings.Contains(trackID, "..") || strings.ContainsRune(trackID, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidTrackID, trackID)
	}
	return nil
}

// New builds the source selected by cfg.Type. Sources holding resources
// (bolt) implement io.Closer.
func New(ctx context.Context, cfg config.SourceConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", "file":
		return NewFileSource(cfg.Dir, cfg.Extension), nil
	case "minio":
		src, err := NewMinioSource(cfg.Minio, cfg.Extension, logger)
		if err != nil {
			return nil, err
		}
		if err := src.Init(ctx); err != nil {
			return nil, err
		}
		return src, nil
	case "bolt":
		return OpenBoltSource(cfg.BoltPath)
	default:
		return nil, fmt.Errorf("unknown source type: %q", cfg.Type)
	}
}
