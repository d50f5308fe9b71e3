package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSource serves tracks from <Dir>/<trackID><Extension>
type FileSource struct {
	Dir       string
	Extension string
}

// NewFileSource creates a directory-backed source
func NewFileSource(dir, ext string) *FileSource {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &FileSource{Dir: dir, Extension: ext}
}

func (s *FileSource) path(trackID string) string {
	return filepath.Join(s.Dir, trackID+s.Extension)
}

// Load reads the whole track file
func (s *FileSource) Load(ctx context.Context, trackID string) ([]byte, error) {
	if err := ValidateTrackID(trackID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(trackID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return nil, fmt.Errorf("read track %s: %w", trackID, err)
	}
	return data, nil
}

// Put stores a track, replacing any previous version atomically
func (s *FileSource) Put(ctx context.Context, trackID string, data []byte) error {
	if err := ValidateTrackID(trackID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("create track dir: %w", err)
	}

	// Atomic write: temp file then rename
	target := s.path(trackID)
	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write track %s: %w", trackID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write track %s: %w", trackID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save track %s: %w", trackID, err)
	}
	return nil
}

// Delete removes a track file
func (s *FileSource) Delete(ctx context.Context, trackID string) error {
	if err := ValidateTrackID(trackID); err != nil {
		return err
	}
	if err := os.Remove(s.path(trackID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return fmt.Errorf("delete track %s: %w", trackID, err)
	}
	return nil
}

// List returns the ids of all tracks in the directory
func (s *FileSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list tracks: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if s.Extension != "" {
			if !strings.HasSuffix(name, s.Extension) {
				continue
			}
			name = strings.TrimSuffix(name, s.Extension)
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}
