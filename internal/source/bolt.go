package source

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var tracksBucket = []byte("tracks")

// BoltSource keeps tracks in a single bbolt database file, one key per track
type BoltSource struct {
	db *bolt.DB
}

// OpenBoltSource opens (or creates) the database at path
func OpenBoltSource(path string) (*BoltSource, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open track db %s: %w", path, err)
	}
	src, err := NewBoltSource(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return src, nil
}

// NewBoltSource creates the tracks bucket in an already open database
func NewBoltSource(db *bolt.DB) (*BoltSource, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tracksBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create tracks bucket: %w", err)
	}
	return &BoltSource{db: db}, nil
}

// Load returns a copy of the stored track; bolt values are only valid
// inside their transaction
func (s *BoltSource) Load(ctx context.Context, trackID string) ([]byte, error) {
	if err := ValidateTrackID(trackID); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tracksBucket).Get([]byte(trackID))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		data = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores or replaces a track
func (s *BoltSource) Put(ctx context.Context, trackID string, data []byte) error {
	if err := ValidateTrackID(trackID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tracksBucket).Put([]byte(trackID), data)
	})
}

// Delete removes a track
func (s *BoltSource) Delete(ctx context.Context, trackID string) error {
	if err := ValidateTrackID(trackID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tracksBucket)
		if b.Get([]byte(trackID)) == nil {
			return fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
		}
		return b.Delete([]byte(trackID))
	})
}

// List returns all stored track ids in key order
func (s *BoltSource) List(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tracksBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Close closes the database
func (s *BoltSource) Close() error {
	return s.db.Close()
}
