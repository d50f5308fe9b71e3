// Package stream holds the per-client streaming state: sessions with their
// bounded chunk buffers, the session registry and the dispatcher that paces
// a track out to a connection.
package stream

import "time"

// DefaultChunkSize is the payload size of one outbound audio frame
const DefaultChunkSize = 4096

// AudioChunk is one immutable slice of a track. The byte slice returned by
// Data must not be modified.
type AudioChunk struct {
	data      []byte
	timestamp time.Time
	trackID   string
}

// NewAudioChunk wraps data without copying it
func NewAudioChunk(data []byte, trackID string, timestamp time.Time) AudioChunk {
	return AudioChunk{
		data:      data,
		timestamp: timestamp,
		trackID:   trackID,
	}
}

// Data returns the chunk payload
func (c AudioChunk) Data() []byte { return c.data }

// Size returns len(Data())
func (c AudioChunk) Size() int { return len(c.data) }

// Timestamp returns when the chunk was cut from its track
func (c AudioChunk) Timestamp() time.Time { return c.timestamp }

// TrackID returns the track the chunk belongs to
func (c AudioChunk) TrackID() string { return c.trackID }

// Split cuts data into consecutive pieces of size bytes; the last piece may
// be shorter. Pieces share data's backing array and are capped so appending
// to one never overwrites the next. Empty input yields no pieces.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if len(data) == 0 {
		return nil
	}

	pieces := make([][]byte, 0, (len(data)+size-1)/size)
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		pieces = append(pieces, data[i:end:end])
	}
	return pieces
}
