package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// STREAMING HOT PATH:
// IsActive() is checked once per outbound chunk by the dispatcher and must
// stay lock-free, so the active and paused flags are atomics. The chunk
// buffer sits behind a per-session mutex that is never held across a
// network write or a sleep.

var ErrBufferEmpty = errors.New("session buffer is empty")

// Session is the server-side state of one client connection
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	// active flips to false exactly once and is never reset
	active atomic.Bool
	// paused is advisory; it does not interrupt an in-flight stream
	paused atomic.Bool

	lastActivity atomic.Int64 // unix nanos
	pushed       atomic.Int64
	evicted      atomic.Int64

	mu     sync.Mutex // protects buffer
	buffer *ChunkBuffer

	now func() time.Time
}

func newSession(id, userID string, capacity int, now func() time.Time) *Session {
	created := now()
	s := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: created,
		buffer:    NewChunkBuffer(capacity),
		now:       now,
	}
	s.active.Store(true)
	s.lastActivity.Store(created.UnixNano())
	return s
}

// Push appends a chunk to the session buffer, dropping the oldest chunk if
// the buffer is at capacity. It reports whether a chunk was evicted.
func (s *Session) Push(c AudioChunk) bool {
	s.mu.Lock()
	evicted := s.buffer.Push(c)
	s.mu.Unlock()

	s.pushed.Add(1)
	if evicted {
		s.evicted.Add(1)
	}
	return evicted
}

// Pop removes the oldest buffered chunk. It never blocks.
func (s *Session) Pop() (AudioChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.buffer.Pop()
	if !ok {
		return AudioChunk{}, ErrBufferEmpty
	}
	return c, nil
}

// Terminate marks the session inactive. Safe to call more than once.
func (s *Session) Terminate() {
	s.active.Store(false)
}

// IsActive returns false once the session has been terminated
// HOT PATH: lock-free
func (s *Session) IsActive() bool {
	return s.active.Load()
}

// CurrentSize returns the number of buffered chunks
func (s *Session) CurrentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

// Capacity returns the buffer capacity
func (s *Session) Capacity() int {
	return s.buffer.Cap()
}

// SetPaused records the client's pause/play intent
func (s *Session) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// IsPaused returns the advisory pause flag
func (s *Session) IsPaused() bool {
	return s.paused.Load()
}

// Touch records client or stream activity
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// LastActivity returns the time of the last Touch (or creation)
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Stats returns a point-in-time view of the session
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:            s.ID,
		UserID:        s.UserID,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity(),
		Active:        s.IsActive(),
		Paused:        s.IsPaused(),
		Buffered:      s.CurrentSize(),
		Capacity:      s.Capacity(),
		ChunksPushed:  s.pushed.Load(),
		ChunksEvicted: s.evicted.Load(),
	}
}

// SessionStats contains session statistics
type SessionStats struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	Active        bool      `json:"active"`
	Paused        bool      `json:"paused"`
	Buffered      int       `json:"buffered"`
	Capacity      int       `json:"capacity"`
	ChunksPushed  int64     `json:"chunks_pushed"`
	ChunksEvicted int64     `json:"chunks_evicted"`
}
