package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry owns every live session, keyed by session id. Its lock guards the
// map only and is never held while a session is streaming.
type Registry struct {
	sessions map[string]*Session
	mu       sync.Mutex
	counter  uint64
	capacity int
	now      func() time.Time
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithNow overrides the registry's time source
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry whose sessions buffer up to
// bufferCapacity chunks each
func NewRegistry(bufferCapacity int, opts ...RegistryOption) *Registry {
	if bufferCapacity <= 0 {
		bufferCapacity = DefaultBufferCapacity
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		capacity: bufferCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new active session for userID
func (r *Registry) Create(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	id := newSessionID(r.counter)
	s := newSession(id, userID, r.capacity, r.now)
	r.sessions[id] = s
	return s
}

// newSessionID combines a monotonic counter with a random component, so ids
// stay unique across restarts as well as within one process
func newSessionID(n uint64) string {
	u := uuid.New()
	return fmt.Sprintf("session_%d_%s", n, base58.Encode(u[:]))
}

// Lookup returns the session with the given id
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove terminates and unregisters a session. It reports whether the id
// was registered; removing an unknown id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.Terminate()
	}
	return ok
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all sessions, oldest first
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// TerminateAll marks every session inactive without unregistering it, so
// running streams stop at their next chunk. It returns how many sessions
// were terminated.
func (r *Registry) TerminateAll() int {
	sessions := r.Sessions()
	for _, s := range sessions {
		s.Terminate()
	}
	return len(sessions)
}

// Idle returns the sessions with no activity since cutoff
func (r *Registry) Idle(cutoff time.Time) []*Session {
	var idle []*Session
	for _, s := range r.Sessions() {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}
