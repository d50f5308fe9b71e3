package server

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// entryRing keeps the newest maxSize entries and assigns increasing ids
type entryRing[T any] struct {
	entries []T
	maxSize int
	nextID  int64
	mu      sync.RWMutex
}

func newEntryRing[T any](maxSize int) *entryRing[T] {
	return &entryRing[T]{
		entries: make([]T, 0, maxSize),
		maxSize: maxSize,
		nextID:  1,
	}
}

// add stores the entry built by mk, removing the oldest if at capacity
func (r *entryRing[T]) add(mk func(id int64) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := mk(r.nextID)
	r.nextID++

	if len(r.entries) >= r.maxSize {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, entry)
	return entry
}

// recent returns the newest n entries, oldest first; n <= 0 returns all
func (r *entryRing[T]) recent(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	result := make([]T, n)
	copy(result, r.entries[len(r.entries)-n:])
	return result
}

func (r *entryRing[T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry represents a single captured log line
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// LogBuffer keeps recent log lines for the admin API
type LogBuffer struct {
	ring *entryRing[LogEntry]
}

// NewLogBuffer creates a log buffer holding up to maxSize lines
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{ring: newEntryRing[LogEntry](maxSize)}
}

// Add adds a new log entry to the buffer
func (lb *LogBuffer) Add(level LogLevel, source, message string) {
	lb.ring.add(func(id int64) LogEntry {
		return LogEntry{
			ID:        id,
			Timestamp: time.Now(),
			Level:     level,
			Source:    source,
			Message:   strings.TrimSpace(message),
		}
	})
}

// GetRecent returns the most recent n entries
func (lb *LogBuffer) GetRecent(n int) []LogEntry {
	return lb.ring.recent(n)
}

// Count returns the number of entries in the buffer
func (lb *LogBuffer) Count() int {
	return lb.ring.count()
}

// LogWriter is an io.Writer that splits slog output into lines and stores
// them in a LogBuffer. Tee it next to the real log destination.
type LogWriter struct {
	buffer  *LogBuffer
	source  string
	mu      sync.Mutex
	lineBuf strings.Builder
}

// NewLogWriter creates a new LogWriter that writes to the buffer
func NewLogWriter(buffer *LogBuffer, source string) *LogWriter {
	return &LogWriter{
		buffer: buffer,
		source: source,
	}
}

// Write implements io.Writer
func (lw *LogWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	for _, b := range p {
		if b != '\n' {
			lw.lineBuf.WriteByte(b)
			continue
		}
		if line := lw.lineBuf.String(); line != "" {
			lw.buffer.Add(levelOf(line), lw.source, line)
		}
		lw.lineBuf.Reset()
	}
	return len(p), nil
}

// levelOf reads the level from a slog text or JSON line
func levelOf(line string) LogLevel {
	switch {
	case strings.Contains(line, "level=ERROR"), strings.Contains(line, `"level":"ERROR"`):
		return LogLevelError
	case strings.Contains(line, "level=WARN"), strings.Contains(line, `"level":"WARN"`):
		return LogLevelWarn
	case strings.Contains(line, "level=DEBUG"), strings.Contains(line, `"level":"DEBUG"`):
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

// ActivityType represents the type of admin activity
type ActivityType string

const (
	ActivitySessionOpen  ActivityType = "session_open"
	ActivitySessionClose ActivityType = "session_close"
	ActivityStreamStart  ActivityType = "stream_start"
	ActivityStreamFinish ActivityType = "stream_finish"
	ActivityConfigChange ActivityType = "config_change"
	ActivityTrackUpload  ActivityType = "track_upload"
	ActivityServerStart  ActivityType = "server_start"
	ActivityServerStop   ActivityType = "server_stop"
	ActivityAdminAction  ActivityType = "admin_action"
	ActivityHousekeeping ActivityType = "housekeeping"
)

// ActivityEntry represents a server activity event
type ActivityEntry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      ActivityType   `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// ActivityBuffer stores recent session and admin events
type ActivityBuffer struct {
	ring *entryRing[ActivityEntry]
}

// NewActivityBuffer creates a new activity buffer
func NewActivityBuffer(maxSize int) *ActivityBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &ActivityBuffer{ring: newEntryRing[ActivityEntry](maxSize)}
}

// Add adds a new activity entry. A nil buffer discards it.
func (ab *ActivityBuffer) Add(actType ActivityType, message string, data map[string]any) {
	if ab == nil {
		return
	}
	ab.ring.add(func(id int64) ActivityEntry {
		return ActivityEntry{
			ID:        id,
			Timestamp: time.Now(),
			Type:      actType,
			Message:   message,
			Data:      data,
		}
	})
}

func (ab *ActivityBuffer) SessionOpened(sessionID, userID, remote string) {
	ab.Add(ActivitySessionOpen, fmt.Sprintf("Session %s opened for %s", sessionID, userID), map[string]any{
		"session": sessionID,
		"user":    userID,
		"remote":  remote,
	})
}

func (ab *ActivityBuffer) SessionClosed(sessionID string, duration time.Duration) {
	ab.Add(ActivitySessionClose, fmt.Sprintf("Session %s closed after %s", sessionID, duration.Round(time.Second)), map[string]any{
		"session":  sessionID,
		"duration": duration.Seconds(),
	})
}

func (ab *ActivityBuffer) StreamStarted(sessionID, trackID string) {
	ab.Add(ActivityStreamStart, fmt.Sprintf("Session %s requested %q", sessionID, trackID), map[string]any{
		"session": sessionID,
		"track":   trackID,
	})
}

func (ab *ActivityBuffer) StreamFinished(sessionID, trackID, outcome, reason string, chunks int) {
	msg := fmt.Sprintf("Stream of %q to %s %s after %d chunks", trackID, sessionID, outcome, chunks)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	ab.Add(ActivityStreamFinish, msg, map[string]any{
		"session": sessionID,
		"track":   trackID,
		"outcome": outcome,
		"reason":  reason,
		"chunks":  chunks,
	})
}

func (ab *ActivityBuffer) ConfigChanged(description string) {
	ab.Add(ActivityConfigChange, "Config changed: "+description, nil)
}

func (ab *ActivityBuffer) TrackUploaded(trackID string, size int) {
	ab.Add(ActivityTrackUpload, fmt.Sprintf("Track %q uploaded (%d bytes)", trackID, size), map[string]any{
		"track": trackID,
		"size":  size,
	})
}

func (ab *ActivityBuffer) AdminAction(action, details string) {
	ab.Add(ActivityAdminAction, fmt.Sprintf("Admin: %s - %s", action, details), map[string]any{
		"action":  action,
		"details": details,
	})
}

// GetRecent returns the most recent n entries
func (ab *ActivityBuffer) GetRecent(n int) []ActivityEntry {
	return ab.ring.recent(n)
}

// Count returns the number of entries
func (ab *ActivityBuffer) Count() int {
	return ab.ring.count()
}
