// Package stats keeps the human-oriented server counters shown on /status
// and in the periodic housekeeping log line. Prometheus metrics live in the
// stream package; these counters are for people, not scrapers.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// ServerStats holds server-wide counters. The zero value is not usable;
// call New.
type ServerStats struct {
	startTime time.Time

	sessionsTotal   atomic.Int64
	currentSessions atomic.Int64
	peakSessions    atomic.Int64

	chunksSent atomic.Int64
	bytesSent  atomic.Int64

	streamsStarted   atomic.Int64
	streamsCompleted atomic.Int64
	streamsAborted   atomic.Int64

	messagesReceived atomic.Int64
	messagesDropped  atomic.Int64
}

// New creates a stats instance whose uptime starts now
func New() *ServerStats {
	return &ServerStats{startTime: time.Now()}
}

// SessionOpened counts a new session and updates the peak
func (s *ServerStats) SessionOpened() {
	s.sessionsTotal.Add(1)
	n := s.currentSessions.Add(1)

	// Update peak if necessary
	for {
		peak := s.peakSessions.Load()
		if n <= peak || s.peakSessions.CompareAndSwap(peak, n) {
			break
		}
	}
}

// SessionClosed counts a session teardown
func (s *ServerStats) SessionClosed() {
	s.currentSessions.Add(-1)
}

// StreamStarted counts a dispatcher run
func (s *ServerStats) StreamStarted() {
	s.streamsStarted.Add(1)
}

// StreamFinished records the totals of a dispatcher run
func (s *ServerStats) StreamFinished(completed bool, chunks int, bytes int64) {
	if completed {
		s.streamsCompleted.Add(1)
	} else {
		s.streamsAborted.Add(1)
	}
	s.chunksSent.Add(int64(chunks))
	s.bytesSent.Add(bytes)
}

// MessageReceived counts an inbound control message
func (s *ServerStats) MessageReceived() {
	s.messagesReceived.Add(1)
}

// MessageDropped counts an inbound message discarded by the rate limiter
func (s *ServerStats) MessageDropped() {
	s.messagesDropped.Add(1)
}

// CurrentSessions returns the number of open sessions
func (s *ServerStats) CurrentSessions() int64 {
	return s.currentSessions.Load()
}

// Uptime returns the server uptime
func (s *ServerStats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot represents a point-in-time snapshot of stats
type Snapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	StartTime        time.Time     `json:"start_time"`
	Uptime           time.Duration `json:"uptime"`
	SessionsTotal    int64         `json:"sessions_total"`
	CurrentSessions  int64         `json:"current_sessions"`
	PeakSessions     int64         `json:"peak_sessions"`
	ChunksSent       int64         `json:"chunks_sent"`
	BytesSent        int64         `json:"bytes_sent"`
	StreamsStarted   int64         `json:"streams_started"`
	StreamsCompleted int64         `json:"streams_completed"`
	StreamsAborted   int64         `json:"streams_aborted"`
	MessagesReceived int64         `json:"messages_received"`
	MessagesDropped  int64         `json:"messages_dropped"`
}

// Snapshot returns a point-in-time snapshot of the stats
func (s *ServerStats) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:        time.Now(),
		StartTime:        s.startTime,
		Uptime:           s.Uptime(),
		SessionsTotal:    s.sessionsTotal.Load(),
		CurrentSessions:  s.currentSessions.Load(),
		PeakSessions:     s.peakSessions.Load(),
		ChunksSent:       s.chunksSent.Load(),
		BytesSent:        s.bytesSent.Load(),
		StreamsStarted:   s.streamsStarted.Load(),
		StreamsCompleted: s.streamsCompleted.Load(),
		StreamsAborted:   s.streamsAborted.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesDropped:  s.messagesDropped.Load(),
	}
}

// FormatBytes formats bytes into a human-readable string (KiB, MiB, ...)
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats a duration into a human-readable string
func FormatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
