package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gocast/chunkcast/internal/protocol"
	"github.com/gocast/chunkcast/internal/stats"
	"github.com/gocast/chunkcast/internal/stream"
	"github.com/gocast/chunkcast/internal/worker"
)

// Handler turns connection events into registry and queue operations.
// None of its methods block on streaming; playback runs on the worker pool.
type Handler struct {
	registry   *stream.Registry
	pool       *worker.Pool
	dispatcher *stream.Dispatcher

	stats    *stats.ServerStats
	metrics  *stream.Metrics
	activity *ActivityBuffer
	logger   *slog.Logger

	// ctx bounds stream writes; cancelled when the handler is shut down
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]Connection // by session id
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithLogger sets the handler logger
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithStats records session and stream counters
func WithStats(s *stats.ServerStats) HandlerOption {
	return func(h *Handler) { h.stats = s }
}

// WithMetrics records Prometheus metrics
func WithMetrics(m *stream.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithActivity records session events for the admin API
func WithActivity(a *ActivityBuffer) HandlerOption {
	return func(h *Handler) { h.activity = a }
}

// NewHandler creates an event handler
func NewHandler(registry *stream.Registry, pool *worker.Pool, dispatcher *stream.Dispatcher, opts ...HandlerOption) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		registry:   registry,
		pool:       pool,
		dispatcher: dispatcher,
		stats:      stats.New(),
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]Connection),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnOpen creates a session for a new connection and binds it
func (h *Handler) OnOpen(conn Connection) *stream.Session {
	sess := h.registry.Create(conn.UserID())
	conn.BindSession(sess.ID)

	h.mu.Lock()
	h.conns[sess.ID] = conn
	h.mu.Unlock()

	h.stats.SessionOpened()
	h.metrics.SessionOpened()
	h.activity.SessionOpened(sess.ID, sess.UserID, conn.RemoteAddr())
	h.logger.Info("session opened", "session", sess.ID, "user", sess.UserID, "remote", conn.RemoteAddr())
	return sess
}

// OnClose terminates and removes the connection's session. Any stream
// running for it stops before its next chunk.
func (h *Handler) OnClose(conn Connection) {
	id := conn.SessionID()
	if id == "" {
		return
	}

	h.mu.Lock()
	if h.conns[id] == conn {
		delete(h.conns, id)
	}
	h.mu.Unlock()

	h.removeSession(id)
}

// removeSession drops a session from the registry. The close is recorded
// only by the caller whose Remove succeeds.
func (h *Handler) removeSession(id string) {
	sess, err := h.registry.Lookup(id)
	if err != nil || !h.registry.Remove(id) {
		return
	}

	h.stats.SessionClosed()
	h.metrics.SessionClosed()
	lifetime := time.Since(sess.CreatedAt)
	h.activity.SessionClosed(id, lifetime)
	h.logger.Info("session closed", "session", id, "duration", lifetime.Round(time.Millisecond))
}

// OnMessage handles one inbound control frame. Malformed or unknown
// requests are ignored; a panic here is logged and never reaches the
// connection's read loop.
func (h *Handler) OnMessage(conn Connection, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic handling message", "session", conn.SessionID(), "panic", r)
		}
	}()

	id := conn.SessionID()
	sess, err := h.registry.Lookup(id)
	if err != nil {
		h.logger.Debug("message for unknown session", "session", id)
		return
	}
	sess.Touch()

	req := protocol.Parse(payload)
	h.stats.MessageReceived()
	h.metrics.Message(req.Action.String())

	switch req.Action {
	case protocol.ActionPlay:
		sess.SetPaused(false)
		if err := h.pool.Enqueue(h.playTask(conn, id, req.TrackID)); err != nil {
			h.logger.Warn("play request not queued", "session", id, "track", req.TrackID, "error", err)
			return
		}
		h.activity.StreamStarted(id, req.TrackID)
		h.logger.Debug("play queued", "session", id, "track", req.TrackID)

	case protocol.ActionPause:
		// Advisory: a stream already running keeps going
		sess.SetPaused(true)
		h.logger.Debug("session paused", "session", id)

	default:
		h.logger.Debug("ignoring unrecognized message", "session", id, "bytes", len(payload))
	}
}

// playTask captures what a worker needs to stream trackID to the session
func (h *Handler) playTask(conn Connection, sessionID, trackID string) worker.Task {
	return func() error {
		sess, err := h.registry.Lookup(sessionID)
		if err != nil {
			// closed while queued
			return nil
		}
		if !conn.Alive() {
			return nil
		}

		h.stats.StreamStarted()
		res := h.dispatcher.Run(h.ctx, sess, conn, trackID)
		h.stats.StreamFinished(res.Completed(), res.ChunksSent, res.BytesSent)
		h.activity.StreamFinished(sessionID, res.TrackID, res.State.String(), string(res.Reason), res.ChunksSent)

		if res.Reason == stream.ReasonLoadFailed {
			return res.Err
		}
		return nil
	}
}

// Conn returns the live connection bound to a session
func (h *Handler) Conn(sessionID string) (Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[sessionID]
	return c, ok
}

// ConnCount returns the number of live connections
func (h *Handler) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseSession stops a session's stream and closes its connection. The
// connection's read loop then runs OnClose. It reports whether the session
// existed.
func (h *Handler) CloseSession(sessionID string, code websocket.StatusCode, reason string) bool {
	sess, err := h.registry.Lookup(sessionID)
	if err != nil {
		return false
	}
	sess.Terminate()

	conn, ok := h.Conn(sessionID)
	if !ok {
		// no transport left to trigger OnClose
		h.removeSession(sessionID)
		return true
	}
	if err := conn.Close(code, reason); err != nil {
		h.logger.Debug("close failed", "session", sessionID, "error", err)
	}
	return true
}

// CloseAll terminates every session and closes every connection, then
// cancels in-flight writes. It returns the number of sessions closed.
func (h *Handler) CloseAll(code websocket.StatusCode, reason string) int {
	h.registry.TerminateAll()

	h.mu.RLock()
	conns := make([]Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c Connection) {
			defer wg.Done()
			c.Close(code, reason)
		}(c)
	}
	wg.Wait()

	h.cancel()
	return len(conns)
}

// SessionInfo is the admin view of a session and its connection
type SessionInfo struct {
	stream.SessionStats
	Remote string     `json:"remote,omitempty"`
	Conn   *ConnStats `json:"connection,omitempty"`
}

// Sessions returns the admin view of all sessions, oldest first
func (h *Handler) Sessions() []SessionInfo {
	sessions := h.registry.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{SessionStats: s.Stats()}
		if c, ok := h.Conn(s.ID); ok {
			info.Remote = c.RemoteAddr()
			if wc, ok := c.(*Conn); ok {
				cs := wc.Stats()
				info.Conn = &cs
			}
		}
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// ReapIdle closes sessions with no activity since cutoff
func (h *Handler) ReapIdle(cutoff time.Time) int {
	n := 0
	for _, s := range h.registry.Idle(cutoff) {
		if h.CloseSession(s.ID, websocket.StatusGoingAway, "idle timeout") {
			h.logger.Info("idle session reaped", "session", s.ID, "last_activity", s.LastActivity())
			n++
		}
	}
	return n
}

// isClientGone reports errors that just mean the peer went away
func isClientGone(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
