package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrConnClosed is returned by Send once the connection has been closed or
// a previous write failed
var ErrConnClosed = errors.New("connection closed")

// Connection is the transport handle the event handler works with
type Connection interface {
	ID() string
	UserID() string
	RemoteAddr() string
	SessionID() string
	BindSession(id string)
	// Send writes one binary frame
	Send(ctx context.Context, data []byte) error
	// Alive reports whether the connection can still be written to
	Alive() bool
	Close(code websocket.StatusCode, reason string) error
}

// Conn is a WebSocket client connection. Every Send is a single binary
// frame bounded by the write timeout; the first failed write marks the
// connection dead so later sends fail fast.
type Conn struct {
	id          string
	userID      string
	remoteAddr  string
	connectedAt time.Time

	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.RWMutex // protects sessionID and lastError
	sessionID string
	lastError error

	closed atomic.Bool

	// Metrics
	bytesWritten atomic.Int64
	writeCount   atomic.Int64
	errorCount   atomic.Int64
	lastWrite    atomic.Int64 // unix nanos
}

// NewConn wraps an accepted WebSocket connection
func NewConn(ws *websocket.Conn, userID, remoteAddr string, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.New().String(),
		userID:       userID,
		remoteAddr:   remoteAddr,
		connectedAt:  time.Now(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) UserID() string     { return c.userID }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// SessionID returns the id of the session bound by the handler
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// BindSession associates the connection with a session
func (c *Conn) BindSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Send writes data as one binary message
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}

	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		c.errorCount.Add(1)
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
		// coder/websocket closes the connection on a failed write
		c.closed.Store(true)
		return err
	}

	c.bytesWritten.Add(int64(len(data)))
	c.writeCount.Add(1)
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// Alive returns false once the connection is closed or a write has failed
func (c *Conn) Alive() bool {
	return !c.closed.Load()
}

// Close performs the closing handshake. Only the first call has an effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close(code, reason)
}

// closeNow tears the connection down without a handshake
func (c *Conn) closeNow() {
	c.closed.Store(true)
	c.ws.CloseNow()
}

// Stats returns connection statistics
func (c *Conn) Stats() ConnStats {
	var lastWrite time.Time
	if ns := c.lastWrite.Load(); ns > 0 {
		lastWrite = time.Unix(0, ns)
	}
	var lastError string
	c.mu.RLock()
	if c.lastError != nil {
		lastError = c.lastError.Error()
	}
	c.mu.RUnlock()
	return ConnStats{
		ID:           c.id,
		UserID:       c.userID,
		RemoteAddr:   c.remoteAddr,
		SessionID:    c.SessionID(),
		ConnectedAt:  c.connectedAt,
		LastWrite:    lastWrite,
		BytesWritten: c.bytesWritten.Load(),
		WriteCount:   c.writeCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		LastError:    lastError,
		Alive:        c.Alive(),
	}
}

// ConnStats contains connection statistics
type ConnStats struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RemoteAddr   string    `json:"remote_addr"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastWrite    time.Time `json:"last_write,omitzero"`
	BytesWritten int64     `json:"bytes_written"`
	WriteCount   int64     `json:"write_count"`
	ErrorCount   int64     `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`
	Alive        bool      `json:"alive"`
}
