package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocast/chunkcast/internal/source"
)

// State is a dispatcher run's position in its lifecycle:
// Idle -> Loading -> Delivering -> Completed | Aborted
type State int

const (
	StateIdle State = iota
	StateLoading
	StateDelivering
	StateCompleted
	StateAborted
)

// String returns the state name used in logs and metric labels
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateDelivering:
		return "delivering"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// AbortReason says why a run ended early
type AbortReason string

const (
	ReasonNone        AbortReason = ""
	ReasonNotFound    AbortReason = "not_found"
	ReasonLoadFailed  AbortReason = "load_failed"
	ReasonInactive    AbortReason = "inactive"
	ReasonWriteFailed AbortReason = "write_failed"
)

// Result describes a finished dispatcher run
type Result struct {
	TrackID    string
	State      State
	Reason     AbortReason
	ChunksSent int
	BytesSent  int64
	Err        error
}

// Completed reports whether every chunk was delivered
func (r Result) Completed() bool {
	return r.State == StateCompleted
}

// Sender writes one binary frame to a client
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Clock abstracts wall time so pacing can be tested without sleeping
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the real wall clock
func SystemClock() Clock { return systemClock{} }

// DispatcherConfig controls chunking and pacing
type DispatcherConfig struct {
	ChunkSize      int
	PacingInterval time.Duration
	// DefaultTrackID is streamed when a request names no track
	DefaultTrackID string
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithClock replaces the wall clock
func WithClock(c Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLogger sets the dispatcher logger
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records chunk and run metrics
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher streams a track from a Source into a session and out to its
// connection, one chunk per pacing interval. A Dispatcher has no per-run
// state and is shared by all workers.
type Dispatcher struct {
	source  source.Source
	cfg     DispatcherConfig
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
}

// NewDispatcher creates a dispatcher reading from src
func NewDispatcher(src source.Source, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PacingInterval < 0 {
		cfg.PacingInterval = 0
	}
	if cfg.DefaultTrackID == "" {
		cfg.DefaultTrackID = "default_track"
	}

	d := &Dispatcher{
		source: src,
		cfg:    cfg,
		clock:  SystemClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run streams trackID to conn on behalf of sess. It returns when every chunk
// has been sent, the session stops being active, a write fails, or the track
// cannot be loaded. Runs are never retried.
func (d *Dispatcher) Run(ctx context.Context, sess *Session, conn Sender, trackID string) Result {
	started := d.clock.Now()
	res := d.run(ctx, sess, conn, trackID)
	d.metrics.StreamFinished(res, d.clock.Now().Sub(started).Seconds())

	log := d.logger.With("session", sess.ID, "track", res.TrackID, "chunks", res.ChunksSent, "bytes", res.BytesSent)
	switch {
	case res.State == StateCompleted:
		log.Info("stream completed")
	case res.Reason == ReasonInactive:
		log.Info("stream stopped, session closed")
	default:
		log.Warn("stream aborted", "reason", string(res.Reason), "error", res.Err)
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, sess *Session, conn Sender, trackID string) Result {
	// Idle -> Loading
	if trackID == "" {
		trackID = d.cfg.DefaultTrackID
		d.logger.Debug("no track requested, using default", "session", sess.ID, "track", trackID)
	}
	res := Result{TrackID: trackID, State: StateLoading}

	data, err := d.source.Load(ctx, trackID)
	switch {
	case errors.Is(err, source.ErrTrackNotFound), errors.Is(err, source.ErrInvalidTrackID):
		return abort(res, ReasonNotFound, err)
	case err != nil:
		return abort(res, ReasonLoadFailed, err)
	case len(data) == 0:
		return abort(res, ReasonNotFound, fmt.Errorf("%w: %s is empty", source.ErrTrackNotFound, trackID))
	}

	// Loading -> Delivering
	res.State = StateDelivering
	pieces := Split(data, d.cfg.ChunkSize)
	d.logger.Info("stream started", "session", sess.ID, "track", trackID, "bytes", len(data), "chunks", len(pieces))

	for i, piece := range pieces {
		// Cooperative cancellation: observed once per chunk
		if !sess.IsActive() {
			return abort(res, ReasonInactive, nil)
		}

		chunk := NewAudioChunk(piece, trackID, d.clock.Now())
		if sess.Push(chunk) {
			d.metrics.ChunkEvicted()
		}

		if err := conn.Send(ctx, chunk.Data()); err != nil {
			return abort(res, ReasonWriteFailed, err)
		}
		res.ChunksSent++
		res.BytesSent += int64(chunk.Size())
		sess.Touch()
		d.metrics.ChunkSent(chunk.Size())

		if i < len(pieces)-1 && d.cfg.PacingInterval > 0 {
			d.clock.Sleep(d.cfg.PacingInterval)
		}
	}

	res.State = StateCompleted
	return res
}

func abort(res Result, reason AbortReason, err error) Result {
	res.State = StateAborted
	res.Reason = reason
	res.Err = err
	return res
}
