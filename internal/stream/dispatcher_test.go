package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocast/chunkcast/internal/source"
)

// ---------------------------------------------------------
// FAKES
// ---------------------------------------------------------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type mapSource map[string][]byte

func (m mapSource) Load(_ context.Context, trackID string) ([]byte, error) {
	if err := source.ValidateTrackID(trackID); err != nil {
		return nil, err
	}
	data, ok := m[trackID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrTrackNotFound, trackID)
	}
	return data, nil
}

type failingSource struct{ err error }

func (f failingSource) Load(context.Context, string) ([]byte, error) { return nil, f.err }

// recordingSender captures frames; onSend runs after each recorded frame and
// failAt makes the n-th send (1-based) fail
type recordingSender struct {
	frames [][]byte
	// buffered holds the session buffer size seen at each send
	buffered []int
	sess     *Session
	failAt   int
	onSend   func(n int)
	attempts int
}

func (r *recordingSender) Send(_ context.Context, data []byte) error {
	r.attempts++
	if r.failAt > 0 && r.attempts == r.failAt {
		return errors.New("broken pipe")
	}
	r.frames = append(r.frames, data)
	if r.sess != nil {
		r.buffered = append(r.buffered, r.sess.CurrentSize())
	}
	if r.onSend != nil {
		r.onSend(len(r.frames))
	}
	return nil
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func newTestDispatcher(src source.Source, clock Clock, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherConfig{
		ChunkSize:      DefaultChunkSize,
		PacingInterval: 100 * time.Millisecond,
		DefaultTrackID: "default_track",
	}
	return NewDispatcher(src, cfg, append([]DispatcherOption{WithClock(clock)}, opts...)...)
}

// ---------------------------------------------------------
// DISPATCHER TESTS
// ---------------------------------------------------------

func TestDispatcherDeliversInOrder(t *testing.T) {
	data := payload(10000)
	clock := newFakeClock()
	d := newTestDispatcher(mapSource{"t1": data}, clock)

	sess := newTestSession(DefaultBufferCapacity)
	conn := &recordingSender{sess: sess}

	res := d.Run(context.Background(), sess, conn, "t1")

	require.True(t, res.Completed(), "result: %+v", res)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, 3, res.ChunksSent)
	assert.EqualValues(t, 10000, res.BytesSent)

	require.Len(t, conn.frames, 3)
	assert.Len(t, conn.frames[0], 4096)
	assert.Len(t, conn.frames[1], 4096)
	assert.Len(t, conn.frames[2], 1808)
	assert.Equal(t, data[:4096], conn.frames[0])
	assert.Equal(t, data[4096:8192], conn.frames[1])
	assert.Equal(t, data[8192:], conn.frames[2])

	// each chunk is in the session buffer before it is written out
	assert.Equal(t, []int{1, 2, 3}, conn.buffered)

	// paced between chunks, not after the last one
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, clock.sleeps)
}

func TestDispatcherBufferedChunksMatchSent(t *testing.T) {
	d := newTestDispatcher(mapSource{"t1": payload(10000)}, newFakeClock())
	sess := newTestSession(DefaultBufferCapacity)
	conn := &recordingSender{}

	d.Run(context.Background(), sess, conn, "t1")

	for i := range conn.frames {
		c, err := sess.Pop()
		require.NoError(t, err)
		assert.Equal(t, conn.frames[i], c.Data())
		assert.Equal(t, "t1", c.TrackID())
	}
	_, err := sess.Pop()
	assert.ErrorIs(t, err, ErrBufferEmpty)
}

func TestDispatcherStopsWhenSessionTerminated(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(mapSource{"t1": payload(20000)}, clock)

	sess := newTestSession(DefaultBufferCapacity)
	conn := &recordingSender{onSend: func(n int) {
		if n == 1 {
			sess.Terminate()
		}
	}}

	res := d.Run(context.Background(), sess, conn, "t1")

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonInactive, res.Reason)
	assert.Equal(t, 1, res.ChunksSent)
	assert.Len(t, conn.frames, 1)
	assert.Equal(t, 1, sess.CurrentSize())
}

func TestDispatcherTrackNotFound(t *testing.T) {
	d := newTestDispatcher(mapSource{}, newFakeClock())
	sess := newTestSession(DefaultBufferCapacity)
	sess.Push(chunkN(1))
	conn := &recordingSender{}

	res := d.Run(context.Background(), sess, conn, "missing")

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.ErrorIs(t, res.Err, source.ErrTrackNotFound)
	assert.Zero(t, res.ChunksSent)
	assert.Empty(t, conn.frames)
	assert.Equal(t, 1, sess.CurrentSize(), "buffer must be left unchanged")
}

func TestDispatcherEmptyTrackIsNotFound(t *testing.T) {
	d := newTestDispatcher(mapSource{"silence": {}}, newFakeClock())
	conn := &recordingSender{}

	res := d.Run(context.Background(), newTestSession(4), conn, "silence")

	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.Empty(t, conn.frames)
}

func TestDispatcherInvalidTrackIsNotFound(t *testing.T) {
	d := newTestDispatcher(mapSource{}, newFakeClock())

	res := d.Run(context.Background(), newTestSession(4), &recordingSender{}, "../secret")

	assert.Equal(t, ReasonNotFound, res.Reason)
	assert.ErrorIs(t, res.Err, source.ErrInvalidTrackID)
}

func TestDispatcherLoadFailure(t *testing.T) {
	d := newTestDispatcher(failingSource{err: errors.New("disk on fire")}, newFakeClock())
	conn := &recordingSender{}

	res := d.Run(context.Background(), newTestSession(4), conn, "t1")

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonLoadFailed, res.Reason)
	assert.Empty(t, conn.frames)
}

func TestDispatcherWriteFailureIsTerminal(t *testing.T) {
	clock := newFakeClock()
	d := newTestDispatcher(mapSource{"t1": payload(20000)}, clock)
	conn := &recordingSender{failAt: 2}

	res := d.Run(context.Background(), newTestSession(DefaultBufferCapacity), conn, "t1")

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, ReasonWriteFailed, res.Reason)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.ChunksSent)
	assert.Equal(t, 2, conn.attempts, "failed write must not be retried")
	assert.Len(t, clock.sleeps, 1)
}

func TestDispatcherDefaultTrackFallback(t *testing.T) {
	d := newTestDispatcher(mapSource{"default_track": payload(10)}, newFakeClock())
	conn := &recordingSender{}

	res := d.Run(context.Background(), newTestSession(4), conn, "")

	assert.True(t, res.Completed())
	assert.Equal(t, "default_track", res.TrackID)
	assert.Len(t, conn.frames, 1)
}

func TestDispatcherLongTrackKeepsBufferBounded(t *testing.T) {
	d := newTestDispatcher(mapSource{"long": payload(60 * DefaultChunkSize)}, newFakeClock())
	sess := newTestSession(DefaultBufferCapacity)
	conn := &recordingSender{}

	res := d.Run(context.Background(), sess, conn, "long")

	assert.True(t, res.Completed())
	assert.Equal(t, 60, res.ChunksSent)
	assert.Equal(t, DefaultBufferCapacity, sess.CurrentSize())
	assert.EqualValues(t, 10, sess.Stats().ChunksEvicted)
}

func TestDispatcherPauseIsAdvisory(t *testing.T) {
	d := newTestDispatcher(mapSource{"t1": payload(3 * DefaultChunkSize)}, newFakeClock())
	sess := newTestSession(DefaultBufferCapacity)
	conn := &recordingSender{onSend: func(int) { sess.SetPaused(true) }}

	res := d.Run(context.Background(), sess, conn, "t1")

	assert.True(t, res.Completed())
	assert.Len(t, conn.frames, 3)
	assert.True(t, sess.IsPaused())
}

func TestDispatcherZeroPacing(t *testing.T) {
	clock := newFakeClock()
	d := NewDispatcher(mapSource{"t1": payload(5000)}, DispatcherConfig{ChunkSize: 1000}, WithClock(clock))

	res := d.Run(context.Background(), newTestSession(10), &recordingSender{}, "t1")

	assert.Equal(t, 5, res.ChunksSent)
	assert.Empty(t, clock.sleeps)
}

func TestDispatcherMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := newTestDispatcher(mapSource{"t1": payload(10000)}, newFakeClock(), WithMetrics(m))

	d.Run(context.Background(), newTestSession(2), &recordingSender{}, "t1")
	d.Run(context.Background(), newTestSession(2), &recordingSender{}, "missing")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunksSent))
	assert.Equal(t, 10000.0, testutil.ToFloat64(m.BytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Streams.WithLabelValues("completed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Streams.WithLabelValues("aborted", "not_found")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "delivering", StateDelivering.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.ChunkSent(10)
		m.ChunkEvicted()
		m.StreamFinished(Result{}, 1)
		m.Message("play")
		m.MessageRateLimited()
		m.TaskExecuted()
		m.TaskFailed()
		m.TasksDiscarded(3)
		m.QueueLength(1)
	})
}
