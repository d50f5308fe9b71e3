package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	executed  atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64
}

func (o *countingObserver) TaskExecuted()        { o.executed.Add(1) }
func (o *countingObserver) TaskFailed()          { o.failed.Add(1) }
func (o *countingObserver) TasksDiscarded(n int) { o.discarded.Add(int64(n)) }
func (o *countingObserver) QueueLength(int)      {}

func TestDefaultSize(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultSize(), 1)

	p := New(0)
	defer p.Shutdown()
	assert.Equal(t, DefaultSize(), p.Size())
}

func TestPoolExecutesEveryTaskOnce(t *testing.T) {
	p := New(4)

	const k = 500
	var counts [k]atomic.Int32
	var wg sync.WaitGroup
	wg.Add(k)
	for i := 0; i < k; i++ {
		i := i
		require.NoError(t, p.Enqueue(func() error {
			defer wg.Done()
			counts[i].Add(1)
			return nil
		}))
	}
	wg.Wait()

	for i := range counts {
		assert.EqualValues(t, 1, counts[i].Load(), "task %d", i)
	}

	assert.Equal(t, 0, p.Shutdown())
	stats := p.Stats()
	assert.EqualValues(t, k, stats.Executed)
	assert.Zero(t, stats.Failed)
	assert.True(t, stats.Stopped)
}

func TestPoolSurvivesPanicAndError(t *testing.T) {
	obs := &countingObserver{}
	p := New(1, WithObserver(obs))
	defer p.Shutdown()

	done := make(chan struct{})
	require.NoError(t, p.Enqueue(func() error { panic("boom") }))
	require.NoError(t, p.Enqueue(func() error { return errors.New("bad track") }))
	require.NoError(t, p.Enqueue(func() error { close(done); return nil }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}

	// the last task's bookkeeping happens right after it returns
	require.Eventually(t, func() bool {
		return p.Stats().Executed == 3 && obs.executed.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, p.Stats().Failed)
	assert.EqualValues(t, 2, obs.failed.Load())
	assert.EqualValues(t, 1, obs.executed.Load())
}

func TestShutdownDropsQueuedTasks(t *testing.T) {
	obs := &countingObserver{}
	p := New(1, WithObserver(obs))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Enqueue(func() error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(func() error { ran.Add(1); return nil }))
	}
	assert.Equal(t, 3, p.Pending())

	dropped := make(chan int, 1)
	go func() { dropped <- p.Shutdown() }()

	// Shutdown must wait for the running task
	select {
	case <-dropped:
		t.Fatal("Shutdown returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, 3, <-dropped)
	assert.Zero(t, ran.Load())
	assert.EqualValues(t, 3, obs.discarded.Load())

	// idempotent
	assert.Equal(t, 3, p.Shutdown())
}

func TestEnqueueAfterShutdown(t *testing.T) {
	p := New(2)
	p.Shutdown()

	assert.ErrorIs(t, p.Enqueue(func() error { return nil }), ErrPoolClosed)
}

func TestEnqueueQueueLimit(t *testing.T) {
	p := New(1, WithQueueLimit(1))
	defer p.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.Enqueue(func() error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, p.Enqueue(func() error { return nil }))
	assert.ErrorIs(t, p.Enqueue(func() error { return nil }), ErrQueueFull)
}

func TestEnqueueNil(t *testing.T) {
	p := New(1)
	defer p.Shutdown()
	assert.Error(t, p.Enqueue(nil))
}

func TestShutdownJoinsIdleWorkers(t *testing.T) {
	p := New(8)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.Equal(t, 0, p.Stats().Busy)
}
