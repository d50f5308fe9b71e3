// Package worker runs queued tasks on a fixed set of goroutines.
//
// The queue is a plain slice guarded by a mutex and a sync.Cond: Enqueue
// wakes exactly one idle worker, Shutdown wakes all of them. Tasks still
// queued when Shutdown is called are dropped; the pool exists for the life
// of the process and losing unstarted streams at exit is acceptable.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
)

var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Task is one unit of work. A returned error is logged and counted.
type Task func() error

// Observer receives pool events, typically to feed metrics
type Observer interface {
	TaskExecuted()
	TaskFailed()
	TasksDiscarded(n int)
	QueueLength(n int)
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the pool logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithQueueLimit caps the number of pending tasks; 0 means unbounded
func WithQueueLimit(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithObserver reports pool events to o
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// Pool is a fixed-size worker pool with a FIFO task queue
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	stopping bool
	limit    int
	size     int

	wg       sync.WaitGroup
	shutdown sync.Once
	dropped  int

	executed atomic.Int64
	failed   atomic.Int64
	running  atomic.Int32

	logger   *slog.Logger
	observer Observer
}

// DefaultSize returns the number of logical CPUs, at least 1
func DefaultSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}

// New starts a pool of size workers. size <= 0 uses DefaultSize.
func New(size int, opts ...Option) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}

	p := &Pool{
		size:   size,
		logger: slog.Default(),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}

	p.logger.Debug("worker pool started", "workers", size)
	return p
}

func (p *Pool) work(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if p.stopping {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		pending := len(p.queue)
		p.mu.Unlock()

		p.report(func(o Observer) { o.QueueLength(pending) })
		p.run(id, task)
	}
}

// run executes one task outside the queue lock, containing panics so the
// worker survives
func (p *Pool) run(id int, task Task) {
	p.running.Add(1)
	defer p.running.Add(-1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
			}
		}()
		return task()
	}()

	p.executed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("task failed", "worker", id, "error", err)
		p.report(func(o Observer) { o.TaskFailed() })
		return
	}
	p.report(func(o Observer) { o.TaskExecuted() })
}

func (p *Pool) report(fn func(Observer)) {
	if p.observer != nil {
		fn(p.observer)
	}
}

// Enqueue appends a task and wakes one worker
func (p *Pool) Enqueue(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.limit > 0 && len(p.queue) >= p.limit {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.queue = append(p.queue, task)
	pending := len(p.queue)
	p.mu.Unlock()

	p.cond.Signal()
	p.report(func(o Observer) { o.QueueLength(pending) })
	return nil
}

// Shutdown stops the workers and waits for them to exit. Running tasks are
// allowed to finish; queued tasks are dropped and their count returned.
// Calling Shutdown again returns the same count.
func (p *Pool) Shutdown() int {
	p.shutdown.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.dropped = len(p.queue)
		p.queue = nil
		p.mu.Unlock()

		p.cond.Broadcast()
		p.wg.Wait()

		if p.dropped > 0 {
			p.logger.Warn("dropped queued tasks at shutdown", "count", p.dropped)
		}
		p.report(func(o Observer) {
			o.TasksDiscarded(p.dropped)
			o.QueueLength(0)
		})
		p.logger.Debug("worker pool stopped", "workers", p.size)
	})
	return p.dropped
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Pending returns the number of queued tasks
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns a point-in-time view of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.queue)
	stopped := p.stopping
	dropped := p.dropped
	p.mu.Unlock()

	return Stats{
		Workers:  p.size,
		Busy:     int(p.running.Load()),
		Pending:  pending,
		Executed: p.executed.Load(),
		Failed:   p.failed.Load(),
		Dropped:  dropped,
		Stopped:  stopped,
	}
}

// Stats contains worker pool statistics
type Stats struct {
	Workers  int   `json:"workers"`
	Busy     int   `json:"busy"`
	Pending  int   `json:"pending"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Dropped  int   `json:"dropped"`
	Stopped  bool  `json:"stopped"`
}
