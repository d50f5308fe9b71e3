package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus instruments for sessions, streams and the
// worker pool. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter

	// Delivery metrics
	ChunksSent     prometheus.Counter
	BytesSent      prometheus.Counter
	ChunksEvicted  prometheus.Counter
	Streams        *prometheus.CounterVec
	StreamDuration prometheus.Histogram

	// Worker pool metrics
	QueueDepth    prometheus.Gauge
	TasksExecuted prometheus.Counter
	TasksFailed   prometheus.Counter
	TasksDropped  prometheus.Counter

	// Inbound control messages
	Messages    *prometheus.CounterVec
	RateLimited prometheus.Counter
}

// NewMetrics creates all instruments and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcast_sessions_active",
			Help: "Current number of open streaming sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_chunks_sent_total",
			Help: "Total number of audio chunks written to clients",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_bytes_sent_total",
			Help: "Total audio bytes written to clients",
		}),
		ChunksEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_chunks_evicted_total",
			Help: "Chunks dropped from full session buffers",
		}),
		Streams: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkcast_streams_total",
			Help: "Finished stream runs by outcome and abort reason",
		}, []string{"outcome", "reason"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkcast_stream_duration_seconds",
			Help:    "Wall time of stream runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5 minutes
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcast_task_queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		TasksExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_tasks_executed_total",
			Help: "Tasks run by the worker pool",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_tasks_failed_total",
			Help: "Tasks that returned an error or panicked",
		}),
		TasksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_tasks_dropped_total",
			Help: "Queued tasks discarded at shutdown",
		}),

		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkcast_messages_total",
			Help: "Inbound control messages by kind",
		}, []string{"kind"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_messages_rate_limited_total",
			Help: "Inbound messages dropped by the per-connection rate limiter",
		}),
	}
}

// SessionOpened records a new session
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a session teardown
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionsActive.Dec()
}

// ChunkSent records one delivered chunk of n bytes
func (m *Metrics) ChunkSent(n int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(n))
}

// ChunkEvicted records a drop-oldest eviction
func (m *Metrics) ChunkEvicted() {
	if m == nil {
		return
	}
	m.ChunksEvicted.Inc()
}

// StreamFinished records the outcome of a dispatcher run
func (m *Metrics) StreamFinished(r Result, seconds float64) {
	if m == nil {
		return
	}
	m.Streams.WithLabelValues(r.State.String(), string(r.Reason)).Inc()
	m.StreamDuration.Observe(seconds)
}

// Message records an inbound control message of the given kind
func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(kind).Inc()
}

// MessageRateLimited records a message dropped by the rate limiter
func (m *Metrics) MessageRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// The methods below satisfy worker.Observer.

// TaskExecuted records a task that ran to completion
func (m *Metrics) TaskExecuted() {
	if m == nil {
		return
	}
	m.TasksExecuted.Inc()
}

// TaskFailed records a task that returned an error or panicked
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.TasksFailed.Inc()
}

// TasksDiscarded records tasks dropped at pool shutdown
func (m *Metrics) TasksDiscarded(n int) {
	if m == nil {
		return
	}
	m.TasksDropped.Add(float64(n))
}

// QueueLength records the current pending task count
func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
