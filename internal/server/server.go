// Package server exposes the streaming core over WebSocket and HTTP: the
// connection handler, the chi router with health, status, metrics and admin
// endpoints, TLS, and the server lifecycle.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/gocast/chunkcast/internal/config"
	"github.com/gocast/chunkcast/internal/source"
	"github.com/gocast/chunkcast/internal/stats"
	"github.com/gocast/chunkcast/internal/stream"
	"github.com/gocast/chunkcast/internal/worker"
)

// ShutdownTimeout bounds Stop when Run's context ends
const ShutdownTimeout = 10 * time.Second

// Server is the chunkcast WebSocket server
type Server struct {
	configManager *config.ConfigManager
	source        source.Source

	registry      *stream.Registry
	pool          *worker.Pool
	dispatcher    *stream.Dispatcher
	handler       *Handler
	stats         *stats.ServerStats
	metrics       *stream.Metrics
	promRegistry  *prometheus.Registry
	statusHandler *StatusHandler
	housekeeper   *Housekeeper
	logBuffer     *LogBuffer
	activity      *ActivityBuffer
	logger        *slog.Logger
	startTime     time.Time

	mu              sync.Mutex
	httpServer      *http.Server
	httpsServer     *http.Server
	challengeServer *http.Server
	listener        net.Listener
	tlsListener     net.Listener
	started         bool
	stopOnce        sync.Once
	stopErr         error
}

// New creates a server from the live configuration. logBuffer receives the
// process log output for /admin/logs; nil creates an empty one.
func New(cm *config.ConfigManager, src source.Source, logger *slog.Logger, logBuffer *LogBuffer) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := cm.GetConfig()
	if logBuffer == nil {
		logBuffer = NewLogBuffer(cfg.Logging.BufferSize)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := stream.NewMetrics(promRegistry)

	registry := stream.NewRegistry(cfg.Streaming.BufferCapacity)

	workers := cfg.Workers.Count
	if workers <= 0 {
		workers = worker.DefaultSize()
	}
	pool := worker.New(workers,
		worker.WithLogger(logger.With("component", "worker")),
		worker.WithQueueLimit(cfg.Workers.QueueLimit),
		worker.WithObserver(metrics),
	)

	dispatcher := stream.NewDispatcher(src, stream.DispatcherConfig{
		ChunkSize:      cfg.Streaming.ChunkSize,
		PacingInterval: cfg.Streaming.PacingInterval,
		DefaultTrackID: cfg.Streaming.DefaultTrackID,
	},
		stream.WithLogger(logger.With("component", "dispatcher")),
		stream.WithMetrics(metrics),
	)

	st := stats.New()
	activity := NewActivityBuffer(500)
	handler := NewHandler(registry, pool, dispatcher,
		WithLogger(logger.With("component", "handler")),
		WithStats(st),
		WithMetrics(metrics),
		WithActivity(activity),
	)

	s := &Server{
		configManager: cm,
		source:        src,
		registry:      registry,
		pool:          pool,
		dispatcher:    dispatcher,
		handler:       handler,
		stats:         st,
		metrics:       metrics,
		promRegistry:  promRegistry,
		logBuffer:     logBuffer,
		activity:      activity,
		logger:        logger,
		startTime:     time.Now(),
	}
	s.statusHandler = NewStatusHandler(st, pool, func() string {
		return s.configManager.GetConfig().Server.Hostname
	})

	hk, err := NewHousekeeper(cfg.Housekeeping.Schedule, handler, st, activity, func() time.Duration {
		return s.configManager.GetConfig().Limits.IdleTimeout
	}, logger.With("component", "housekeeping"))
	if err != nil {
		pool.Shutdown()
		return nil, err
	}
	s.housekeeper = hk

	cm.OnChange(func(newCfg *config.Config) {
		s.logger.Info("configuration reloaded", "path", cm.GetConfigPath())
		s.activity.ConfigChanged("reloaded from " + cm.GetConfigPath())
	})

	return s, nil
}

// Start binds the listeners and serves in the background. It returns once
// the ports are bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("server already started")
	}
	cfg := s.configManager.GetConfig()
	router := s.Router()

	ln, err := NewStreamingListener(context.Background(), cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	s.listener = ln
	s.httpServer = newHTTPServer(router, nil)

	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String(), "websocket", cfg.Server.WebSocketPath)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()

	if cfg.SSL.Enabled {
		if err := s.startHTTPS(cfg, router); err != nil {
			s.httpServer.Close()
			if s.challengeServer != nil {
				s.challengeServer.Close()
			}
			return fmt.Errorf("failed to start HTTPS server: %w", err)
		}
	}

	s.housekeeper.Start()
	s.started = true
	s.activity.Add(ActivityServerStart, "Server started on "+ln.Addr().String(), nil)
	return nil
}

// startHTTPS starts the TLS listener with a static or ACME certificate
func (s *Server) startHTTPS(cfg *config.Config, handler http.Handler) error {
	var (
		tlsCfg  *tls.Config
		autoSSL *AutoSSLManager
	)
	if cfg.SSL.AutoSSL {
		var err error
		autoSSL, err = NewAutoSSLManager(cfg.Server.Hostname, cfg.SSL.AutoSSLEmail, cfg.SSL.CacheDir, s.logger)
		if err != nil {
			return err
		}
		s.logger.Info("using ACME certificates", "hostname", cfg.Server.Hostname, "cache", autoSSL.CacheDir())
		s.challengeServer = autoSSL.StartHTTPChallengeServer(cfg.SSL.Port)
		tlsCfg = autoSSL.TLSConfig()
	} else {
		cert, err := tls.LoadX509KeyPair(cfg.SSL.CertPath, cfg.SSL.KeyPath)
		if err != nil {
			return fmt.Errorf("failed to load SSL certificates: %w", err)
		}
		tlsCfg = OptimizedTLSConfigWithCert(cert)
	}

	addr := net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.SSL.Port))
	ln, err := NewStreamingListener(context.Background(), addr)
	if err != nil {
		return err
	}
	s.tlsListener = tls.NewListener(ln, tlsCfg)
	s.httpsServer = newHTTPServer(hsts(handler), tlsCfg)

	go func() {
		s.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
		if err := s.httpsServer.Serve(s.tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTPS server failed", "error", err)
		}
	}()

	if autoSSL != nil {
		// The challenge and TLS listeners are up, so ACME can validate
		go func() {
			if err := autoSSL.PreloadCertificate(); err != nil {
				s.logger.Warn("certificate preload failed, will retry on first TLS client", "error", err)
			}
		}()
	}
	return nil
}

// Run starts the server, blocks until ctx is done, then stops it
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		// New already started the workers
		s.pool.Shutdown()
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// Stop shuts the HTTP servers down, closes every connection, and joins the
// worker pool. Streams still running stop before their next chunk; queued
// streams are dropped.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	servers := []*http.Server{s.httpServer, s.httpsServer, s.challengeServer}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(servers))
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				errs <- err
			}
		}(srv)
	}
	wg.Wait()
	close(errs)

	// Hijacked WebSocket connections are not tracked by http.Server
	closed := s.handler.CloseAll(websocket.StatusGoingAway, "server shutting down")
	s.housekeeper.Stop()
	dropped := s.pool.Shutdown()

	s.activity.Add(ActivityServerStop, "Server stopped", map[string]any{
		"connections_closed": closed,
		"tasks_dropped":      dropped,
	})
	s.logger.Info("server stopped", "connections_closed", closed, "tasks_dropped", dropped)

	var err error
	for e := range errs {
		err = errors.Join(err, e)
	}
	return err
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	cfg := s.configManager.GetConfig()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(cfg.Server.WebSocketPath, s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(noCache)
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.statusHandler.ServeHTTP)
		r.Get("/", s.statusHandler.ServeHTTP)
	})

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{
			Registry: s.promRegistry,
		}))
	}

	if cfg.Admin.Enabled {
		r.Route("/admin", s.adminRoutes)
	}
	return r
}

// handleWebSocket upgrades the request and runs the connection's read loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cfg := s.configManager.GetConfig()

	if limit := cfg.Limits.MaxSessions; limit > 0 && s.registry.Count() >= limit {
		s.logger.Warn("session limit reached", "limit", limit, "remote", r.RemoteAddr)
		http.Error(w, "Too many sessions", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if cfg.Limits.MaxMessageBytes > 0 {
		ws.SetReadLimit(cfg.Limits.MaxMessageBytes)
	}

	conn := NewConn(ws, userIDFor(r), r.RemoteAddr, cfg.Streaming.WriteTimeout)
	s.handler.OnOpen(conn)
	defer func() {
		s.handler.OnClose(conn)
		conn.closeNow()
	}()

	limiter := newMessageLimiter(cfg.Limits)
	ctx := r.Context()
	for {
		_, payload, err := ws.Read(ctx)
		if err != nil {
			if !isClientGone(err) && conn.Alive() {
				s.logger.Debug("websocket read failed", "session", conn.SessionID(), "error", err)
			}
			return
		}
		if !limiter.Allow() {
			s.metrics.MessageRateLimited()
			s.stats.MessageDropped()
			continue
		}
		s.handler.OnMessage(conn, payload)
	}
}

// newMessageLimiter limits inbound control frames per connection
func newMessageLimiter(limits config.LimitsConfig) *rate.Limiter {
	if limits.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := limits.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limits.MessagesPerSecond), burst)
}

// userIDFor picks the client's user id from the X-User-ID header or the
// user query parameter, generating one when neither is set
func userIDFor(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("user"); id != "" {
		return id
	}
	return "user_" + uuid.NewString()[:8]
}

// HealthResponse is the JSON body of /health
type HealthResponse struct {
	Status      string       `json:"status"`
	Version     string       `json:"version"`
	Uptime      string       `json:"uptime"`
	Goroutines  int          `json:"goroutines"`
	Sessions    int          `json:"sessions"`
	Connections int          `json:"connections"`
	Workers     worker.Stats `json:"workers"`
	Memory      *MemoryInfo  `json:"memory,omitempty"`
}

// MemoryInfo reports host memory
type MemoryInfo struct {
	Total       string  `json:"total"`
	Available   string  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Version:     Version,
		Uptime:      stats.FormatDuration(time.Since(s.startTime)),
		Goroutines:  runtime.NumGoroutine(),
		Sessions:    s.registry.Count(),
		Connections: s.handler.ConnCount(),
		Workers:     s.pool.Stats(),
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.Memory = &MemoryInfo{
			Total:       stats.FormatBytes(int64(vm.Total)),
			Available:   stats.FormatBytes(int64(vm.Available)),
			UsedPercent: vm.UsedPercent,
		}
	}
	if resp.Workers.Stopped {
		resp.Status = "stopping"
	}
	writeJSON(w, http.StatusOK, resp)
}

// Addr returns the bound address of the plain listener, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Registry returns the session registry
func (s *Server) Registry() *stream.Registry {
	return s.registry
}

// Handler returns the connection event handler
func (s *Server) Handler() *Handler {
	return s.handler
}

// Stats returns the server counters
func (s *Server) Stats() *stats.ServerStats {
	return s.stats
}

// LogWriter returns an io.Writer that captures log lines for /admin/logs
func (s *Server) LogWriter(source string) *LogWriter {
	return NewLogWriter(s.logBuffer, source)
}

// StartTime returns when the server was created
func (s *Server) StartTime() time.Time {
	return s.startTime
}
