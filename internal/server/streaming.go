package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Transport tuning for WebSocket connections carrying audio chunks.
const (
	// TCPBufferSize holds a handful of 4 KiB chunks without blocking the writer
	TCPBufferSize = 65536

	// KeepAlivePeriod detects dead peers that never sent a close frame
	KeepAlivePeriod = 30 * time.Second

	// ReadHeaderTimeout bounds the upgrade request
	ReadHeaderTimeout = 5 * time.Second

	// MaxHeaderBytes caps upgrade request headers
	MaxHeaderBytes = 1 << 20
)

// optimizeConnForStreaming applies TCP-level options for paced small writes
func optimizeConnForStreaming(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if tc, ok := tlsConn.NetConn().(*net.TCPConn); ok {
				tcpConn = tc
			}
		}
	}
	if tcpConn == nil {
		return
	}

	// Each chunk is its own frame; Nagle would hold it back
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(KeepAlivePeriod)
	tcpConn.SetWriteBuffer(TCPBufferSize)
	tcpConn.SetReadBuffer(TCPBufferSize)
}

// StreamingListener wraps a net.Listener and tunes every accepted connection
type StreamingListener struct {
	net.Listener
}

// NewStreamingListener binds addr. Binding happens here, not in Serve, so
// the caller learns about port conflicts immediately.
func NewStreamingListener(ctx context.Context, addr string) (*StreamingListener, error) {
	lc := net.ListenConfig{
		KeepAlive: KeepAlivePeriod,
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return &StreamingListener{Listener: ln}, nil
}

// Accept accepts a connection and tunes it
func (sl *StreamingListener) Accept() (net.Conn, error) {
	conn, err := sl.Listener.Accept()
	if err != nil {
		return nil, err
	}

	optimizeConnForStreaming(conn)
	return conn, nil
}

// newHTTPServer creates the http.Server shared by the plain and TLS listeners.
// WebSocket connections are long-lived, so there is no read or write
// timeout at the HTTP layer; writes are bounded per frame instead.
func newHTTPServer(handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    MaxHeaderBytes,
		TLSConfig:         tlsCfg,
	}
}

// OptimizedTLSConfig returns a TLS configuration for WebSocket serving
func OptimizedTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,

		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		Renegotiation: tls.RenegotiateNever,

		// The WebSocket upgrade is an HTTP/1.1 mechanism
		NextProtos: []string{"http/1.1"},
	}
}

// OptimizedTLSConfigWithCert returns an optimized TLS config with the given certificate
func OptimizedTLSConfigWithCert(cert tls.Certificate) *tls.Config {
	cfg := OptimizedTLSConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg
}

// OptimizedTLSConfigWithGetCert returns an optimized TLS config with a dynamic certificate getter
func OptimizedTLSConfigWithGetCert(getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	cfg := OptimizedTLSConfig()
	cfg.GetCertificate = getCert
	// ACME TLS-ALPN-01 challenges arrive on the TLS listener
	cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	return cfg
}

// noCache disables proxy and browser caching of API responses
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

// hsts adds the HSTS header on TLS requests
func hsts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
