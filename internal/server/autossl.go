package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/acme/autocert"
)

// DefaultCertCacheDir is used when no cache directory is configured
const DefaultCertCacheDir = "/var/lib/chunkcast/certs"

// AutoSSLManager obtains and renews certificates from Let's Encrypt
type AutoSSLManager struct {
	manager  *autocert.Manager
	hostname string
	cacheDir string
	logger   *slog.Logger
}

// NewAutoSSLManager creates a new AutoSSL manager
func NewAutoSSLManager(hostname, email, cacheDir string, logger *slog.Logger) (*AutoSSLManager, error) {
	if hostname == "" || hostname == "localhost" {
		return nil, errors.New("AutoSSL requires a valid public hostname")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cacheDir == "" {
		cacheDir = DefaultCertCacheDir
	}

	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate cache directory: %w", err)
	}

	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hostname),
		Cache:      autocert.DirCache(cacheDir),
		Email:      email,
	}

	return &AutoSSLManager{
		manager:  m,
		hostname: hostname,
		cacheDir: cacheDir,
		logger:   logger,
	}, nil
}

// TLSConfig returns a TLS configuration that fetches certificates on demand
func (a *AutoSSLManager) TLSConfig() *tls.Config {
	return OptimizedTLSConfigWithGetCert(a.manager.GetCertificate)
}

// CacheDir returns the certificate cache directory
func (a *AutoSSLManager) CacheDir() string {
	return a.cacheDir
}

// CertificateExists checks if a certificate already exists in the cache
func (a *AutoSSLManager) CertificateExists() bool {
	_, err := os.Stat(filepath.Join(a.cacheDir, a.hostname))
	return err == nil
}

// PreloadCertificate obtains a certificate ahead of the first TLS client.
// A cached certificate is left for autocert to load and renew.
func (a *AutoSSLManager) PreloadCertificate() error {
	if a.CertificateExists() {
		a.logger.Debug("certificate cached", "hostname", a.hostname, "dir", a.cacheDir)
		return nil
	}
	a.logger.Info("obtaining certificate", "hostname", a.hostname)

	hello := &tls.ClientHelloInfo{ServerName: a.hostname}
	if _, err := a.manager.GetCertificate(hello); err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	a.logger.Info("certificate obtained", "hostname", a.hostname)
	return nil
}

// ChallengeHandler answers ACME HTTP-01 challenges and redirects everything
// else to the TLS port on the managed hostname
func (a *AutoSSLManager) ChallengeHandler(httpsPort int) http.Handler {
	host := a.hostname
	if httpsPort != 443 {
		host = net.JoinHostPort(a.hostname, strconv.Itoa(httpsPort))
	}
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	return a.manager.HTTPHandler(redirect)
}

// StartHTTPChallengeServer serves ChallengeHandler on :80
func (a *AutoSSLManager) StartHTTPChallengeServer(httpsPort int) *http.Server {
	srv := &http.Server{
		Addr:              ":80",
		Handler:           a.ChallengeHandler(httpsPort),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	go func() {
		a.logger.Info("starting ACME challenge server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ACME challenge server failed", "error", err)
		}
	}()

	return srv
}
