package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoSSLRequiresPublicHostname(t *testing.T) {
	_, err := NewAutoSSLManager("", "", t.TempDir(), nil)
	assert.Error(t, err)
	_, err = NewAutoSSLManager("localhost", "", t.TempDir(), nil)
	assert.Error(t, err)
}

func TestAutoSSLPreloadUsesCachedCertificate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	a, err := NewAutoSSLManager("stream.example.com", "ops@example.com", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, a.CacheDir())
	assert.False(t, a.CertificateExists())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.example.com"), []byte("cached"), 0o600))
	assert.True(t, a.CertificateExists())
	assert.NoError(t, a.PreloadCertificate())

	cfg := a.TLSConfig()
	assert.NotNil(t, cfg.GetCertificate)
	assert.Contains(t, cfg.NextProtos, "acme-tls/1")
}

func TestChallengeHandlerRedirectsToManagedHost(t *testing.T) {
	a, err := NewAutoSSLManager("stream.example.com", "", t.TempDir(), nil)
	require.NoError(t, err)

	tests := []struct {
		port int
		want string
	}{
		{443, "https://stream.example.com/ws?user=a"},
		{8443, "https://stream.example.com:8443/ws?user=a"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://other.example.net/ws?user=a", nil)
		rec := httptest.NewRecorder()
		a.ChallengeHandler(tt.port).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusMovedPermanently, rec.Code)
		assert.Equal(t, tt.want, rec.Header().Get("Location"))
	}
}
