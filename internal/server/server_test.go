package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocast/chunkcast/internal/config"
	"github.com/gocast/chunkcast/internal/source"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Streaming.PacingInterval = 0
	cfg.Streaming.PacingIntervalMs = 0
	cfg.Housekeeping.Schedule = ""
	cfg.Workers.Count = 2
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, src source.Source) *Server {
	t.Helper()
	srv, err := New(config.NewStaticConfigManager(cfg), src, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dial(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func readFrames(t *testing.T, ws *websocket.Conn, n int) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frames := make([][]byte, 0, n)
	for len(frames) < n {
		typ, data, err := ws.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageBinary, typ)
		frames = append(frames, data)
	}
	return frames
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestWebSocketPlay(t *testing.T) {
	src := source.NewFileSource(t.TempDir(), ".mp3")
	data := track(10000)
	require.NoError(t, src.Put(context.Background(), "t1", data))

	srv := startServer(t, testConfig(), src)
	ws := dial(t, srv, "?user=tester")

	ctx := context.Background()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"action":"play","track_id":"t1"}`)))

	frames := readFrames(t, ws, 3)
	assert.Len(t, frames[0], 4096)
	assert.Len(t, frames[1], 4096)
	assert.Len(t, frames[2], 1808)
	assert.Equal(t, data, bytes.Join(frames, nil))

	infos := srv.Handler().Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "tester", infos[0].UserID)
	require.NotNil(t, infos[0].Conn)
	assert.Eventually(t, func() bool {
		return srv.Handler().Sessions()[0].Conn.BytesWritten == 10000
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketCloseRemovesSession(t *testing.T) {
	srv := startServer(t, testConfig(), source.NewFileSource(t.TempDir(), ".mp3"))
	ws := dial(t, srv, "")

	require.Eventually(t, func() bool { return srv.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	ws.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, srv.Stats().CurrentSessions())
}

func TestSessionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxSessions = 1
	srv := startServer(t, cfg, source.NewFileSource(t.TempDir(), ".mp3"))

	dial(t, srv, "")
	require.Eventually(t, func() bool { return srv.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStopClosesConnections(t *testing.T) {
	srv, err := New(config.NewStaticConfigManager(testConfig()), source.NewFileSource(t.TempDir(), ".mp3"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	ws := dial(t, srv, "")
	require.Eventually(t, func() bool { return srv.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The client must keep reading to answer the close handshake
	readErr := make(chan error, 1)
	go func() {
		_, _, err := ws.Read(ctx)
		readErr <- err
	}()

	require.NoError(t, srv.Stop(ctx))
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
	assert.True(t, srv.pool.Stats().Stopped)

	// Stop is idempotent
	assert.NoError(t, srv.Stop(ctx))
}

func TestRunBindFailureStopsWorkers(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.Server.Port = busy.Addr().(*net.TCPAddr).Port
	srv, err := New(config.NewStaticConfigManager(cfg), source.NewFileSource(t.TempDir(), ".mp3"), nil, nil)
	require.NoError(t, err)

	assert.Error(t, srv.Run(context.Background()))
	assert.True(t, srv.pool.Stats().Stopped)
}

func TestHealthAndStatus(t *testing.T) {
	srv := startServer(t, testConfig(), source.NewFileSource(t.TempDir(), ".mp3"))
	dial(t, srv, "")
	require.Eventually(t, func() bool { return srv.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	var health HealthResponse
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+srv.Addr()+"/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
	assert.Equal(t, 2, health.Workers.Workers)
	assert.Positive(t, health.Goroutines)

	var status StatusResponse
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+srv.Addr()+"/status?format=json", &status))
	assert.Equal(t, "chunkcast", status.Server)
	assert.EqualValues(t, 1, status.Stats.CurrentSessions)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := startServer(t, testConfig(), source.NewFileSource(t.TempDir(), ".mp3"))

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chunkcast_sessions_active")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAdminTrackUploadThenPlay(t *testing.T) {
	srv := startServer(t, testConfig(), source.NewFileSource(t.TempDir(), ".mp3"))
	base := "http://" + srv.Addr()

	data := track(5000)
	req, err := http.NewRequest(http.MethodPut, base+"/admin/tracks/uploaded", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var list APIResponse
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/admin/tracks", &list))
	assert.Equal(t, []any{"uploaded"}, list.Data)

	ws := dial(t, srv, "")
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, []byte(`{"action":"play","track_id":"uploaded"}`)))
	frames := readFrames(t, ws, 2)
	assert.Equal(t, data, bytes.Join(frames, nil))

	var activity APIResponse
	getJSON(t, base+"/admin/activity", &activity)
	assert.Contains(t, toJSON(t, activity.Data), string(ActivityTrackUpload))
}

func TestAdminRejectsBadTrackID(t *testing.T) {
	srv := startServer(t, testConfig(), source.NewFileSource(t.TempDir(), ".mp3"))

	req, err := http.NewRequest(http.MethodPut, "http://"+srv.Addr()+"/admin/tracks/..", strings.NewReader("x"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusCreated, resp.StatusCode)
}

func TestAdminCloseSession(t *testing.T) {
	srv := startServer(t, testConfig(), source.NewFileSource(t.TempDir(), ".mp3"))
	ws := dial(t, srv, "")
	require.Eventually(t, func() bool { return srv.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	id := srv.Registry().Sessions()[0].ID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		_, _, err := ws.Read(ctx)
		readErr <- err
	}()

	req, err := http.NewRequest(http.MethodDelete, "http://"+srv.Addr()+"/admin/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(<-readErr))
	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 2*time.Second, 5*time.Millisecond)

	req, err = http.NewRequest(http.MethodDelete, "http://"+srv.Addr()+"/admin/sessions/"+id, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Enabled = false
	srv := startServer(t, cfg, source.NewFileSource(t.TempDir(), ".mp3"))

	resp, err := http.Get("http://" + srv.Addr() + "/admin/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessageLimiter(t *testing.T) {
	unlimited := newMessageLimiter(config.LimitsConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow())
	}

	limited := newMessageLimiter(config.LimitsConfig{MessagesPerSecond: 0.001, MessageBurst: 2})
	assert.True(t, limited.Allow())
	assert.True(t, limited.Allow())
	assert.False(t, limited.Allow())
}

func TestUserIDFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?user=query-user", nil)
	assert.Equal(t, "query-user", userIDFor(r))

	r.Header.Set("X-User-ID", "header-user")
	assert.Equal(t, "header-user", userIDFor(r))

	generated := userIDFor(httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, strings.HasPrefix(generated, "user_"))
	assert.Len(t, generated, len("user_")+8)
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
