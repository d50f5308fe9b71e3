package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptedConn returns the server side of a fresh WebSocket connection
func acceptedConn(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(hs.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.CloseNow() })

	select {
	case ws := <-accepted:
		return ws, client
	case <-ctx.Done():
		t.Fatal("connection not accepted")
		return nil, nil
	}
}

func TestConnSendCountsBytes(t *testing.T) {
	ws, client := acceptedConn(t)
	conn := NewConn(ws, "alice", "127.0.0.1:1", time.Second)
	conn.BindSession("session_1_x")

	require.NoError(t, conn.Send(context.Background(), []byte("hello")))
	typ, data, err := client.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, "hello", string(data))

	st := conn.Stats()
	assert.Equal(t, "session_1_x", st.SessionID)
	assert.EqualValues(t, 5, st.BytesWritten)
	assert.EqualValues(t, 1, st.WriteCount)
	assert.Empty(t, st.LastError)
	assert.True(t, st.Alive)
}

func TestConnStatsReportsWriteFailure(t *testing.T) {
	ws, _ := acceptedConn(t)
	conn := NewConn(ws, "bob", "127.0.0.1:2", time.Second)

	// Tear the socket down underneath the Conn so the write itself fails
	ws.CloseNow()
	assert.Error(t, conn.Send(context.Background(), []byte("late")))

	st := conn.Stats()
	assert.NotEmpty(t, st.LastError)
	assert.EqualValues(t, 1, st.ErrorCount)
	assert.False(t, st.Alive)

	// Later sends fail fast without another write
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("again")), ErrConnClosed)
	assert.EqualValues(t, 1, conn.Stats().ErrorCount)
}
