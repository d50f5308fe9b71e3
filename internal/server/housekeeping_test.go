package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocast/chunkcast/internal/stream"
)

func TestHousekeeperReapsIdleSessions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := newHandlerFixture(t, mapSource{}, stream.WithNow(func() time.Time { return now }))

	conn := newFakeConn("sleepy")
	sess := f.handler.OnOpen(conn)

	hk, err := NewHousekeeper("@every 1h", f.handler, f.stats, f.activity, func() time.Duration { return time.Minute }, nil)
	require.NoError(t, err)
	require.NotNil(t, hk)

	hk.now = func() time.Time { return now.Add(30 * time.Second) }
	assert.Equal(t, 0, hk.Run())
	assert.True(t, conn.Alive())

	hk.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Equal(t, 1, hk.Run())
	assert.False(t, conn.Alive())
	assert.False(t, sess.IsActive())

	last := f.activity.GetRecent(1)
	require.Len(t, last, 1)
	assert.Equal(t, ActivityHousekeeping, last[0].Type)
}

func TestHousekeeperZeroTimeoutNeverReaps(t *testing.T) {
	f := newHandlerFixture(t, mapSource{})
	conn := newFakeConn("forever")
	f.handler.OnOpen(conn)

	hk, err := NewHousekeeper("@every 1h", f.handler, f.stats, f.activity, func() time.Duration { return 0 }, nil)
	require.NoError(t, err)
	hk.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	assert.Equal(t, 0, hk.Run())
	assert.True(t, conn.Alive())
}

func TestHousekeeperSchedule(t *testing.T) {
	hk, err := NewHousekeeper("", nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, hk)
	assert.NotPanics(t, func() {
		hk.Start()
		hk.Stop()
	})

	_, err = NewHousekeeper("not a schedule", nil, nil, nil, nil, nil)
	assert.Error(t, err)

	hk, err = NewHousekeeper("@every 1h", nil, nil, nil, nil, nil)
	require.NoError(t, err)
	hk.Start()
	hk.Stop()
}
