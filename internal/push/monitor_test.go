package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/email/mailtest"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func setup(t *testing.T, maxListen time.Duration) (*mailtest.Server, *connpool.Pool, *Monitor) {
	t.Helper()
	srv := mailtest.NewServer()
	pool := connpool.New(connpool.Config{MaxConnections: 2}, srv.Dial, quietLogger())
	t.Cleanup(pool.Close)
	return srv, pool, New(pool, maxListen, quietLogger())
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "channel closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case _, ok := <-events:
		require.False(t, ok, "unexpected event after disconnect")
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestNewMailThenCancel(t *testing.T) {
	srv, pool, m := setup(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Watch(ctx, "work", "INBOX")
	require.NoError(t, err)

	srv.Populate("INBOX", 2)
	ev := next(t, events)
	assert.Equal(t, EventNewMail, ev.Kind)
	assert.Equal(t, uint32(2), ev.Messages)
	assert.Equal(t, "INBOX", ev.Folder)

	cancel()
	ev = next(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, ReasonCancelled, ev.Reason)
	assert.NoError(t, ev.Err)
	requireClosed(t, events)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle, "cleanly stopped connection is reused")
}

func TestListenExpiryIsNormal(t *testing.T) {
	_, pool, m := setup(t, 50*time.Millisecond)

	events, err := m.Watch(context.Background(), "work", "INBOX")
	require.NoError(t, err)

	ev := next(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, ReasonListenExpired, ev.Reason)
	assert.NoError(t, ev.Err)
	requireClosed(t, events)
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestConnectionLostDiscardsConnection(t *testing.T) {
	srv, pool, m := setup(t, time.Hour)

	events, err := m.Watch(context.Background(), "work", "INBOX")
	require.NoError(t, err)

	srv.DropListeners(errors.New("connection reset by peer"))
	ev := next(t, events)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, ReasonConnectionLost, ev.Reason)
	require.Error(t, ev.Err)
	requireClosed(t, events)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Live)
}

func TestSelectFailureReturnsError(t *testing.T) {
	_, pool, m := setup(t, time.Hour)

	_, err := m.Watch(context.Background(), "work", "Missing")
	require.Error(t, err)
	assert.Equal(t, 0, pool.Stats().Live)
}

func TestDialFailureReturnsError(t *testing.T) {
	srv, _, m := setup(t, time.Hour)
	srv.SetDialError(errors.New("dial refused"))

	_, err := m.Watch(context.Background(), "work", "INBOX")
	require.Error(t, err)
}
