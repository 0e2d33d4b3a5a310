package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

var errTransport = errors.New("transport broke")

// fakeTransport scripts connect and heartbeat outcomes: queued errors are
// consumed first, then every call succeeds (unless failAll is set).
type fakeTransport struct {
	mu          sync.Mutex
	failAll     bool
	connectErrs []error
	hbErrs      []error
	connects    int
	heartbeats  int
	closes      int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failAll {
		return errTransport
	}
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return ctx.Err()
}

func (f *fakeTransport) Heartbeat(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if len(f.hbErrs) > 0 {
		err := f.hbErrs[0]
		f.hbErrs = f.hbErrs[1:]
		return 0, err
	}
	return 2 * time.Millisecond, ctx.Err()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    2 * time.Millisecond,
		HeartbeatTimeout:     50 * time.Millisecond,
		BackoffBase:          time.Millisecond,
		BackoffMax:           8 * time.Millisecond,
	}
}

func waitFor(cond func() bool) bool {
	for i := 0; i < 500; i++ {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func scoreUpdate(t *testing.T, subject string) update.Update {
	t.Helper()
	u, err := update.New(update.KindScore, subject, json.RawMessage(`{}`), update.PriorityMedium, []string{"game"}, time.Now())
	require.NoError(t, err)
	return u
}

func TestManager_ReconnectsThenRecovers(t *testing.T) {
	transport := &fakeTransport{connectErrs: []error{errTransport, errTransport}}
	m := NewManager(fanout.NewConnection(16), transport, testConfig(), clockwork.NewRealClock())
	defer m.Close()

	require.True(t, waitFor(func() bool { return m.Status().Connected }))

	status := m.Status()
	assert.Equal(t, 0, status.ReconnectAttempts, "attempt counter resets on successful open")
	assert.False(t, status.Reconnecting)
	assert.Equal(t, fanout.StateOpen, m.State())
	assert.Equal(t, 3, transport.connectCount(), "two failures then one successful dial")
}

func TestManager_ReconnectAttemptsAreBounded(t *testing.T) {
	transport := &fakeTransport{failAll: true}
	m := NewManager(fanout.NewConnection(16), transport, testConfig(), clockwork.NewRealClock())
	defer m.Close()

	require.True(t, waitFor(func() bool {
		s := m.Status()
		return s.ReconnectAttempts == 3 && !s.Reconnecting
	}))

	assert.Equal(t, fanout.StateClosed, m.State(), "exhausted connection stays closed")
	assert.False(t, m.Status().Connected)

	connects := transport.connectCount()
	assert.Equal(t, 3, connects)

	// No timer is scheduled past the cap: the dial count stays put.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connects, transport.connectCount())
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(fanout.NewConnection(16), transport, testConfig(), clockwork.NewRealClock())
	require.True(t, waitFor(func() bool { return m.Status().Connected }))

	m.Close()
	m.Close()
	m.Close()

	status := m.Status()
	assert.Equal(t, fanout.StateClosed, m.State())
	assert.False(t, status.Connected)
	assert.False(t, status.Reconnecting)
}

func TestManager_CloseDuringBackoffCancelsReconnect(t *testing.T) {
	transport := &fakeTransport{failAll: true}
	cfg := testConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = time.Minute
	m := NewManager(fanout.NewConnection(16), transport, cfg, clockwork.NewRealClock())

	require.True(t, waitFor(func() bool { return m.Status().Reconnecting }))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		m.Close()
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the pending reconnect timer")
	}

	assert.Equal(t, fanout.StateClosed, m.State())
	connects := transport.connectCount()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, connects, transport.connectCount(), "no dial after user close")
}

func TestManager_HeartbeatFailureTriggersReconnect(t *testing.T) {
	transport := &fakeTransport{hbErrs: []error{errTransport}}
	m := NewManager(fanout.NewConnection(16), transport, testConfig(), clockwork.NewRealClock())
	defer m.Close()

	require.True(t, waitFor(func() bool { return transport.connectCount() >= 2 }), "missed heartbeat forces a redial")
	require.True(t, waitFor(func() bool { return m.Status().Connected }))
	require.True(t, waitFor(func() bool { return m.Status().ReconnectAttempts == 0 }))
	require.True(t, waitFor(func() bool { return transport.heartbeatCount() >= 2 }))

	status := m.Status()
	assert.False(t, status.LastHeartbeatAt.IsZero())
	assert.GreaterOrEqual(t, status.LatencyMs, int64(0))
}

func TestManager_ReplaysBufferedUpdatesOnOpen(t *testing.T) {
	conn := fanout.NewConnection(16)

	var mu sync.Mutex
	var got []update.Update
	conn.On(update.KindScore, func(u update.Update) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, u)
	})

	// Updates arriving before the connection opens are buffered, not lost.
	require.NoError(t, conn.Receive(scoreUpdate(t, "pending-1")))
	require.NoError(t, conn.Receive(scoreUpdate(t, "pending-2")))

	m := NewManager(conn, &fakeTransport{}, testConfig(), clockwork.NewRealClock())
	defer m.Close()

	require.True(t, waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pending-1", got[0].SubjectID, "replay preserves buffering order")
	assert.Equal(t, "pending-2", got[1].SubjectID)
}
