// Package client drives one duplex connection through its lifecycle:
// connect, heartbeat, reconnect with capped exponential backoff, and
// buffered-update replay once the connection opens.
package client

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
)

// Transport is the duplex session underneath a managed connection. Connect
// and Heartbeat are the only blocking points in the lifecycle and both must
// honor context cancellation; Close must unblock any in-flight call.
type Transport interface {
	Connect(ctx context.Context) error
	Heartbeat(ctx context.Context) (time.Duration, error)
	Close() error
}

// Status is the connection-status surface consumed by UIs and dashboards.
type Status struct {
	Connected         bool      `json:"connected"`
	Reconnecting      bool      `json:"reconnecting"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LatencyMs         int64     `json:"latency_ms"`
	LastHeartbeatAt   time.Time `json:"last_heartbeat_at"`
}

// Config tunes the lifecycle. Zero values take the listed defaults.
type Config struct {
	// MaxReconnectAttempts caps reconnection after unintended closes.
	// Default 5.
	MaxReconnectAttempts int
	// HeartbeatInterval is the cadence of heartbeats while open. Default 30s.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds one heartbeat round trip; a miss closes the
	// connection as failed. Default 10s.
	HeartbeatTimeout time.Duration
	// BackoffBase seeds the exponential reconnect delay. Default 1s.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay. Default 30s.
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Manager owns one connection's state machine:
// Connecting -> Open -> Closing -> Closed, with Closed feeding back into
// Connecting on unintended closes until the attempt cap is reached. Only a
// user-initiated Close is terminal on the spot.
type Manager struct {
	cfg       Config
	transport Transport
	conn      *fanout.Connection
	clock     clockwork.Clock

	mu              sync.Mutex
	state           fanout.State
	attempts        int
	reconnecting    bool
	latency         time.Duration
	lastHeartbeatAt time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewManager starts driving the connection. The fanout connection mirrors
// every lifecycle transition, so buffered updates replay when it opens.
func NewManager(conn *fanout.Connection, transport Transport, cfg Config, clock clockwork.Clock) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg.withDefaults(),
		transport: transport,
		conn:      conn,
		clock:     clock,
		state:     fanout.StateConnecting,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

// Status returns the current status surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:         m.state == fanout.StateOpen,
		Reconnecting:      m.reconnecting,
		ReconnectAttempts: m.attempts,
		LatencyMs:         m.latency.Milliseconds(),
		LastHeartbeatAt:   m.lastHeartbeatAt,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() fanout.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close shuts the connection down from any state, cancelling outstanding
// connect waits, heartbeats, and reconnect timers. Idempotent: closing an
// already-closed connection is a no-op.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.setState(fanout.StateClosing)
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()

		m.cancel()
		_ = m.transport.Close()
		<-m.done

		m.setState(fanout.StateClosed)
	})
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	for {
		m.setState(fanout.StateConnecting)

		err := m.transport.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("Transport connect failed", "connection_id", m.conn.ID().String(), "error", err)
			m.forceClosed()
			if !m.awaitReconnect(ctx) {
				return
			}
			continue
		}

		m.opened()
		slog.Info("Connection open", "connection_id", m.conn.ID().String())

		hbErr := m.heartbeatLoop(ctx)
		_ = m.transport.Close()
		if ctx.Err() != nil {
			return
		}

		slog.Warn("Heartbeat lost, treating connection as failed", "connection_id", m.conn.ID().String(), "error", hbErr)
		m.forceClosed()
		if !m.awaitReconnect(ctx) {
			return
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			hbCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
			rtt, err := m.transport.Heartbeat(hbCtx)
			cancel()
			if err != nil {
				return err
			}

			m.mu.Lock()
			m.latency = rtt
			m.lastHeartbeatAt = m.clock.Now()
			m.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) opened() {
	m.mu.Lock()
	m.attempts = 0
	m.reconnecting = false
	m.mu.Unlock()
	m.setState(fanout.StateOpen)
}

// forceClosed is the failed-connection path: Closing then Closed, never
// terminal by itself.
func (m *Manager) forceClosed() {
	m.setState(fanout.StateClosing)
	m.setState(fanout.StateClosed)
}

// awaitReconnect sleeps out the backoff delay for the next attempt. Returns
// false when the attempt cap is reached or the lifecycle is cancelled; the
// connection then stays Closed with no timer scheduled.
func (m *Manager) awaitReconnect(ctx context.Context) bool {
	m.mu.Lock()
	delay := m.backoff(m.attempts)
	m.attempts++
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.reconnecting = false
		attempts := m.attempts
		m.mu.Unlock()
		slog.Error("Reconnect attempts exhausted, connection is down", "connection_id", m.conn.ID().String(), "attempts", attempts)
		return false
	}
	m.reconnecting = true
	m.mu.Unlock()

	timer := m.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff returns base*2^attempt capped at BackoffMax, plus up to 25%
// jitter so a thundering herd of clients spreads out.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase << attempt
	if d > m.cfg.BackoffMax || d <= 0 {
		d = m.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func (m *Manager) setState(s fanout.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.conn.SetState(s)
}
