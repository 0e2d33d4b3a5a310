package fanout

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

// State of a connection's lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler consumes one update delivered to a connection.
type Handler func(update.Update)

// DeliveryError reports handler failures during dispatch to one connection.
// The engine counts it and moves on; it never aborts a batch.
type DeliveryError struct {
	ConnID uuid.UUID
	Kind   update.Kind
	Failed int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s failed: %d handler(s) panicked for kind %s", e.ConnID, e.Failed, e.Kind)
}

// Connection is one duplex, addressable endpoint. It owns its handler table
// and its bounded pending-outbound buffer; channel membership lives in the
// engine's registry, with a local mirror kept for introspection only.
//
// The engine delivers via Receive while a lifecycle owner drives SetState
// concurrently, so internal state is guarded by a mutex. Dispatch runs under
// that mutex to keep replay order intact; handlers must not call back into
// the connection.
type Connection struct {
	id         uuid.UUID
	pendingCap int

	mu            sync.Mutex
	state         State
	handlers      map[update.Kind][]Handler
	pending       []update.Update
	droppedOldest uint64
	subscriptions map[string]struct{}
}

// NewConnection creates a connection in the Connecting state. Updates
// received before the connection is Open are buffered up to pendingCap,
// oldest dropped first.
func NewConnection(pendingCap int) *Connection {
	return &Connection{
		id:            uuid.New(),
		pendingCap:    pendingCap,
		state:         StateConnecting,
		handlers:      make(map[update.Kind][]Handler),
		subscriptions: make(map[string]struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for one update kind. Registration order is dispatch
// order.
func (c *Connection) On(kind update.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// OnAll registers a handler for every update kind.
func (c *Connection) OnAll(h Handler) {
	for _, kind := range update.Kinds() {
		c.On(kind, h)
	}
}

// SetState transitions the connection. Entering Open replays every buffered
// update in enqueue order, then clears the buffer.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
	if s != StateOpen || len(c.pending) == 0 {
		return
	}

	replay := c.pending
	c.pending = nil
	for _, u := range replay {
		if failed := c.dispatchLocked(u); failed > 0 {
			metrics.FanoutDeliveryErrors.Add(float64(failed))
		}
	}
}

// Receive delivers one update. Open connections dispatch immediately; any
// other state buffers with drop-oldest overflow. The returned error reports
// handler failures only. Buffering and overflow are silent: under latest-wins
// semantics a dropped stale update is not an error.
func (c *Connection) Receive(u update.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		if len(c.pending) >= c.pendingCap {
			c.pending = c.pending[1:]
			c.droppedOldest++
			metrics.PendingOutboundDropped.Inc()
		}
		c.pending = append(c.pending, u)
		return nil
	}

	if failed := c.dispatchLocked(u); failed > 0 {
		return &DeliveryError{ConnID: c.id, Kind: u.Kind, Failed: failed}
	}
	return nil
}

// dispatchLocked invokes every handler registered for the update's kind,
// recovering per handler so one bad callback cannot take out the rest.
func (c *Connection) dispatchLocked(u update.Update) (failed int) {
	for _, h := range c.handlers[u.Kind] {
		if !invoke(h, u) {
			failed++
		}
	}
	return failed
}

func invoke(h Handler, u update.Update) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	h(u)
	return true
}

// PendingLen returns the number of buffered updates.
func (c *Connection) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// DroppedOldest returns how many buffered updates were evicted by overflow.
func (c *Connection) DroppedOldest() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedOldest
}

// Subscriptions returns the locally mirrored channel names. The registry is
// the source of truth; this exists for introspection and debugging.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		names = append(names, name)
	}
	return names
}

func (c *Connection) mirrorSubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

func (c *Connection) mirrorUnsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}
