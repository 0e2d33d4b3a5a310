// Package fanout implements the live-update distribution core: a channel
// registry, per-connection endpoints, and a single-loop engine that drains a
// shared queue in timed batches with load-proportional backpressure.
package fanout

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

// minDrainInterval is the tick floor when few connections are attached.
const minDrainInterval = time.Millisecond

// Options tunes the engine. Zero values are replaced by the listed defaults.
type Options struct {
	// BatchSize caps how many queued updates one tick drains. Default 100.
	BatchSize int
	// MaxQueueDelay caps the adaptive tick interval. Default 50ms.
	MaxQueueDelay time.Duration
	// ScaleFactor divides the active-connection count to derive the tick
	// interval in milliseconds. Default 100.
	ScaleFactor int
	// QueueCap bounds the drain queue; overflow drops the oldest entry.
	// Default 10000.
	QueueCap int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxQueueDelay <= 0 {
		o.MaxQueueDelay = 50 * time.Millisecond
	}
	if o.ScaleFactor <= 0 {
		o.ScaleFactor = 100
	}
	if o.QueueCap <= 0 {
		o.QueueCap = 10000
	}
	return o
}

// --- Command types ---

type engineCmd interface{ isEngineCmd() }

type baseEngineCmd struct{}

func (baseEngineCmd) isEngineCmd() {}

type attachCmd struct {
	baseEngineCmd
	conn *Connection
}

type detachCmd struct {
	baseEngineCmd
	conn *Connection
	done chan struct{}
}

type subscribeCmd struct {
	baseEngineCmd
	conn    *Connection
	channel string
}

type unsubscribeCmd struct {
	baseEngineCmd
	conn    *Connection
	channel string
}

type enqueueCmd struct {
	baseEngineCmd
	item queuedUpdate
}

type statsCmd struct {
	baseEngineCmd
	reply chan Stats
}

type stopCmd struct {
	baseEngineCmd
}

// queuedUpdate is one queue entry. Targets are resolved at drain time, so a
// broadcast reaches the connections registered when the batch runs, not when
// the producer enqueued.
type queuedUpdate struct {
	broadcast  bool
	channel    string
	u          update.Update
	enqueuedAt time.Time
}

// Engine accepts broadcast and channel-scoped sends from any goroutine and
// drains them from a single loop that also owns the registry and the
// attached-connection set. Producers only ever enqueue; the loop is the sole
// mutator, which removes the need for locks around shared fanout state.
type Engine struct {
	cmdCh chan engineCmd
	clock clockwork.Clock
	opts  Options

	registry    *registry
	connections map[*Connection]struct{}
	queue       []queuedUpdate
	tally       counters

	done chan struct{}
}

// NewEngine creates an engine and starts its drain loop.
func NewEngine(opts Options, clock clockwork.Clock) *Engine {
	e := &Engine{
		cmdCh:       make(chan engineCmd, 256),
		clock:       clock,
		opts:        opts.withDefaults(),
		registry:    newRegistry(),
		connections: make(map[*Connection]struct{}),
		done:        make(chan struct{}),
	}
	e.tally.startedAt = clock.Now()
	go e.run()
	return e
}

// Attach registers a connection so broadcasts reach it.
func (e *Engine) Attach(c *Connection) {
	e.cmdCh <- attachCmd{conn: c}
}

// Detach removes a connection from the engine and from every channel's
// subscriber set. It blocks until the removal is applied: a destroyed
// connection is never left in a subscriber set.
func (e *Engine) Detach(c *Connection) {
	done := make(chan struct{})
	select {
	case e.cmdCh <- detachCmd{conn: c, done: done}:
	case <-e.done:
		return
	}
	select {
	case <-done:
	case <-e.done:
	}
}

// Subscribe adds the connection to a channel, creating it if absent.
func (e *Engine) Subscribe(c *Connection, channel string) {
	e.cmdCh <- subscribeCmd{conn: c, channel: channel}
}

// Unsubscribe removes the connection from a channel.
func (e *Engine) Unsubscribe(c *Connection, channel string) {
	e.cmdCh <- unsubscribeCmd{conn: c, channel: channel}
}

// Broadcast enqueues the update for every connection registered at drain
// time.
func (e *Engine) Broadcast(u update.Update) {
	e.enqueue(queuedUpdate{broadcast: true, u: u, enqueuedAt: e.clock.Now()})
}

// SendToChannel enqueues the update for the channel's subscribers only.
func (e *Engine) SendToChannel(channel string, u update.Update) {
	e.enqueue(queuedUpdate{channel: channel, u: u, enqueuedAt: e.clock.Now()})
}

// Ingest routes one validated update: category-scoped updates go to their
// "{category}:{subjectId}" channels, global updates are broadcast. This is
// the single entry point for external update sources.
func (e *Engine) Ingest(u update.Update) {
	metrics.UpdatesIngested.WithLabelValues(string(u.Kind)).Inc()
	channels := u.Channels()
	if channels == nil {
		e.Broadcast(u)
		return
	}
	for _, channel := range channels {
		e.SendToChannel(channel, u)
	}
}

// Stats returns a snapshot of the engine's health counters.
func (e *Engine) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case e.cmdCh <- statsCmd{reply: reply}:
	case <-e.done:
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-e.done:
		return Stats{}
	}
}

// Stop shuts the drain loop down and detaches every connection. Idempotent.
func (e *Engine) Stop() {
	select {
	case e.cmdCh <- stopCmd{}:
	case <-e.done:
		return
	}
	<-e.done
}

func (e *Engine) enqueue(item queuedUpdate) {
	select {
	case e.cmdCh <- enqueueCmd{item: item}:
	case <-e.done:
	}
}

func (e *Engine) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Fanout engine panic recovered", "panic", r)
			metrics.FanoutPanicsTotal.Inc()
			e.cleanup()
			close(e.done)
		}
	}()

	timer := e.clock.NewTimer(e.drainInterval())
	defer timer.Stop()

	for {
		select {
		case cmd := <-e.cmdCh:
			switch c := cmd.(type) {
			case attachCmd:
				e.handleAttach(c.conn)
			case detachCmd:
				e.handleDetach(c.conn)
				close(c.done)
			case subscribeCmd:
				e.registry.subscribe(c.conn, c.channel)
			case unsubscribeCmd:
				e.registry.unsubscribe(c.conn, c.channel)
			case enqueueCmd:
				e.handleEnqueue(c.item)
			case statsCmd:
				c.reply <- e.tally.snapshot(e.clock.Now(), len(e.connections), e.registry.channelCount(), len(e.queue))
			case stopCmd:
				e.cleanup()
				close(e.done)
				return
			}
		case <-timer.Chan():
			e.drain()
			timer.Reset(e.drainInterval())
		}
	}
}

func (e *Engine) handleAttach(c *Connection) {
	if _, exists := e.connections[c]; exists {
		return
	}
	e.connections[c] = struct{}{}
	e.tally.connectionsHandled++
	metrics.FanoutActiveConnections.Set(float64(len(e.connections)))
	slog.Debug("Connection attached", "connection_id", c.ID().String(), "active", len(e.connections))
}

func (e *Engine) handleDetach(c *Connection) {
	if _, exists := e.connections[c]; !exists {
		return
	}
	delete(e.connections, c)
	e.registry.drop(c)
	metrics.FanoutActiveConnections.Set(float64(len(e.connections)))
	slog.Debug("Connection detached", "connection_id", c.ID().String(), "active", len(e.connections))
}

func (e *Engine) handleEnqueue(item queuedUpdate) {
	if len(e.queue) >= e.opts.QueueCap {
		copy(e.queue, e.queue[1:])
		e.queue = e.queue[:len(e.queue)-1]
		e.tally.dropped++
		metrics.FanoutQueueDropped.Inc()
	}
	e.queue = append(e.queue, item)
	metrics.FanoutQueueDepth.Set(float64(len(e.queue)))
}

// drainInterval derives the backpressure tick from the active-connection
// count: interval grows monotonically with load, bounded by MaxQueueDelay.
// Under load batches run less often but drain in larger chunks, trading
// latency for throughput stability.
func (e *Engine) drainInterval() time.Duration {
	d := time.Duration(len(e.connections)) * time.Millisecond / time.Duration(e.opts.ScaleFactor)
	if d < minDrainInterval {
		d = minDrainInterval
	}
	if d > e.opts.MaxQueueDelay {
		d = e.opts.MaxQueueDelay
	}
	metrics.FanoutDrainInterval.Set(d.Seconds())
	return d
}

// drain processes up to BatchSize queued updates. A delivery error on one
// connection is counted and never blocks delivery to the rest of the batch.
func (e *Engine) drain() {
	if len(e.queue) == 0 {
		return
	}

	start := e.clock.Now()
	n := e.opts.BatchSize
	if n > len(e.queue) {
		n = len(e.queue)
	}

	for _, item := range e.queue[:n] {
		latency := start.Sub(item.enqueuedAt)
		e.tally.latencySum += latency
		e.tally.processed++
		metrics.FanoutDeliveryLatency.Observe(latency.Seconds())

		for conn := range e.resolveTargets(item) {
			metrics.FanoutDeliveries.Inc()
			if err := conn.Receive(item.u); err != nil {
				e.tally.errors++
				metrics.FanoutDeliveryErrors.Inc()
				slog.Warn("Delivery error", "connection_id", conn.ID().String(), "error", err)
			}
		}
	}

	remaining := copy(e.queue, e.queue[n:])
	e.queue = e.queue[:remaining]

	metrics.FanoutQueueDepth.Set(float64(len(e.queue)))
	metrics.FanoutDrainDuration.Observe(e.clock.Since(start).Seconds())
}

func (e *Engine) resolveTargets(item queuedUpdate) map[*Connection]struct{} {
	if item.broadcast {
		return e.connections
	}
	return e.registry.resolve(item.channel)
}

func (e *Engine) cleanup() {
	for c := range e.connections {
		e.registry.drop(c)
		delete(e.connections, c)
	}
	e.queue = nil
	metrics.FanoutActiveConnections.Set(0)
	metrics.FanoutQueueDepth.Set(0)
	slog.Info("Fanout engine stopped")
}
