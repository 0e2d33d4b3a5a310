package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

const (
	updatesChannel      = "updates:events"
	resubscribeDelay    = time.Second
	maxResubscribeDelay = 30 * time.Second
)

// envelope is the wire format on the pub/sub channel. Origin lets an
// instance skip messages it published itself, since those updates already
// went through its local engine.
type envelope struct {
	Origin string          `json:"origin"`
	Update json.RawMessage `json:"update"`
}

// Bridge replicates ingested updates across instances over Redis pub/sub.
// Publishing is best-effort: a Redis outage degrades the system to
// single-instance fanout instead of taking it down.
type Bridge struct {
	client *Client
	engine *fanout.Engine
	origin string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge and starts its subscription loop.
func NewBridge(client *Client, engine *fanout.Engine) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		client: client,
		engine: engine,
		origin: uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.listen(ctx)
	return b
}

// Publish sends one update to every instance listening on the bridge.
func (b *Bridge) Publish(ctx context.Context, u update.Update) error {
	raw, err := json.Marshal(u)
	if err != nil {
		metrics.BridgePublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal update for bridge: %w", err)
	}

	payload, err := json.Marshal(envelope{Origin: b.origin, Update: raw})
	if err != nil {
		metrics.BridgePublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal bridge envelope: %w", err)
	}

	if err := b.client.Underlying().Publish(ctx, updatesChannel, payload).Err(); err != nil {
		metrics.BridgePublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish update to bridge: %w", err)
	}

	metrics.BridgePublishes.WithLabelValues("ok").Inc()
	return nil
}

// Close stops the subscription loop and waits for it to exit.
func (b *Bridge) Close() {
	b.cancel()
	<-b.done
}

func (b *Bridge) listen(ctx context.Context) {
	defer close(b.done)

	delay := resubscribeDelay
	for {
		if err := b.consume(ctx); err != nil {
			slog.Warn("Bridge subscription lost, resubscribing", "error", err, "delay", delay)
		}
		if ctx.Err() != nil {
			return
		}

		metrics.BridgeReconnections.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, maxResubscribeDelay)
	}
}

// consume holds one subscription until the channel closes or the context is
// cancelled.
func (b *Bridge) consume(ctx context.Context) error {
	pubsub := b.client.Underlying().Subscribe(ctx, updatesChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", updatesChannel, err)
	}
	slog.Info("Bridge subscribed", "channel", updatesChannel)

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return fmt.Errorf("subscription channel closed")
			}
			b.handleMessage(msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bridge) handleMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.Warn("Dropping malformed bridge envelope", "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}

	u, err := update.Decode(env.Update)
	if err != nil {
		slog.Warn("Dropping invalid update from bridge", "origin", env.Origin, "error", err)
		return
	}

	metrics.BridgeMessagesReceived.Inc()
	b.engine.Ingest(u)
}
