package fanout

import "github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"

// registry maps channel names to subscriber sets. Channels are created
// lazily on first subscription and deleted when their last subscriber
// leaves. The engine loop is the only goroutine that touches it, which is
// what makes the lock-free map safe: external callers submit subscribe and
// unsubscribe as queued commands, never direct calls.
type registry struct {
	channels map[string]map[*Connection]struct{}
}

func newRegistry() *registry {
	return &registry{channels: make(map[string]map[*Connection]struct{})}
}

// subscribe adds the connection to the channel, creating it if absent.
// Idempotent.
func (r *registry) subscribe(c *Connection, channel string) {
	subscribers, exists := r.channels[channel]
	if !exists {
		subscribers = make(map[*Connection]struct{})
		r.channels[channel] = subscribers
	}
	subscribers[c] = struct{}{}
	c.mirrorSubscribe(channel)
	metrics.FanoutActiveChannels.Set(float64(len(r.channels)))
}

// unsubscribe removes the connection from the channel and garbage-collects
// the channel once its subscriber set is empty.
func (r *registry) unsubscribe(c *Connection, channel string) {
	subscribers, exists := r.channels[channel]
	if !exists {
		return
	}
	delete(subscribers, c)
	if len(subscribers) == 0 {
		delete(r.channels, channel)
	}
	c.mirrorUnsubscribe(channel)
	metrics.FanoutActiveChannels.Set(float64(len(r.channels)))
}

// drop removes the connection from every channel it subscribes to. Called
// when a connection detaches, so a destroyed connection is never left in a
// subscriber set.
func (r *registry) drop(c *Connection) {
	for channel, subscribers := range r.channels {
		if _, ok := subscribers[c]; !ok {
			continue
		}
		delete(subscribers, c)
		if len(subscribers) == 0 {
			delete(r.channels, channel)
		}
		c.mirrorUnsubscribe(channel)
	}
	metrics.FanoutActiveChannels.Set(float64(len(r.channels)))
}

// resolve returns the subscriber set for a channel, nil if the channel does
// not exist. Callers must not mutate the returned map.
func (r *registry) resolve(channel string) map[*Connection]struct{} {
	return r.channels[channel]
}

func (r *registry) channelCount() int {
	return len(r.channels)
}
