package fanout

import "time"

// Stats is the read-only health snapshot served to dashboards and load
// harnesses. Purely observational; taking a snapshot has no side effects.
type Stats struct {
	MessagesProcessed  uint64  `json:"messages_processed"`
	ConnectionsHandled uint64  `json:"connections_handled"`
	ErrorsEncountered  uint64  `json:"errors_encountered"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
	ActiveConnections  int     `json:"active_connections"`
	ActiveChannels     int     `json:"active_channels"`
	QueuedMessages     int     `json:"queued_messages"`
	DroppedMessages    uint64  `json:"dropped_messages"`
	ErrorRate          float64 `json:"error_rate"`
	MessagesPerSecond  float64 `json:"messages_per_second"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

// counters is the engine-loop-owned mutable tally behind Stats.
type counters struct {
	processed          uint64
	connectionsHandled uint64
	errors             uint64
	dropped            uint64
	latencySum         time.Duration
	startedAt          time.Time
}

func (c *counters) snapshot(now time.Time, activeConns, activeChannels, queued int) Stats {
	uptime := now.Sub(c.startedAt).Seconds()

	var avgLatency float64
	if c.processed > 0 {
		avgLatency = float64(c.latencySum.Milliseconds()) / float64(c.processed)
	}

	divisor := c.processed
	if divisor == 0 {
		divisor = 1
	}

	var perSecond float64
	if uptime > 0 {
		perSecond = float64(c.processed) / uptime
	}

	return Stats{
		MessagesProcessed:  c.processed,
		ConnectionsHandled: c.connectionsHandled,
		ErrorsEncountered:  c.errors,
		AverageLatencyMs:   avgLatency,
		ActiveConnections:  activeConns,
		ActiveChannels:     activeChannels,
		QueuedMessages:     queued,
		DroppedMessages:    c.dropped,
		ErrorRate:          float64(c.errors) / float64(divisor),
		MessagesPerSecond:  perSecond,
		UptimeSeconds:      uptime,
	}
}
