package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fanout Engine Metrics
var (
	// UpdatesIngested tracks accepted updates by kind
	UpdatesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updates_ingested_total",
			Help: "Total updates accepted at ingestion by kind",
		},
		[]string{"kind"},
	)

	// UpdatesRejected tracks updates rejected by structural validation
	UpdatesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "updates_rejected_total",
			Help: "Total updates rejected by structural validation",
		},
	)

	// FanoutDeliveries tracks per-connection update deliveries
	FanoutDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Total per-connection update deliveries",
		},
	)

	// FanoutDeliveryErrors tracks handler failures during dispatch
	FanoutDeliveryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_delivery_errors_total",
			Help: "Total per-connection delivery errors (caught, never fatal)",
		},
	)

	// FanoutQueueDepth tracks current drain queue depth
	FanoutQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_queue_depth",
			Help: "Current number of updates waiting in the drain queue",
		},
	)

	// FanoutQueueDropped tracks updates evicted from a full drain queue
	FanoutQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_queue_dropped_total",
			Help: "Total updates dropped from the drain queue (oldest first)",
		},
	)

	// FanoutDrainDuration tracks drain batch duration
	FanoutDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_drain_duration_seconds",
			Help:    "Duration of one drain batch in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// FanoutDrainInterval tracks the adaptive backpressure tick interval
	FanoutDrainInterval = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_drain_interval_seconds",
			Help: "Current adaptive drain tick interval in seconds",
		},
	)

	// FanoutDeliveryLatency tracks enqueue-to-delivery latency
	FanoutDeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_delivery_latency_seconds",
			Help:    "Latency from enqueue to delivery in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// FanoutActiveConnections tracks currently attached connections
	FanoutActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_active_connections",
			Help: "Current number of connections attached to the fanout engine",
		},
	)

	// FanoutActiveChannels tracks live channels in the registry
	FanoutActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fanout_active_channels",
			Help: "Current number of channels with at least one subscriber",
		},
	)

	// FanoutPanicsTotal tracks drain loop panic recoveries
	FanoutPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_panics_total",
			Help: "Total fanout engine panic recoveries",
		},
	)

	// PendingOutboundDropped tracks per-connection buffer evictions
	PendingOutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pending_outbound_dropped_total",
			Help: "Total buffered updates evicted from per-connection queues (oldest first)",
		},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsCurrent tracks current active WebSocket connections
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// WebSocketConnectionsTotal tracks connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total WebSocket connection attempts by result (success/error/rejected)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected connection attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Total WebSocket connections rejected by reason (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// WebSocketSlowClientsEvicted tracks slow clients disconnected under load
	WebSocketSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_slow_clients_evicted_total",
			Help: "Total WebSocket clients evicted because their send buffer was full",
		},
	)

	// WebSocketPingFailures tracks WebSocket ping failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)
)

// Redis Bridge Metrics
var (
	// BridgePublishes tracks cross-instance publishes by status
	BridgePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_publishes_total",
			Help: "Total updates published to the Redis bridge by status",
		},
		[]string{"status"},
	)

	// BridgeMessagesReceived tracks updates received from other instances
	BridgeMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_messages_received_total",
			Help: "Total updates received from the Redis bridge",
		},
	)

	// BridgeReconnections tracks bridge subscription reconnects
	BridgeReconnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_reconnections_total",
			Help: "Total Redis bridge subscription reconnection attempts",
		},
	)

	// CircuitBreakerStateChanges tracks breaker transitions by component and new state
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
