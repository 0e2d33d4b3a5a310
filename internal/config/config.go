package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config holds every tunable knob of the live-update service. Invalid values
// are the only fatal errors in the system: everything else degrades and is
// counted instead.
type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL enables the cross-instance update bridge when set.
	RedisURL string `env:"REDIS_URL"`

	// Fanout engine
	BatchSize        int           `env:"BATCH_SIZE" default:"100"`
	MaxQueueDelay    time.Duration `env:"MAX_QUEUE_DELAY" default:"50ms"`
	DrainScaleFactor int           `env:"DRAIN_SCALE_FACTOR" default:"100"`
	DrainQueueCap    int           `env:"DRAIN_QUEUE_CAP" default:"10000"`

	// Per-connection buffering
	PendingOutboundCap int `env:"PENDING_OUTBOUND_CAP" default:"64"`

	// Client lifecycle
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" default:"5"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout     time.Duration `env:"HEARTBEAT_TIMEOUT" default:"10s"`
	ReconnectBackoffBase time.Duration `env:"RECONNECT_BACKOFF_BASE" default:"1s"`
	ReconnectBackoffMax  time.Duration `env:"RECONNECT_BACKOFF_MAX" default:"30s"`

	// Connection limits on the WebSocket endpoint
	MaxConnections      int64   `env:"MAX_CONNECTIONS" default:"100000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	positive := map[string]int{
		"BATCH_SIZE":           cfg.BatchSize,
		"DRAIN_SCALE_FACTOR":   cfg.DrainScaleFactor,
		"DRAIN_QUEUE_CAP":      cfg.DrainQueueCap,
		"PENDING_OUTBOUND_CAP": cfg.PendingOutboundCap,
		"CONNECTION_BURST":     cfg.ConnectionBurst,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}

	durations := map[string]time.Duration{
		"MAX_QUEUE_DELAY":        cfg.MaxQueueDelay,
		"HEARTBEAT_INTERVAL":     cfg.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":      cfg.HeartbeatTimeout,
		"RECONNECT_BACKOFF_BASE": cfg.ReconnectBackoffBase,
		"RECONNECT_BACKOFF_MAX":  cfg.ReconnectBackoffMax,
	}
	for name, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, value)
		}
	}

	if cfg.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative, got %d", cfg.MaxReconnectAttempts)
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be positive, got %d", cfg.MaxConnectionsPerIP)
	}
	if cfg.ConnectionRate <= 0 {
		return fmt.Errorf("CONNECTION_RATE must be positive, got %v", cfg.ConnectionRate)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectBackoffBase {
		return fmt.Errorf("RECONNECT_BACKOFF_MAX (%v) must not be below RECONNECT_BACKOFF_BASE (%v)", cfg.ReconnectBackoffMax, cfg.ReconnectBackoffBase)
	}

	return nil
}
