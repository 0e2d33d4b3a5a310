package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/config"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/logging"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/redis"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/server"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return client
}

func runGracefulShutdown(srv *server.Server, engine *fanout.Engine, bridge *redis.Bridge, redisClient *redis.Client) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if bridge != nil {
			bridge.Close()
		}
		engine.Stop()
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				slog.Error("Redis close error", "error", err)
			}
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Version)
	metrics.BuildInfo.WithLabelValues(version.Version, version.Commit, version.BuildTime, runtime.Version()).Set(1)

	engine := fanout.NewEngine(fanout.Options{
		BatchSize:     cfg.BatchSize,
		MaxQueueDelay: cfg.MaxQueueDelay,
		ScaleFactor:   cfg.DrainScaleFactor,
		QueueCap:      cfg.DrainQueueCap,
	}, clock)

	// Redis is optional: without it the instance serves local fanout only.
	var (
		redisClient *redis.Client
		bridge      *redis.Bridge
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(cfg)
		bridge = redis.NewBridge(redisClient, engine)
		slog.Info("Cross-instance bridge enabled")
	}

	// Avoid typed-nil interfaces when the bridge is disabled.
	var srv *server.Server
	if bridge != nil {
		srv = server.NewServer(cfg, engine, bridge, redisClient)
	} else {
		srv = server.NewServer(cfg, engine, nil, nil)
	}

	done := runGracefulShutdown(srv, engine, bridge, redisClient)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
