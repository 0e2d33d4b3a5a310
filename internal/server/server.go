// Package server exposes the live-update service over HTTP: the WebSocket
// endpoint clients subscribe on, the ingestion endpoint update producers
// post to, and the observability surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/config"
	apperrors "github.com/Lego4005/nfl-predictor-api-sub017/internal/errors"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/fanout"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

// updatePublisher replicates ingested updates to other instances. Nil when
// the service runs standalone.
type updatePublisher interface {
	Publish(ctx context.Context, u update.Update) error
}

// redisHealthChecker is a minimal interface for Redis readiness checks.
type redisHealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	engine    *fanout.Engine
	limits    *ConnectionLimits
	bridge    updatePublisher
	redisPing redisHealthChecker
	startTime time.Time
}

// NewServer wires the HTTP layer. bridge and redisPing may be nil when no
// Redis is configured; the service then serves single-instance fanout.
func NewServer(cfg *config.Config, engine *fanout.Engine, bridge updatePublisher, redisPing redisHealthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		engine:    engine,
		limits:    NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		bridge:    bridge,
		redisPing: redisPing,
		startTime: time.Now(),
	}

	e.HTTPErrorHandler = srv.handleHTTPError
	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(":" + s.config.Port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHTTPError maps structured errors onto JSON responses with the right
// status code. Echo's own routing errors keep their status.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if he, ok := err.(*echo.HTTPError); ok {
		errType := apperrors.TypeInternal
		switch he.Code {
		case http.StatusNotFound:
			errType = apperrors.TypeNotFound
		case http.StatusBadRequest:
			errType = apperrors.TypeValidation
		}
		_ = c.JSON(he.Code, apperrors.ErrorResponse{Error: http.StatusText(he.Code), Type: errType})
		return
	}

	structured := apperrors.AsStructuredError(err)
	if structured.Type == apperrors.TypeInternal {
		slog.Error("Request failed", "path", c.Request().URL.Path, "error", err)
	}
	_ = c.JSON(structured.HTTPStatus(), structured.ToResponse())
}
