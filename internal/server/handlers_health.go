package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Lego4005/nfl-predictor-api-sub017/internal/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()
	return c.JSON(200, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	// Redis is optional; when the bridge is configured it must be reachable
	// before this instance takes traffic.
	if s.redisPing != nil {
		if err := s.redisPing.Ping(ctx); err != nil {
			return c.JSON(503, map[string]any{
				"status":       "unhealthy",
				"failed_check": "redis",
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(200, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(200, version.Get())
}

func (s *Server) handleStats(c echo.Context) error {
	stats := s.engine.Stats()
	return c.JSON(200, map[string]any{
		"fanout": stats,
		"websocket": map[string]any{
			"connections": s.limits.Global().Current(),
			"unique_ips":  s.limits.PerIP().UniqueIPs(),
		},
	})
}
