package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/stats", s.handleStats)

	// Update ingestion from producers (score feeds, prediction engines)
	s.echo.POST("/updates", s.handleIngest)

	// Subscriber WebSocket endpoint
	s.echo.GET("/ws", s.handleWebSocket)
}
