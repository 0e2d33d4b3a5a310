package server

import (
	"errors"
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	apperrors "github.com/Lego4005/nfl-predictor-api-sub017/internal/errors"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/metrics"
	"github.com/Lego4005/nfl-predictor-api-sub017/internal/update"
)

const maxUpdateBytes = 64 * 1024

// handleIngest accepts one update from a producer, routes it through the
// local engine, and replicates it over the bridge when one is configured.
// Malformed updates are rejected with 400 and counted, never enqueued.
func (s *Server) handleIngest(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxUpdateBytes))
	if err != nil {
		return apperrors.ValidationError("failed to read request body", err)
	}

	u, err := update.Decode(body)
	if err != nil {
		if errors.Is(err, update.ErrInvalidUpdate) {
			metrics.UpdatesRejected.Inc()
			slog.Warn("Rejected malformed update", "error", err)
			return apperrors.ValidationError("invalid update", err)
		}
		return apperrors.InternalError("failed to decode update", err)
	}

	s.engine.Ingest(u)

	// Bridge publishing is best-effort: a Redis outage must not block local
	// delivery.
	if s.bridge != nil {
		if err := s.bridge.Publish(c.Request().Context(), u); err != nil {
			slog.Warn("Failed to replicate update over bridge", "subject_id", u.SubjectID, "error", err)
		}
	}

	return c.JSON(202, map[string]string{"status": "accepted"})
}
