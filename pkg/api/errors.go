package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nwbflow/nwbflow/pkg/orchestrator"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, orchestrator.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if errors.Is(err, orchestrator.ErrNotCompleted) {
		return echo.NewHTTPError(http.StatusBadRequest, "not_completed")
	}
	if errors.Is(err, orchestrator.ErrInvalidState) {
		return echo.NewHTTPError(http.StatusConflict, "invalid_state")
	}
	if errors.Is(err, orchestrator.ErrInvalidTransition) || errors.Is(err, orchestrator.ErrInvalidPatch) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, orchestrator.ErrAgentUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
