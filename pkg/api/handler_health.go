package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// healthHandler handles GET /health. Sessions survive a cache outage via
// the durable tier, so a dead Redis degrades the report without failing
// the probe.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	redisOK := s.svc.StoreHealthy(reqCtx)
	status := healthStatusHealthy
	if !redisOK {
		status = healthStatusDegraded
	}

	agents := s.svc.Registry().List()
	out := make([]AgentHealth, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentHealth{Name: a.Name, Type: a.Type, Status: a.Status})
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:         status,
		RedisConnected: redisOK,
		Agents:         out,
	})
}
