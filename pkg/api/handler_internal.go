package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/orchestrator"
)

// registerAgentHandler handles POST /internal/register_agent.
func (s *Server) registerAgentHandler(c *echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err := s.svc.RegisterAgent(models.AgentRecord{
		Name:         req.AgentName,
		Type:         req.AgentType,
		BaseURL:      req.BaseURL,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "registered"})
}

// getContextHandler handles GET /internal/sessions/:id/context.
func (s *Server) getContextHandler(c *echo.Context) error {
	sc, err := s.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// patchContextHandler handles PATCH /internal/sessions/:id/context.
// Unknown fields are rejected so a typo in an agent never silently drops
// an update.
func (s *Server) patchContextHandler(c *echo.Context) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()

	var patch orchestrator.ContextPatch
	if err := dec.Decode(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid_patch: "+err.Error())
	}

	sc, err := s.svc.ApplyPatch(c.Request().Context(), c.Param("id"), &patch)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

// routeMessageHandler handles POST /internal/route_message. Only
// agent_execute handoffs are routable.
func (s *Server) routeMessageHandler(c *echo.Context) error {
	var req RouteMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.MessageType != models.MessageAgentExecute {
		return echo.NewHTTPError(http.StatusBadRequest,
			"only agent_execute messages can be routed")
	}
	if req.SourceAgent == "" || req.TargetAgent == "" || req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"source_agent, target_agent, and session_id are required")
	}

	var exec models.ExecutePayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &exec); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid execute payload: "+err.Error())
		}
	}
	if exec.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payload.task is required")
	}

	err := s.svc.RouteMessage(c.Request().Context(),
		req.SourceAgent, req.TargetAgent, exec.Task, req.SessionID, exec.Parameters)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "routed"})
}
