package api

import (
	"net/http"
	"sort"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// initializeSessionHandler handles POST /api/v1/sessions/initialize.
// Creates a session and returns as soon as agent dispatch has begun;
// long-running initialization is observed via status polling.
func (s *Server) initializeSessionHandler(c *echo.Context) error {
	var req InitializeSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.DatasetPath) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dataset_path field is required")
	}

	sc, err := s.svc.Initialize(c.Request().Context(), req.DatasetPath)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, &InitializeSessionResponse{
		SessionID:     sc.SessionID,
		WorkflowStage: sc.WorkflowStage,
		Message:       "Session created, dataset inspection started",
	})
}

// sessionStatusHandler handles GET /api/v1/sessions/:id/status.
func (s *Server) sessionStatusHandler(c *echo.Context) error {
	sc, err := s.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &SessionStatusResponse{
		SessionID:             sc.SessionID,
		WorkflowStage:         sc.WorkflowStage,
		ProgressPercentage:    sc.WorkflowStage.Progress(),
		StatusMessage:         statusMessage(sc),
		CurrentAgent:          sc.CurrentAgent,
		RequiresClarification: sc.RequiresUserClarification,
		ClarificationPrompt:   sc.ClarificationPrompt,
	})
}

// clarifySessionHandler handles POST /api/v1/sessions/:id/clarify.
func (s *Server) clarifySessionHandler(c *echo.Context) error {
	var req ClarifySessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.UserInput) == "" && len(req.UpdatedMetadata) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_input or updated_metadata is required")
	}

	sc, err := s.svc.Clarify(c.Request().Context(), c.Param("id"), req.UserInput, req.UpdatedMetadata)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &ClarifySessionResponse{
		Message:       "Clarification accepted, retrying conversion",
		WorkflowStage: sc.WorkflowStage,
	})
}

// sessionResultHandler handles GET /api/v1/sessions/:id/result.
func (s *Server) sessionResultHandler(c *echo.Context) error {
	sc, err := s.svc.Result(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	vr := sc.ValidationResults
	return c.JSON(http.StatusOK, &SessionResultResponse{
		SessionID:            sc.SessionID,
		NWBFilePath:          sc.OutputNWBPath,
		ValidationReportPath: sc.OutputReportPath,
		OverallStatus:        vr.Status,
		Summary:              vr.Summary,
		ValidationIssues:     vr.Issues,
	})
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions, err := s.svc.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sc := range sessions {
		out = append(out, SessionSummary{
			SessionID:     sc.SessionID,
			WorkflowStage: sc.WorkflowStage,
			CreatedAt:     sc.CreatedAt,
			LastUpdated:   sc.LastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return c.JSON(http.StatusOK, &ListSessionsResponse{Sessions: out})
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	if err := s.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
