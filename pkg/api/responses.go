package api

import (
	"time"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// InitializeSessionResponse is returned by POST /sessions/initialize.
type InitializeSessionResponse struct {
	SessionID     string               `json:"session_id"`
	WorkflowStage models.WorkflowStage `json:"workflow_stage"`
	Message       string               `json:"message"`
}

// SessionStatusResponse is returned by GET /sessions/{id}/status.
type SessionStatusResponse struct {
	SessionID             string               `json:"session_id"`
	WorkflowStage         models.WorkflowStage `json:"workflow_stage"`
	ProgressPercentage    int                  `json:"progress_percentage"`
	StatusMessage         string               `json:"status_message"`
	CurrentAgent          string               `json:"current_agent,omitempty"`
	RequiresClarification bool                 `json:"requires_clarification"`
	ClarificationPrompt   string               `json:"clarification_prompt,omitempty"`
}

// ClarifySessionResponse is returned by POST /sessions/{id}/clarify.
type ClarifySessionResponse struct {
	Message       string               `json:"message"`
	WorkflowStage models.WorkflowStage `json:"workflow_stage"`
}

// SessionResultResponse is returned by GET /sessions/{id}/result.
type SessionResultResponse struct {
	SessionID            string                   `json:"session_id"`
	NWBFilePath          string                   `json:"nwb_file_path"`
	ValidationReportPath string                   `json:"validation_report_path"`
	OverallStatus        models.ValidationStatus  `json:"overall_status"`
	Summary              string                   `json:"summary"`
	ValidationIssues     []models.ValidationIssue `json:"validation_issues"`
}

// SessionSummary is one element of the GET /sessions listing.
type SessionSummary struct {
	SessionID     string               `json:"session_id"`
	WorkflowStage models.WorkflowStage `json:"workflow_stage"`
	CreatedAt     time.Time            `json:"created_at"`
	LastUpdated   time.Time            `json:"last_updated"`
}

// ListSessionsResponse is returned by GET /sessions.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// AgentHealth is one agent's entry in the health response.
type AgentHealth struct {
	Name   string           `json:"agent_name"`
	Type   models.AgentType `json:"agent_type"`
	Status string           `json:"status"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string        `json:"status"`
	RedisConnected bool          `json:"redis_connected"`
	Agents         []AgentHealth `json:"agents"`
}

// statusMessage renders the human-readable line shown while polling.
func statusMessage(sc *models.SessionContext) string {
	switch sc.WorkflowStage {
	case models.StageInitialized:
		return "Session created, inspecting dataset"
	case models.StageCollectingMetadata:
		return "Extracting metadata from dataset documentation"
	case models.StageConverting:
		return "Converting recording to NWB format"
	case models.StageEvaluating:
		return "Validating the generated NWB file"
	case models.StageCompleted:
		return "Conversion completed"
	case models.StageFailed:
		if sc.ClarificationPrompt != "" {
			return sc.ClarificationPrompt
		}
		return "Conversion failed"
	}
	return string(sc.WorkflowStage)
}
