package api

import (
	"encoding/json"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// InitializeSessionRequest is the body of POST /api/v1/sessions/initialize.
type InitializeSessionRequest struct {
	DatasetPath string `json:"dataset_path"`
}

// ClarifySessionRequest is the body of POST /api/v1/sessions/{id}/clarify.
type ClarifySessionRequest struct {
	UserInput       string            `json:"user_input"`
	UpdatedMetadata map[string]string `json:"updated_metadata,omitempty"`
}

// RegisterAgentRequest is the body of POST /internal/register_agent.
type RegisterAgentRequest struct {
	AgentName    string           `json:"agent_name"`
	AgentType    models.AgentType `json:"agent_type"`
	Capabilities []string         `json:"capabilities"`
	BaseURL      string           `json:"base_url"`
}

// RouteMessageRequest is the body of POST /internal/route_message. The
// payload is an agent_execute payload; other message types are rejected.
type RouteMessageRequest struct {
	SourceAgent string             `json:"source_agent"`
	TargetAgent string             `json:"target_agent"`
	MessageType models.MessageType `json:"message_type"`
	SessionID   string             `json:"session_id"`
	Payload     json.RawMessage    `json:"payload"`
}
