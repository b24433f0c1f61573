package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbflow/nwbflow/pkg/models"
)

func TestRegisterAgent(t *testing.T) {
	s, reg, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/internal/register_agent",
		`{"agent_name": "conversation_agent", "agent_type": "conversation",
		  "capabilities": ["metadata_extraction"], "base_url": "http://localhost:8001"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := reg.Get("conversation_agent")
	require.NoError(t, err)
	assert.Equal(t, models.AgentConversation, got.Type)
}

func TestRegisterAgentValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"agent_type": "conversation", "base_url": "http://x"}`},
		{"unknown type", `{"agent_name": "a", "agent_type": "janitor", "base_url": "http://x"}`},
		{"missing base url", `{"agent_name": "a", "agent_type": "conversion"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/internal/register_agent", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetContext(t *testing.T) {
	s, _, st := newTestServer(t)

	sc := models.NewSessionContext("s1")
	sc.DatasetInfo = &models.DatasetInfo{Path: "/data/rec", Format: "openephys"}
	require.NoError(t, st.Create(t.Context(), sc))

	rec := doJSON(t, s, http.MethodGet, "/internal/sessions/s1/context", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.SessionContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "s1", got.SessionID)
	require.NotNil(t, got.DatasetInfo)
	assert.Equal(t, "/data/rec", got.DatasetInfo.Path)
}

func TestPatchContext(t *testing.T) {
	s, _, st := newTestServer(t)
	require.NoError(t, st.Create(t.Context(), models.NewSessionContext("s1")))

	rec := doJSON(t, s, http.MethodPatch, "/internal/sessions/s1/context",
		`{"workflow_stage": "collecting_metadata",
		  "dataset_info": {"path": "/data/rec", "format": "openephys",
		                   "total_size_bytes": 1, "file_count": 1, "has_documentation": false}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.SessionContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StageCollectingMetadata, got.WorkflowStage)
}

func TestPatchContextRejectsIllegalTransition(t *testing.T) {
	s, _, st := newTestServer(t)
	require.NoError(t, st.Create(t.Context(), models.NewSessionContext("s1")))

	rec := doJSON(t, s, http.MethodPatch, "/internal/sessions/s1/context",
		`{"workflow_stage": "completed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchContextRejectsUnknownFields(t *testing.T) {
	s, _, st := newTestServer(t)
	require.NoError(t, st.Create(t.Context(), models.NewSessionContext("s1")))

	// Orchestrator-owned fields have no patch representation.
	rec := doJSON(t, s, http.MethodPatch, "/internal/sessions/s1/context",
		`{"current_agent": "rogue_agent"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_patch")
}

func TestRouteMessage(t *testing.T) {
	s, reg, st := newTestServer(t)
	registerStubAgent(t, reg, "conversion_agent", models.AgentConversion)

	sc := models.NewSessionContext("s1")
	sc.WorkflowStage = models.StageCollectingMetadata
	sc.CurrentAgent = "conversation_agent"
	sc.DatasetInfo = &models.DatasetInfo{Path: "/data/rec"}
	sc.Metadata = &models.ExtractedMetadata{}
	require.NoError(t, st.Create(t.Context(), sc))

	rec := doJSON(t, s, http.MethodPost, "/internal/route_message",
		`{"source_agent": "conversation_agent", "target_agent": "conversion_agent",
		  "message_type": "agent_execute", "session_id": "s1",
		  "payload": {"task": "convert_to_nwb"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StageConverting, got.WorkflowStage)

	waitDispatchSettled(t, st, "s1")
}

func TestRouteMessageValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"wrong message type", `{"source_agent": "a", "target_agent": "b",
			"message_type": "context_update", "session_id": "s1", "payload": {"task": "x"}}`},
		{"missing task", `{"source_agent": "a", "target_agent": "b",
			"message_type": "agent_execute", "session_id": "s1", "payload": {}}`},
		{"missing target", `{"source_agent": "a",
			"message_type": "agent_execute", "session_id": "s1", "payload": {"task": "x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/internal/route_message", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealth(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Register(models.AgentRecord{
		Name: "conversation_agent", Type: models.AgentConversation,
		BaseURL: "http://localhost:8001", Status: models.AgentStatusHealthy,
	})

	rec := doJSON(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.RedisConnected)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "conversation_agent", resp.Agents[0].Name)
}
