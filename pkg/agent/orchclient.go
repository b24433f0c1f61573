package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nwbflow/nwbflow/pkg/models"
)

// OrchestratorClient is the agents' view of the orchestrator's internal
// API. Agents never touch the session store directly; every context read
// and write goes through here.
type OrchestratorClient struct {
	baseURL   string
	agentName string
	client    *http.Client
}

// NewOrchestratorClient creates a client for the orchestrator at baseURL.
func NewOrchestratorClient(baseURL, agentName string) *OrchestratorClient {
	return &OrchestratorClient{
		baseURL:   baseURL,
		agentName: agentName,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Register announces the agent. Called at startup and on reconnect.
func (c *OrchestratorClient) Register(ctx context.Context, rec models.RegisterPayload) error {
	return c.do(ctx, http.MethodPost, "/internal/register_agent", rec, nil)
}

// GetContext fetches the session context.
func (c *OrchestratorClient) GetContext(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	var sc models.SessionContext
	path := fmt.Sprintf("/internal/sessions/%s/context", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// PatchContext submits a field-scoped context patch. The orchestrator
// validates it against the workflow relation before applying.
func (c *OrchestratorClient) PatchContext(ctx context.Context, sessionID string, patch any) error {
	path := fmt.Sprintf("/internal/sessions/%s/context", sessionID)
	return c.do(ctx, http.MethodPatch, path, patch, nil)
}

// RequestHandoff asks the orchestrator to route an agent_execute to the
// next agent in the pipeline.
func (c *OrchestratorClient) RequestHandoff(ctx context.Context, sessionID, targetAgent, task string, params map[string]any) error {
	payload, err := json.Marshal(models.ExecutePayload{Task: task, Parameters: params})
	if err != nil {
		return fmt.Errorf("encode handoff payload: %w", err)
	}
	body := map[string]any{
		"source_agent": c.agentName,
		"target_agent": targetAgent,
		"message_type": models.MessageAgentExecute,
		"session_id":   sessionID,
		"payload":      json.RawMessage(payload),
	}
	return c.do(ctx, http.MethodPost, "/internal/route_message", body, nil)
}

func (c *OrchestratorClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("orchestrator request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read orchestrator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("orchestrator %s %s returned %d: %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode orchestrator response: %w", err)
		}
	}
	return nil
}
