// Package router delivers typed message envelopes to registered agents
// over HTTP and returns their response envelopes. Delivery is at most
// once: the router never retries a routed call on its own.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/registry"
)

// ErrAgentNotRegistered is returned when the target is unknown.
var ErrAgentNotRegistered = registry.ErrNotRegistered

// TransportError reports a connection-level failure reaching an agent.
type TransportError struct {
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error sending to agent %s: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that the per-call deadline expired.
type TimeoutError struct {
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s did not respond within %s", e.Target, e.Timeout)
}

// RemoteError reports that the agent returned a failed response envelope.
type RemoteError struct {
	Target string
	Code   string
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s returned error %s: %s", e.Target, e.Code, e.Detail)
}

// SourceOrchestrator names the orchestrator in envelopes it originates.
const SourceOrchestrator = "orchestrator"

// messagePath is the message intake endpoint every agent exposes.
const messagePath = "/mcp/message"

// Router sends envelopes to agents resolved through the registry.
type Router struct {
	registry *registry.Registry
	client   *http.Client
	timeout  time.Duration
}

// New creates a router with the given default per-call timeout.
func New(reg *registry.Registry, timeout time.Duration) *Router {
	return &Router{
		registry: reg,
		// The outer context carries the deadline; the client itself has no
		// timeout so per-call overrides work.
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Send builds an envelope and POSTs it to the target agent's message
// endpoint, returning the decoded response envelope.
func (r *Router) Send(ctx context.Context, target string, mt models.MessageType, sessionID string, payload any) (*models.Envelope, error) {
	rec, err := r.registry.Get(target)
	if err != nil {
		return nil, err
	}

	env, err := models.NewEnvelope(SourceOrchestrator, target, sessionID, mt, payload)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, rec.BaseURL+messagePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Target: target, Timeout: r.timeout}
		}
		return nil, &TransportError{Target: target, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Target: target, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RemoteError{
			Target: target,
			Code:   fmt.Sprintf("http_%d", resp.StatusCode),
			Detail: string(respBody),
		}
	}

	var respEnv models.Envelope
	if err := json.Unmarshal(respBody, &respEnv); err != nil {
		return nil, &TransportError{Target: target, Err: fmt.Errorf("decode response envelope: %w", err)}
	}
	return &respEnv, nil
}

// Execute is a convenience wrapper over Send for agent_execute messages.
// It decodes the agent's response payload and converts failed responses
// into RemoteError.
func (r *Router) Execute(ctx context.Context, target, task, sessionID string, params map[string]any) (*models.ResponsePayload, error) {
	env, err := r.Send(ctx, target, models.MessageAgentExecute, sessionID, models.ExecutePayload{
		Task:       task,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}

	payload, err := models.DecodePayload[models.ResponsePayload](env)
	if err != nil {
		return nil, &TransportError{Target: target, Err: err}
	}
	if payload.Status != models.ResponseSuccess {
		code, detail := "agent_failed", "agent reported failure without detail"
		if payload.Error != nil {
			code, detail = payload.Error.Code, payload.Error.Message
		}
		return payload, &RemoteError{Target: target, Code: code, Detail: detail}
	}
	return payload, nil
}
