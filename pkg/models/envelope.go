package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of an envelope. The set is closed:
// envelopes with unknown types are rejected at intake.
type MessageType string

const (
	MessageAgentRegister  MessageType = "agent_register"
	MessageAgentExecute   MessageType = "agent_execute"
	MessageAgentResponse  MessageType = "agent_response"
	MessageContextUpdate  MessageType = "context_update"
	MessageError          MessageType = "error"
	MessageHealthCheck    MessageType = "health_check"
	MessageHealthResponse MessageType = "health_response"
)

var knownMessageTypes = map[MessageType]bool{
	MessageAgentRegister:  true,
	MessageAgentExecute:   true,
	MessageAgentResponse:  true,
	MessageContextUpdate:  true,
	MessageError:          true,
	MessageHealthCheck:    true,
	MessageHealthResponse: true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool { return knownMessageTypes[t] }

// Envelope is the wire format exchanged between the orchestrator and
// agents. Envelopes are transient: they are never persisted or replayed.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	Timestamp   time.Time       `json:"timestamp"`
	SourceAgent string          `json:"source_agent"`
	TargetAgent string          `json:"target_agent"`
	SessionID   string          `json:"session_id,omitempty"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message ID and a UTC
// timestamp, encoding payload as JSON.
func NewEnvelope(source, target, sessionID string, mt MessageType, payload any) (*Envelope, error) {
	if !mt.Valid() {
		return nil, fmt.Errorf("unknown message type %q", mt)
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}
	return &Envelope{
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		SourceAgent: source,
		TargetAgent: target,
		SessionID:   sessionID,
		MessageType: mt,
		Payload:     raw,
	}, nil
}

// DecodePayload decodes the envelope payload into the typed payload
// struct for its message type.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var out T
	if len(env.Payload) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.MessageType, err)
	}
	return &out, nil
}

// Task names dispatched by agents.
const (
	TaskInitializeSession   = "initialize_session"
	TaskHandleClarification = "handle_clarification"
	TaskConvertToNWB        = "convert_to_nwb"
	TaskValidateNWB         = "validate_nwb"
)

// RegisterPayload announces an agent to the orchestrator.
type RegisterPayload struct {
	AgentName    string    `json:"agent_name"`
	AgentType    AgentType `json:"agent_type"`
	Capabilities []string  `json:"capabilities"`
	BaseURL      string    `json:"base_url"`
}

// ExecutePayload asks an agent to run a named task.
type ExecutePayload struct {
	Task       string         `json:"task"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseStatus is the outcome field of a response payload.
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseFailed  ResponseStatus = "failed"
)

// AgentError is the structured error bag of a failed response.
type AgentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ResponsePayload is what an agent returns for an executed task.
type ResponsePayload struct {
	Status ResponseStatus `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  *AgentError    `json:"error,omitempty"`
}

// ErrorPayload reports a protocol-level error outside a task response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthCheckPayload is the (empty) health probe payload.
type HealthCheckPayload struct{}

// HealthResponsePayload reports an agent's liveness.
type HealthResponsePayload struct {
	Status    string    `json:"status"`
	AgentName string    `json:"agent_name"`
	AgentType AgentType `json:"agent_type"`
}
