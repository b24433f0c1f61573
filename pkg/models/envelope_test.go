package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("orchestrator", "conversion_agent", "sess-1",
		MessageAgentExecute, ExecutePayload{Task: TaskConvertToNWB})
	require.NoError(t, err)

	assert.NotEmpty(t, env.MessageID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, "orchestrator", env.SourceAgent)
	assert.Equal(t, "conversion_agent", env.TargetAgent)
	assert.Equal(t, "sess-1", env.SessionID)
	assert.Equal(t, MessageAgentExecute, env.MessageType)
	assert.NotEmpty(t, env.Payload)

	// Distinct envelopes get distinct IDs.
	env2, err := NewEnvelope("orchestrator", "conversion_agent", "sess-1",
		MessageAgentExecute, nil)
	require.NoError(t, err)
	assert.NotEqual(t, env.MessageID, env2.MessageID)
}

func TestNewEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := NewEnvelope("a", "b", "", MessageType("gossip"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestDecodePayload(t *testing.T) {
	env, err := NewEnvelope("conversation_agent", "orchestrator", "sess-1",
		MessageAgentResponse, ResponsePayload{
			Status: ResponseFailed,
			Error:  &AgentError{Code: "unsupported_format", Message: "not OpenEphys"},
		})
	require.NoError(t, err)

	// Simulate a wire round trip.
	data, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	payload, err := DecodePayload[ResponsePayload](&decoded)
	require.NoError(t, err)
	assert.Equal(t, ResponseFailed, payload.Status)
	require.NotNil(t, payload.Error)
	assert.Equal(t, "unsupported_format", payload.Error.Code)
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{MessageType: MessageHealthCheck}
	payload, err := DecodePayload[HealthCheckPayload](env)
	require.NoError(t, err)
	assert.NotNil(t, payload)
}

func TestDecodePayloadMalformed(t *testing.T) {
	env := &Envelope{MessageType: MessageAgentExecute, Payload: json.RawMessage(`{"task": 42}`)}
	_, err := DecodePayload[ExecutePayload](env)
	assert.Error(t, err)
}

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		MessageAgentRegister, MessageAgentExecute, MessageAgentResponse,
		MessageContextUpdate, MessageError, MessageHealthCheck, MessageHealthResponse,
	} {
		assert.True(t, mt.Valid(), string(mt))
	}
	assert.False(t, MessageType("broadcast").Valid())
}
