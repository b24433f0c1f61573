package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/registry"
	"github.com/nwbflow/nwbflow/pkg/router"
	"github.com/nwbflow/nwbflow/pkg/store"
)

func newTestService(t *testing.T) (*Service, *registry.Registry, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := store.New(client, t.TempDir(), time.Hour)
	require.NoError(t, err)

	cfg := &config.ServerConfig{
		CacheTTL:         time.Hour,
		RouterTimeout:    2 * time.Second,
		RouterMaxTimeout: 5 * time.Second,
		RetentionWindow:  time.Hour,
		CleanupInterval:  10 * time.Millisecond,
	}
	reg := registry.New()
	rt := router.New(reg, cfg.RouterTimeout)
	return New(cfg, st, reg, rt, slog.Default()), reg, st
}

// registerFakeAgent serves /mcp/message with the given responder and adds
// the agent to the registry.
func registerFakeAgent(t *testing.T, reg *registry.Registry, name string, agentType models.AgentType, respond func(exec *models.ExecutePayload) models.ResponsePayload) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env models.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		exec, err := models.DecodePayload[models.ExecutePayload](&env)
		require.NoError(t, err)

		out, err := models.NewEnvelope(name, env.SourceAgent, env.SessionID,
			models.MessageAgentResponse, respond(exec))
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	t.Cleanup(srv.Close)
	reg.Register(models.AgentRecord{Name: name, Type: agentType, BaseURL: srv.URL})
}

// waitDispatchSettled blocks until the session's most recent history
// entry leaves in_progress, so the background dispatch goroutine cannot
// race the test's temp store directory cleanup.
func waitDispatchSettled(t *testing.T, svc *Service, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), sessionID)
		return err == nil && len(got.AgentHistory) > 0 &&
			got.AgentHistory[len(got.AgentHistory)-1].Status != models.ExecutionInProgress
	}, 2*time.Second, 20*time.Millisecond)
}

func succeed(*models.ExecutePayload) models.ResponsePayload {
	return models.ResponsePayload{Status: models.ResponseSuccess}
}

func failWith(code, msg string) func(*models.ExecutePayload) models.ResponsePayload {
	return func(*models.ExecutePayload) models.ResponsePayload {
		return models.ResponsePayload{
			Status: models.ResponseFailed,
			Error:  &models.AgentError{Code: code, Message: msg},
		}
	}
}

func TestInitializeRequiresConversationAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Initialize(context.Background(), "/data/rec")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestInitializeDispatchesConversationAgent(t *testing.T) {
	svc, reg, _ := newTestService(t)
	ctx := context.Background()

	var gotTask string
	registerFakeAgent(t, reg, "conversation_agent", models.AgentConversation,
		func(exec *models.ExecutePayload) models.ResponsePayload {
			gotTask = exec.Task
			assert.Equal(t, "/data/rec", exec.Parameters["dataset_path"])
			return succeed(exec)
		})

	sc, err := svc.Initialize(ctx, "/data/rec")
	require.NoError(t, err)
	assert.Equal(t, models.StageInitialized, sc.WorkflowStage)
	assert.Equal(t, "conversation_agent", sc.CurrentAgent)
	require.Len(t, sc.AgentHistory, 1)
	assert.Equal(t, models.ExecutionInProgress, sc.AgentHistory[0].Status)

	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, sc.SessionID)
		return err == nil && len(got.AgentHistory) == 1 &&
			got.AgentHistory[0].Status == models.ExecutionSuccess
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, models.TaskInitializeSession, gotTask)
}

func TestAgentFailureArmsClarification(t *testing.T) {
	svc, reg, _ := newTestService(t)
	ctx := context.Background()

	registerFakeAgent(t, reg, "conversation_agent", models.AgentConversation,
		failWith("unsupported_format", "The directory is not an OpenEphys recording."))

	sc, err := svc.Initialize(ctx, "/data/bad")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, sc.SessionID)
		return err == nil && got.WorkflowStage == models.StageFailed
	}, 2*time.Second, 20*time.Millisecond)

	got, err := svc.Get(ctx, sc.SessionID)
	require.NoError(t, err)
	assert.True(t, got.RequiresUserClarification)
	assert.Equal(t, "The directory is not an OpenEphys recording.", got.ClarificationPrompt)
	assert.Empty(t, got.CurrentAgent)
	require.Len(t, got.AgentHistory, 1)
	assert.Equal(t, models.ExecutionFailed, got.AgentHistory[0].Status)
	assert.NotEmpty(t, got.AgentHistory[0].ErrorTrace)
}

func TestUnreachableAgentArmsClarification(t *testing.T) {
	svc, reg, _ := newTestService(t)
	ctx := context.Background()

	reg.Register(models.AgentRecord{
		Name: "conversation_agent", Type: models.AgentConversation,
		BaseURL: "http://127.0.0.1:1",
	})

	sc, err := svc.Initialize(ctx, "/data/rec")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Get(ctx, sc.SessionID)
		return err == nil && got.WorkflowStage == models.StageFailed && got.RequiresUserClarification
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClarifyInvalidState(t *testing.T) {
	svc, reg, _ := newTestService(t)
	registerFakeAgent(t, reg, "conversation_agent", models.AgentConversation, succeed)

	sc, err := svc.Initialize(context.Background(), "/data/rec")
	require.NoError(t, err)

	_, err = svc.Clarify(context.Background(), sc.SessionID, "try again", nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	waitDispatchSettled(t, svc, sc.SessionID)
}

func TestClarifyClearsFlagsAndDispatches(t *testing.T) {
	svc, reg, st := newTestService(t)
	ctx := context.Background()

	var gotTask string
	var gotInput any
	registerFakeAgent(t, reg, "conversation_agent", models.AgentConversation,
		func(exec *models.ExecutePayload) models.ResponsePayload {
			gotTask = exec.Task
			gotInput = exec.Parameters["user_input"]
			return succeed(exec)
		})

	sc := models.NewSessionContext("failed-session")
	sc.WorkflowStage = models.StageFailed
	sc.RequiresUserClarification = true
	sc.ClarificationPrompt = "fix the species"
	require.NoError(t, st.Create(ctx, sc))

	got, err := svc.Clarify(ctx, sc.SessionID, "species is mouse", map[string]string{"species": "Mus musculus"})
	require.NoError(t, err)
	assert.False(t, got.RequiresUserClarification)
	assert.Empty(t, got.ClarificationPrompt)
	assert.Equal(t, "conversation_agent", got.CurrentAgent)

	require.Eventually(t, func() bool {
		return gotTask == models.TaskHandleClarification
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "species is mouse", gotInput)

	waitDispatchSettled(t, svc, sc.SessionID)
}

func TestResultRequiresCompletion(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.Result(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	sc := models.NewSessionContext("in-flight")
	sc.WorkflowStage = models.StageConverting
	require.NoError(t, st.Create(ctx, sc))

	_, err = svc.Result(ctx, sc.SessionID)
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestRouteMessageEnforcesExecutionSlot(t *testing.T) {
	svc, reg, st := newTestService(t)
	ctx := context.Background()

	registerFakeAgent(t, reg, "conversion_agent", models.AgentConversion, succeed)

	sc := models.NewSessionContext("s1")
	sc.WorkflowStage = models.StageCollectingMetadata
	sc.CurrentAgent = "conversation_agent"
	sc.DatasetInfo = &models.DatasetInfo{Path: "/data/rec"}
	sc.Metadata = &models.ExtractedMetadata{}
	require.NoError(t, st.Create(ctx, sc))

	err := svc.RouteMessage(ctx, "evaluation_agent", "conversion_agent",
		models.TaskConvertToNWB, sc.SessionID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRouteMessageAdvancesStage(t *testing.T) {
	svc, reg, st := newTestService(t)
	ctx := context.Background()

	registerFakeAgent(t, reg, "conversion_agent", models.AgentConversion, succeed)

	sc := models.NewSessionContext("s1")
	sc.WorkflowStage = models.StageCollectingMetadata
	sc.CurrentAgent = "conversation_agent"
	sc.DatasetInfo = &models.DatasetInfo{Path: "/data/rec"}
	sc.Metadata = &models.ExtractedMetadata{}
	require.NoError(t, st.Create(ctx, sc))

	require.NoError(t, svc.RouteMessage(ctx, "conversation_agent", "conversion_agent",
		models.TaskConvertToNWB, sc.SessionID, nil))

	got, err := svc.Get(ctx, sc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StageConverting, got.WorkflowStage)
	assert.Equal(t, "conversion_agent", got.CurrentAgent)
	require.NotEmpty(t, got.AgentHistory)
	assert.Equal(t, "conversion_agent", got.AgentHistory[len(got.AgentHistory)-1].AgentName)

	waitDispatchSettled(t, svc, sc.SessionID)
}

func TestRouteMessageRejectsMissingPreconditions(t *testing.T) {
	svc, reg, st := newTestService(t)
	ctx := context.Background()

	registerFakeAgent(t, reg, "evaluation_agent", models.AgentEvaluation, succeed)

	sc := models.NewSessionContext("s1")
	sc.WorkflowStage = models.StageConverting
	sc.CurrentAgent = "conversion_agent"
	require.NoError(t, st.Create(ctx, sc))

	// No output_nwb_path yet.
	err := svc.RouteMessage(ctx, "conversion_agent", "evaluation_agent",
		models.TaskValidateNWB, sc.SessionID, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestApplyPatchPersists(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	sc := models.NewSessionContext("s1")
	require.NoError(t, st.Create(ctx, sc))

	stage := models.StageCollectingMetadata
	_, err := svc.ApplyPatch(ctx, sc.SessionID, &ContextPatch{
		WorkflowStage: &stage,
		DatasetInfo:   &models.DatasetInfo{Path: "/data/rec"},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, sc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCollectingMetadata, got.WorkflowStage)
	require.NotNil(t, got.DatasetInfo)
	assert.Equal(t, "/data/rec", got.DatasetInfo.Path)
}

func TestDeleteSession(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Delete(ctx, "ghost"), ErrNotFound)

	sc := models.NewSessionContext("s1")
	require.NoError(t, st.Create(ctx, sc))
	require.NoError(t, svc.Delete(ctx, sc.SessionID))

	_, err := svc.Get(ctx, sc.SessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterAgentValidation(t *testing.T) {
	svc, reg, _ := newTestService(t)

	err := svc.RegisterAgent(models.AgentRecord{Name: "", Type: models.AgentConversation, BaseURL: "http://x"})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	err = svc.RegisterAgent(models.AgentRecord{Name: "a", Type: models.AgentType("janitor"), BaseURL: "http://x"})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	require.NoError(t, svc.RegisterAgent(models.AgentRecord{
		Name: "conversation_agent", Type: models.AgentConversation, BaseURL: "http://x",
	}))
	_, err = reg.Get("conversation_agent")
	assert.NoError(t, err)
}

func TestJanitorPurgesExpiredSessions(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create persists last_updated as-is; only Update refreshes it.
	old := models.NewSessionContext("stale")
	old.LastUpdated = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.Create(context.Background(), old))

	go svc.RunJanitor(ctx)

	require.Eventually(t, func() bool {
		ids, err := st.List(context.Background())
		return err == nil && len(ids) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConcurrentPatchAndHistorySettle(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	const rounds = 100
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("race-%d", i)
		sc := models.NewSessionContext(id)
		sc.WorkflowStage = models.StageConverting
		sc.CurrentAgent = "conversion_agent"
		appendHistory(sc, "conversion_agent")
		require.NoError(t, st.Create(ctx, sc))

		patch := &ContextPatch{
			ConversionResults: &models.ConversionResult{Status: models.ConversionSuccess},
			OutputNWBPath:     strPtr("/out/" + id + ".nwb"),
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPatch(ctx, id, patch)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			svc.markAgentSuccess(ctx, id, "conversion_agent")
		}()
		wg.Wait()

		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.ConversionResults, "patch lost in round %d", i)
		assert.Equal(t, "/out/"+id+".nwb", got.OutputNWBPath)
		require.Len(t, got.AgentHistory, 1)
		assert.Equal(t, models.ExecutionSuccess, got.AgentHistory[0].Status, "history settle lost in round %d", i)
	}
}
