// Package orchestrator implements the session workflow: lifecycle
// operations for clients, the context patch and handoff endpoints for
// agents, and the failure and retry semantics between them. All state
// lives in the session store; the orchestrator is the only writer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/registry"
	"github.com/nwbflow/nwbflow/pkg/router"
	"github.com/nwbflow/nwbflow/pkg/store"
)

// Service coordinates sessions, agents, and the store.
type Service struct {
	cfg      *config.ServerConfig
	store    *store.Store
	registry *registry.Registry
	router   *router.Router
	logger   *slog.Logger

	// locks holds one mutex per session. Agent patches and the dispatch
	// goroutine's history settles write the same record concurrently;
	// every get -> mutate -> update cycle must hold the session's lock.
	locks sync.Map
}

// lockSession acquires the session's mutex and returns its unlock.
func (s *Service) lockSession(sessionID string) func() {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// New wires a service from its dependencies.
func New(cfg *config.ServerConfig, st *store.Store, reg *registry.Registry, rt *router.Router, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, store: st, registry: reg, router: rt, logger: logger}
}

// Registry exposes the agent directory for health reporting.
func (s *Service) Registry() *registry.Registry { return s.registry }

// StoreHealthy reports whether the cache tier answers pings.
func (s *Service) StoreHealthy(ctx context.Context) bool { return s.store.Ping(ctx) }

// Initialize creates a session and dispatches the conversation agent's
// initialization task. The call returns once dispatch has begun; clients
// observe progress by polling status.
func (s *Service) Initialize(ctx context.Context, datasetPath string) (*models.SessionContext, error) {
	conv, err := s.registry.GetByType(models.AgentConversation)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, models.AgentConversation)
	}

	sc := models.NewSessionContext(uuid.NewString())
	sc.CurrentAgent = conv.Name
	appendHistory(sc, conv.Name)

	if err := s.store.Create(ctx, sc); err != nil {
		return nil, err
	}

	s.logger.Info("Session initialized",
		"session_id", sc.SessionID, "dataset_path", datasetPath, "agent", conv.Name)

	go s.dispatch(sc.SessionID, conv.Name, models.TaskInitializeSession, map[string]any{
		"dataset_path": datasetPath,
	})
	return sc.Clone(), nil
}

// Get returns the session context, or ErrNotFound.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	sc, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	return sc, nil
}

// Clarify accepts user input for a failed session, clears the
// clarification flags, and dispatches the conversation agent's
// clarification task. The agent applies metadata overrides and requests a
// retry handoff into conversion.
func (s *Service) Clarify(ctx context.Context, sessionID, userInput string, updatedMetadata map[string]string) (*models.SessionContext, error) {
	defer s.lockSession(sessionID)()

	sc, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sc.RequiresUserClarification {
		return nil, fmt.Errorf("%w: session %s has no pending clarification", ErrInvalidState, sessionID)
	}

	conv, err := s.registry.GetByType(models.AgentConversation)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, models.AgentConversation)
	}

	sc.RequiresUserClarification = false
	sc.ClarificationPrompt = ""
	sc.CurrentAgent = conv.Name
	appendHistory(sc, conv.Name)

	if err := s.store.Update(ctx, sc); err != nil {
		return nil, err
	}

	s.logger.Info("Clarification accepted", "session_id", sessionID, "agent", conv.Name)

	params := map[string]any{"user_input": userInput}
	if len(updatedMetadata) > 0 {
		params["updated_metadata"] = updatedMetadata
	}
	go s.dispatch(sessionID, conv.Name, models.TaskHandleClarification, params)
	return sc.Clone(), nil
}

// Result returns the context of a completed session, or ErrNotCompleted.
func (s *Service) Result(ctx context.Context, sessionID string) (*models.SessionContext, error) {
	sc, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sc.WorkflowStage != models.StageCompleted {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotCompleted, sessionID, sc.WorkflowStage)
	}
	return sc, nil
}

// Delete removes the session from both store tiers.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.locks.Delete(sessionID)
	return nil
}

// List returns every durable session context, skipping records that fail
// to load.
func (s *Service) List(ctx context.Context) ([]*models.SessionContext, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SessionContext, 0, len(ids))
	for _, id := range ids {
		sc, err := s.store.Get(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable session record", "session_id", id, "error", err)
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// RegisterAgent validates and records an agent announcement.
func (s *Service) RegisterAgent(rec models.AgentRecord) error {
	if rec.Name == "" || rec.BaseURL == "" {
		return fmt.Errorf("%w: agent_name and base_url are required", ErrInvalidPatch)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: unknown agent type %q", ErrInvalidPatch, rec.Type)
	}
	s.registry.Register(rec)
	s.logger.Info("Agent registered", "agent", rec.Name, "type", rec.Type, "base_url", rec.BaseURL)
	return nil
}

// ApplyPatch validates and applies an agent's context patch atomically.
func (s *Service) ApplyPatch(ctx context.Context, sessionID string, patch *ContextPatch) (*models.SessionContext, error) {
	defer s.lockSession(sessionID)()

	sc, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := patch.apply(sc); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// RouteMessage performs an agent-requested handoff: it checks that the
// source holds the session's execution slot, advances the stage for the
// target task, records history, and dispatches the routed execute.
func (s *Service) RouteMessage(ctx context.Context, source, target, task, sessionID string, params map[string]any) error {
	defer s.lockSession(sessionID)()

	sc, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sc.CurrentAgent != source {
		return fmt.Errorf("%w: agent %s does not hold the execution slot for session %s",
			ErrInvalidState, source, sessionID)
	}

	tgt, err := s.registry.Get(target)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAgentUnavailable, target)
	}

	var next models.WorkflowStage
	switch {
	case tgt.Type == models.AgentConversion && task == models.TaskConvertToNWB:
		if sc.DatasetInfo == nil || sc.Metadata == nil {
			return fmt.Errorf("%w: conversion requires dataset_info and metadata", ErrInvalidState)
		}
		next = models.StageConverting
	case tgt.Type == models.AgentEvaluation && task == models.TaskValidateNWB:
		if sc.OutputNWBPath == "" {
			return fmt.Errorf("%w: evaluation requires output_nwb_path", ErrInvalidState)
		}
		next = models.StageEvaluating
	default:
		return fmt.Errorf("%w: no route for task %q to agent type %s", ErrInvalidState, task, tgt.Type)
	}

	if !sc.WorkflowStage.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sc.WorkflowStage, next)
	}
	if next == models.StageConverting && sc.RequiresUserClarification {
		return fmt.Errorf("%w: retry requires clarification first", ErrInvalidTransition)
	}

	sc.WorkflowStage = next
	sc.CurrentAgent = target
	appendHistory(sc, target)

	if err := s.store.Update(ctx, sc); err != nil {
		return err
	}

	s.logger.Info("Handoff routed",
		"session_id", sessionID, "source", source, "target", target,
		"task", task, "stage", next)

	go s.dispatch(sessionID, target, task, params)
	return nil
}

// RunJanitor purges durable records older than the retention window until
// ctx is cancelled.
func (s *Service) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.RetentionWindow)
			n, err := s.store.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				s.logger.Warn("Session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("Purged expired sessions", "count", n, "cutoff", cutoff)
			}
		}
	}
}

// dispatch runs a routed execute in the background and settles the
// session afterwards. It uses its own deadline: the originating HTTP
// request has long since returned.
func (s *Service) dispatch(sessionID, agentName, task string, params map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RouterMaxTimeout)
	defer cancel()

	s.logger.Info("Dispatching task", "session_id", sessionID, "agent", agentName, "task", task)

	if _, err := s.router.Execute(ctx, agentName, task, sessionID, params); err != nil {
		s.handleAgentFailure(ctx, sessionID, agentName, err)
		return
	}
	s.markAgentSuccess(ctx, sessionID, agentName)
}

// markAgentSuccess closes the agent's open history entry. The agent's own
// patches (results, stage advance) have already been applied through the
// internal endpoints by the time its execute call returns.
func (s *Service) markAgentSuccess(ctx context.Context, sessionID, agentName string) {
	defer s.lockSession(sessionID)()

	sc, err := s.Get(ctx, sessionID)
	if err != nil {
		s.logger.Error("Cannot record agent success", "session_id", sessionID, "error", err)
		return
	}
	if !closeHistory(sc, agentName, models.ExecutionSuccess, "", "") {
		return
	}
	if err := s.store.Update(ctx, sc); err != nil {
		s.logger.Error("Cannot persist agent success", "session_id", sessionID, "error", err)
	}
}

// handleAgentFailure moves the session to failed, records the full error
// in history, and arms the clarification prompt with the most
// user-readable message available.
func (s *Service) handleAgentFailure(ctx context.Context, sessionID, agentName string, err error) {
	code, userMsg := failureDetail(agentName, err)
	s.logger.Error("Agent execution failed",
		"session_id", sessionID, "agent", agentName, "code", code, "error", err)

	defer s.lockSession(sessionID)()

	sc, getErr := s.Get(ctx, sessionID)
	if getErr != nil {
		s.logger.Error("Cannot record agent failure", "session_id", sessionID, "error", getErr)
		return
	}

	closeHistory(sc, agentName, models.ExecutionFailed, userMsg, err.Error())
	if sc.WorkflowStage != models.StageFailed {
		if sc.WorkflowStage.CanTransitionTo(models.StageFailed) {
			sc.WorkflowStage = models.StageFailed
		} else {
			// Completed sessions stay completed even if a stray late
			// response errors out.
			s.logger.Warn("Ignoring failure in terminal stage",
				"session_id", sessionID, "stage", sc.WorkflowStage)
			if err := s.store.Update(ctx, sc); err != nil {
				s.logger.Error("Cannot persist history", "session_id", sessionID, "error", err)
			}
			return
		}
	}
	sc.CurrentAgent = ""
	sc.RequiresUserClarification = true
	sc.ClarificationPrompt = userMsg

	if err := s.store.Update(ctx, sc); err != nil {
		s.logger.Error("Cannot persist agent failure", "session_id", sessionID, "error", err)
	}
}

// failureDetail maps a routing error onto an error code and a prompt a
// user can act on.
func failureDetail(agentName string, err error) (code, userMsg string) {
	var remote *router.RemoteError
	if errors.As(err, &remote) {
		return remote.Code, remote.Detail
	}
	var timeout *router.TimeoutError
	if errors.As(err, &timeout) {
		return "agent_timeout", fmt.Sprintf(
			"The %s agent did not respond within %s. Check that the agent process is running, then submit clarify to retry.",
			agentName, timeout.Timeout)
	}
	return "agent_unreachable", fmt.Sprintf(
		"The %s agent could not be reached. Check that the agent process is running, then submit clarify to retry.",
		agentName)
}

func appendHistory(sc *models.SessionContext, agentName string) {
	sc.AgentHistory = append(sc.AgentHistory, models.AgentExecution{
		AgentName: agentName,
		StartedAt: time.Now().UTC(),
		Status:    models.ExecutionInProgress,
	})
}

// closeHistory settles the most recent in_progress entry for agentName.
// Returns false when no open entry exists.
func closeHistory(sc *models.SessionContext, agentName string, status models.ExecutionStatus, errMsg, errTrace string) bool {
	for i := len(sc.AgentHistory) - 1; i >= 0; i-- {
		e := &sc.AgentHistory[i]
		if e.AgentName != agentName || e.Status != models.ExecutionInProgress {
			continue
		}
		now := time.Now().UTC()
		e.CompletedAt = &now
		e.Status = status
		e.ErrorMessage = errMsg
		e.ErrorTrace = errTrace
		return true
	}
	return false
}
