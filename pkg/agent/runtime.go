// Package agent holds the shared agent runtime (message intake, task
// dispatch, registration) and the three task implementations:
// conversation, conversion, and evaluation.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/models"
)

// DefaultAgentName returns the conventional process name for an agent
// type. Pipeline handoffs target these names unless overridden by
// configuration.
func DefaultAgentName(t models.AgentType) string {
	return string(t) + "_agent"
}

// TaskFunc executes one named task for a session. A returned
// *models.AgentError becomes the structured error bag of the failed
// response; any other error is reported as internal_error.
type TaskFunc func(ctx context.Context, sessionID string, params map[string]any) (map[string]any, error)

// Runtime is the shared agent shell: an HTTP listener that receives
// envelopes, a task dispatch table, and orchestrator registration.
type Runtime struct {
	cfg          *config.AgentConfig
	orch         *OrchestratorClient
	capabilities []string
	tasks        map[string]TaskFunc
	logger       *slog.Logger

	echo       *echo.Echo
	httpServer *http.Server
}

// NewRuntime creates an empty runtime; task handlers are added with
// RegisterTask before Start.
func NewRuntime(cfg *config.AgentConfig, orch *OrchestratorClient, capabilities []string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:          cfg,
		orch:         orch,
		capabilities: capabilities,
		tasks:        make(map[string]TaskFunc),
		logger:       logger,
		echo:         echo.New(),
	}
	r.echo.POST("/mcp/message", r.messageHandler)
	r.echo.GET("/health", r.healthHandler)
	return r
}

// RegisterTask adds a task handler to the dispatch table.
func (r *Runtime) RegisterTask(name string, fn TaskFunc) {
	r.tasks[name] = fn
}

// Handler exposes the HTTP handler for tests.
func (r *Runtime) Handler() http.Handler { return r.echo }

// Start blocks serving the agent endpoint on addr.
func (r *Runtime) Start(addr string) error {
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r.httpServer == nil {
		return nil
	}
	return r.httpServer.Shutdown(ctx)
}

// RegisterWithRetry announces the agent to the orchestrator, retrying
// with doubling backoff until it succeeds or ctx is cancelled. The
// orchestrator may simply not be up yet when an agent starts.
func (r *Runtime) RegisterWithRetry(ctx context.Context) error {
	payload := models.RegisterPayload{
		AgentName:    r.cfg.Name,
		AgentType:    r.cfg.Type,
		Capabilities: r.capabilities,
		BaseURL:      r.cfg.BaseURL,
	}

	delay := time.Second
	for {
		err := r.orch.Register(ctx, payload)
		if err == nil {
			r.logger.Info("Registered with orchestrator",
				"agent", r.cfg.Name, "orchestrator", r.cfg.OrchestratorURL)
			return nil
		}
		r.logger.Warn("Registration failed, retrying", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// messageHandler receives a typed envelope and dispatches on its message
// type. Task execution is synchronous: the response envelope carries the
// task outcome.
func (r *Runtime) messageHandler(c *echo.Context) error {
	var env models.Envelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !env.MessageType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown message type")
	}

	switch env.MessageType {
	case models.MessageAgentExecute:
		return r.handleExecute(c, &env)
	case models.MessageHealthCheck:
		return r.respond(c, &env, models.MessageHealthResponse, models.HealthResponsePayload{
			Status:    models.AgentStatusHealthy,
			AgentName: r.cfg.Name,
			AgentType: r.cfg.Type,
		})
	default:
		return r.respond(c, &env, models.MessageError, models.ErrorPayload{
			Code:    "unsupported_message_type",
			Message: string(env.MessageType) + " is not accepted by agents",
		})
	}
}

func (r *Runtime) handleExecute(c *echo.Context, env *models.Envelope) error {
	exec, err := models.DecodePayload[models.ExecutePayload](env)
	if err != nil {
		return r.respondFailed(c, env, "invalid_payload", err.Error())
	}

	fn, ok := r.tasks[exec.Task]
	if !ok {
		return r.respondFailed(c, env, "unknown_task", "task "+exec.Task+" is not supported by "+r.cfg.Name)
	}

	r.logger.Info("Executing task", "task", exec.Task, "session_id", env.SessionID)
	result, err := fn(c.Request().Context(), env.SessionID, exec.Parameters)
	if err != nil {
		var agentErr *models.AgentError
		if !errors.As(err, &agentErr) {
			agentErr = &models.AgentError{Code: "internal_error", Message: err.Error()}
		}
		r.logger.Error("Task failed",
			"task", exec.Task, "session_id", env.SessionID, "code", agentErr.Code, "error", err)
		return r.respond(c, env, models.MessageAgentResponse, models.ResponsePayload{
			Status: models.ResponseFailed,
			Error:  agentErr,
		})
	}

	r.logger.Info("Task completed", "task", exec.Task, "session_id", env.SessionID)
	return r.respond(c, env, models.MessageAgentResponse, models.ResponsePayload{
		Status: models.ResponseSuccess,
		Result: result,
	})
}

func (r *Runtime) respondFailed(c *echo.Context, env *models.Envelope, code, msg string) error {
	return r.respond(c, env, models.MessageAgentResponse, models.ResponsePayload{
		Status: models.ResponseFailed,
		Error:  &models.AgentError{Code: code, Message: msg},
	})
}

func (r *Runtime) respond(c *echo.Context, in *models.Envelope, mt models.MessageType, payload any) error {
	out, err := models.NewEnvelope(r.cfg.Name, in.SourceAgent, in.SessionID, mt, payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

// healthHandler handles GET /health.
func (r *Runtime) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthResponsePayload{
		Status:    models.AgentStatusHealthy,
		AgentName: r.cfg.Name,
		AgentType: r.cfg.Type,
	})
}
