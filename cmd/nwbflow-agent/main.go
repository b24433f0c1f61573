// nwbflow-agent runs one of the three pipeline agents (conversation,
// conversion, evaluation), selected by the -type flag. Each agent is its
// own process with its own LLM settings.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nwbflow/nwbflow/pkg/agent"
	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/llm"
	"github.com/nwbflow/nwbflow/pkg/models"
	"github.com/nwbflow/nwbflow/pkg/version"
)

func main() {
	agentType := flag.String("type", "", "Agent type: conversation, conversion, or evaluation")
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.LoadAgentFromEnv(models.AgentType(*agentType))
	if err != nil {
		slog.Error("Failed to load configuration", "type", *agentType, "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("Starting nwbflow agent",
		"version", version.Full(), "agent", cfg.Name, "type", cfg.Type, "port", cfg.Port)

	caller, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}

	orch := agent.NewOrchestratorClient(cfg.OrchestratorURL, cfg.Name)
	rt, err := buildRuntime(cfg, orch, caller)
	if err != nil {
		slog.Error("Failed to build agent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		slog.Info("Agent listening", "addr", addr)
		if err := rt.Start(addr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.RegisterWithRetry(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("Agent exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent stopped", "agent", cfg.Name)
}

// buildRuntime assembles the runtime for the configured agent type.
func buildRuntime(cfg *config.AgentConfig, orch *agent.OrchestratorClient, caller llm.Caller) (*agent.Runtime, error) {
	switch cfg.Type {
	case models.AgentConversation:
		rt := agent.NewRuntime(cfg, orch, agent.ConversationCapabilities, slog.Default())
		agent.NewConversationAgent(cfg, orch, caller, slog.Default()).RegisterTasks(rt)
		return rt, nil

	case models.AgentConversion:
		var converter agent.Converter
		if cfg.ConverterCmd != "" {
			converter = &agent.CommandConverter{Cmd: cfg.ConverterCmd}
		} else {
			slog.Warn("No converter command configured, conversion tasks will fail")
		}
		rt := agent.NewRuntime(cfg, orch, agent.ConversionCapabilities, slog.Default())
		agent.NewConversionAgent(cfg, orch, converter, caller, slog.Default()).RegisterTasks(rt)
		return rt, nil

	case models.AgentEvaluation:
		var inspector agent.Inspector
		if cfg.InspectorCmd != "" {
			inspector = &agent.CommandInspector{Cmd: cfg.InspectorCmd}
		} else {
			slog.Warn("No inspector command configured, validation will report metadata scores only")
		}
		rt := agent.NewRuntime(cfg, orch, agent.EvaluationCapabilities, slog.Default())
		agent.NewEvaluationAgent(cfg, orch, inspector, caller, slog.Default()).RegisterTasks(rt)
		return rt, nil
	}
	return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
