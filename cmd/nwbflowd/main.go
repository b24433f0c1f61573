// nwbflowd is the orchestrator server: it serves the client HTTP API,
// holds the agent registry, and drives session workflows through the
// registered agents.
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
	"github.com/redis/go-redis/v9"

	"github.com/nwbflow/nwbflow/pkg/api"
	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/orchestrator"
	"github.com/nwbflow/nwbflow/pkg/registry"
	"github.com/nwbflow/nwbflow/pkg/router"
	"github.com/nwbflow/nwbflow/pkg/store"
	"github.com/nwbflow/nwbflow/pkg/version"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.LoadServerFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("Starting nwbflow orchestrator",
		"version", version.Full(), "port", cfg.Port, "store", cfg.SessionStorePath)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid Redis URL", "url", cfg.RedisURL, "error", err)
		os.Exit(1)
	}
	cache := redis.NewClient(redisOpts)
	defer func() {
		if err := cache.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := cache.Ping(pingCtx).Err(); err != nil {
		// Sessions survive on the durable tier alone.
		slog.Warn("Redis unreachable at startup, running on durable tier only", "error", err)
	}
	pingCancel()

	sessionStore, err := store.New(cache, cfg.SessionStorePath, cfg.CacheTTL)
	if err != nil {
		slog.Error("Failed to open session store", "path", cfg.SessionStorePath, "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	rt := router.New(reg, cfg.RouterTimeout)
	svc := orchestrator.New(cfg, sessionStore, reg, rt, slog.Default())

	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()
	go svc.RunJanitor(janitorCtx)

	httpServer := api.NewServer(cfg, svc)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	janitorCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Orchestrator stopped")
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
