// Package api exposes the orchestrator over HTTP: the versioned client
// API, the internal agent endpoints, and the health probe.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nwbflow/nwbflow/pkg/config"
	"github.com/nwbflow/nwbflow/pkg/orchestrator"
)

// Server wires the HTTP routes onto the orchestrator service.
type Server struct {
	cfg  *config.ServerConfig
	svc  *orchestrator.Service
	echo *echo.Echo

	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.ServerConfig, svc *orchestrator.Service) *Server {
	s := &Server{
		cfg:  cfg,
		svc:  svc,
		echo: echo.New(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions/initialize", s.initializeSessionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id/status", s.sessionStatusHandler)
	v1.POST("/sessions/:id/clarify", s.clarifySessionHandler)
	v1.GET("/sessions/:id/result", s.sessionResultHandler)
	v1.DELETE("/sessions/:id", s.deleteSessionHandler)

	internal := s.echo.Group("/internal")
	internal.POST("/register_agent", s.registerAgentHandler)
	internal.GET("/sessions/:id/context", s.getContextHandler)
	internal.PATCH("/sessions/:id/context", s.patchContextHandler)
	internal.POST("/route_message", s.routeMessageHandler)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks serving HTTP on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
