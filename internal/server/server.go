package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
)

// Server is the Michi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): DB, Redis, MCPServer, RateLimiter.
type ServerConfig struct {
	// Required dependencies.
	Executor Executor
	Router   Router
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        Pinger
	Redis     Pinger
	MCPServer *mcpserver.MCPServer

	// RateLimiter throttles POST /v1/execute per client IP.
	RateLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Embedder extension points.
	ExtraRoutes []func(*http.ServeMux)
	Middlewares []func(http.Handler) http.Handler // first = outermost
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Executor:            cfg.Executor,
		Router:              cfg.Router,
		DB:                  cfg.DB,
		Redis:               cfg.Redis,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Routing table management.
	mux.HandleFunc("GET /v1/router/config", h.HandleGetRouterConfig)
	mux.HandleFunc("PUT /v1/router/config", h.HandleReplaceRouterConfig)
	mux.HandleFunc("GET /v1/router/deployments", h.HandleListDeployments)
	mux.HandleFunc("POST /v1/router/deployments", h.HandleAddDeployment)
	mux.HandleFunc("DELETE /v1/router/deployments/{model}/{deployment_id}", h.HandleRemoveDeployment)
	mux.HandleFunc("GET /v1/router/health", h.HandleRouterHealth)

	// Executions.
	var execute http.Handler = http.HandlerFunc(h.HandleExecute)
	if cfg.RateLimiter != nil {
		execute = ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, writeRateLimited, cfg.Logger)(execute)
	}
	mux.Handle("POST /v1/execute/{kind}/{id}", execute)
	mux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)

	// MCP StreamableHTTP transport. Stateless, so any replica can serve a request.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithEndpointPath("/mcp"),
			mcpserver.WithStateLess(true),
		)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /health/ready", h.HandleReady)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func writeRateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
}
