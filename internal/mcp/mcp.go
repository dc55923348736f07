// Package mcp implements the Model Context Protocol server for Michi.
//
// It exposes execution and routing management as MCP tools and resources so
// MCP-compatible agents can run other agents and inspect the model router.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/model"
)

// Executor runs and looks up executions.
type Executor interface {
	Run(ctx context.Context, req execution.RunRequest) (model.ExecutionRecord, error)
	Get(ctx context.Context, id uuid.UUID) (model.ExecutionRecord, error)
}

// Router is the read side of the routing table.
type Router interface {
	Config() model.RoutingConfig
	ListDeployments() []model.Deployment
	HealthInfo() model.RoutingHealth
}

// Server wraps the MCP server with Michi's execution engine and router.
type Server struct {
	mcpServer *mcpserver.MCPServer
	executor  Executor
	router    Router
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(executor Executor, router Router, logger *slog.Logger, version string) *Server {
	s := &Server{
		executor: executor,
		router:   router,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"michi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Michi runs agents, teams and workflows and routes model calls across deployments.

Use michi_execute to run a target by kind and id. The result reports a terminal
status (completed or failed); a failed run is still a successful tool call and
carries the error on the record. Use michi_get_execution to re-read a record.

Use michi_router_health and michi_list_deployments to inspect the model router.`
