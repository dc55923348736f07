package michi

import (
	"context"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/eventrouter"
	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/secrets"
)

// Extension interfaces. Embedders implement these and pass them through the
// With* options; the App never requires any of them.
type (
	// AgentFactory builds runnable agents. Without one, agent executions fail
	// with "no factory configured".
	AgentFactory = execution.AgentFactory

	// TeamFactory builds runnable teams.
	TeamFactory = execution.TeamFactory

	// WorkflowFactory builds runnable workflows.
	WorkflowFactory = execution.WorkflowFactory

	// DefaultRouteLookup resolves the fallback target for an event source
	// when neither an explicit target nor a rule matched.
	DefaultRouteLookup = eventrouter.DefaultRouteLookup

	// SecretResolver looks up the values behind os.environ/NAME references
	// in deployment parameters. found=false leaves the reference unresolved.
	SecretResolver = secrets.Resolver
)

// RouteRegistrar registers additional routes on the shared HTTP mux. Extra
// routes share the middleware chain and OTEL instrumentation with the
// built-in ones. Called once during New, after the built-in routes.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler

// ToolRegistry gives runnables access to Go function tools and to pooled
// connections to external MCP servers.
type ToolRegistry interface {
	// Function returns a tool registered with WithFunctionTool.
	Function(name string) (ToolFunc, error)

	// Functions lists registered function tool names, sorted.
	Functions() []string

	// MCP returns a shared, initialized connection for cfg. Equal configs
	// share one connection for the App's lifetime.
	MCP(ctx context.Context, cfg MCPServerConfig) (ToolConnection, error)
}

// ToolConnection is an initialized connection to an external MCP server.
type ToolConnection interface {
	// ToolNames returns the exposed tool names with the configured prefix applied.
	ToolNames() []string

	// CallTool invokes a tool by its prefixed name.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error)
}
