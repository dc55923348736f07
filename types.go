package michi

import (
	"github.com/ashita-ai/michi/internal/eventrouter"
	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/tools"
)

// Public names for the types embedders exchange with the App. They are
// aliases, so values flow across the boundary without conversion.
type (
	// TargetKind selects which factory builds a runnable.
	TargetKind = model.TargetKind

	// ExecutionRecord is the persisted lifecycle of one run.
	ExecutionRecord = model.ExecutionRecord

	// RequestEvent is an inbound stream message after decoding.
	RequestEvent = model.RequestEvent

	// ResponseEvent is published after a request event has been handled.
	ResponseEvent = model.ResponseEvent

	// RoutingConfig is a full routing table snapshot.
	RoutingConfig = model.RoutingConfig

	// Deployment is one routable backend for a model name.
	Deployment = model.Deployment

	// Runnable is a built agent, team or workflow.
	Runnable = execution.Runnable

	// StreamingRunnable is a Runnable that also yields partial output.
	StreamingRunnable = execution.StreamingRunnable

	// RunOptions accompany every runnable invocation.
	RunOptions = execution.RunOptions

	// Rule routes request events by regular-expression match.
	Rule = eventrouter.Rule

	// Target is a resolved routing decision.
	Target = eventrouter.Target

	// MCPServerConfig describes how to reach an external MCP server.
	MCPServerConfig = tools.MCPServerConfig

	// ToolFunc is a tool implemented in Go.
	ToolFunc = tools.Func
)

// Target kinds.
const (
	TargetAgent    = model.TargetAgent
	TargetTeam     = model.TargetTeam
	TargetWorkflow = model.TargetWorkflow
)

// MCP connection types.
const (
	ConnectionCommand = tools.ConnectionCommand
	ConnectionURL     = tools.ConnectionURL
)

// DefaultRoutingConfig returns a routing table with no deployments and the
// default strategy, retry and cooldown settings.
func DefaultRoutingConfig() RoutingConfig {
	return model.DefaultRoutingConfig()
}
