package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

func (s *Server) registerTools() {
	// michi_execute runs an agent, team or workflow to completion.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_execute",
			mcplib.WithDescription(`Run an agent, team or workflow and wait for its result.

The call returns the execution record once it reaches a terminal state.
A status of "failed" means the target ran (or could not be resolved) and
the error field explains why; it is not a tool error.

EXAMPLE: kind="agent", id="0b6f...", input="summarize the incident report"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("kind",
				mcplib.Description("What to run"),
				mcplib.Enum(string(model.TargetAgent), string(model.TargetTeam), string(model.TargetWorkflow)),
				mcplib.Required(),
			),
			mcplib.WithString("id",
				mcplib.Description("UUID of the agent, team or workflow"),
				mcplib.Required(),
			),
			mcplib.WithString("input",
				mcplib.Description("Input text passed to the target"),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional conversation session to continue"),
			),
		),
		s.handleExecute,
	)

	// michi_get_execution reads a stored execution record.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_get_execution",
			mcplib.WithDescription("Read a stored execution record by id."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("execution_id",
				mcplib.Description("UUID returned by michi_execute"),
				mcplib.Required(),
			),
		),
		s.handleGetExecution,
	)

	// michi_router_health reports the model router's state.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_router_health",
			mcplib.WithDescription("Report the model router's strategy, deployment count and cooldown state."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleRouterHealth,
	)

	// michi_list_deployments lists model deployments, optionally for one model.
	s.mcpServer.AddTool(
		mcplib.NewTool("michi_list_deployments",
			mcplib.WithDescription("List the model deployments the router can dispatch to. Credentials are masked."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("model_name",
				mcplib.Description("Optional: only deployments serving this model"),
			),
		),
		s.handleListDeployments,
	)
}

func (s *Server) handleExecute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kind, ok := model.ParseTargetKind(request.GetString("kind", ""))
	if !ok {
		return errorResult("kind must be one of agent, team, workflow"), nil
	}
	id, err := uuid.Parse(request.GetString("id", ""))
	if err != nil {
		return errorResult("id must be a UUID"), nil
	}
	input := request.GetString("input", "")
	if input == "" {
		return errorResult("input is required"), nil
	}
	if len(input) > model.MaxInputContentLen {
		return errorResult(fmt.Sprintf("input exceeds maximum length of %d bytes", model.MaxInputContentLen)), nil
	}

	req := execution.RunRequest{
		Kind:     kind,
		TargetID: id,
		Input:    input,
		Metadata: map[string]any{"source": "mcp"},
	}
	if sid := request.GetString("session_id", ""); sid != "" {
		req.SessionID = &sid
	}

	rec, err := s.executor.Run(ctx, req)
	if err != nil {
		s.logger.Error("mcp: execute failed", "kind", kind, "target_id", id, "error", err)
		return errorResult(fmt.Sprintf("failed to execute: %v", err)), nil
	}
	return jsonResult(compactExecution(rec))
}

func (s *Server) handleGetExecution(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("execution_id", ""))
	if err != nil {
		return errorResult("execution_id must be a UUID"), nil
	}
	rec, err := s.executor.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("execution %s not found", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read execution: %v", err)), nil
	}
	return jsonResult(compactExecution(rec))
}

func (s *Server) handleRouterHealth(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	h := s.router.HealthInfo()
	return jsonResult(map[string]any{
		"summary": routingSummary(h),
		"health":  h,
	})
}

func (s *Server) handleListDeployments(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := request.GetString("model_name", "")
	all := s.router.ListDeployments()

	out := make([]map[string]any, 0, len(all))
	for _, d := range all {
		if filter != "" && d.ModelName != filter {
			continue
		}
		out = append(out, compactDeployment(d))
	}
	return jsonResult(map[string]any{
		"deployments": out,
		"total":       len(out),
		"models":      modelNames(all),
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
