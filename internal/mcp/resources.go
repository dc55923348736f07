package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/michi/internal/storage"
)

const (
	routerConfigURI    = "michi://router/config"
	executionURIPrefix = "michi://executions/"
)

func (s *Server) registerResources() {
	// michi://router/config: the live routing config with credentials masked.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			routerConfigURI,
			"Router Config",
			mcplib.WithResourceDescription("Live model routing configuration"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRouterConfig,
	)

	// michi://executions/{id}: one execution record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			executionURIPrefix+"{id}",
			"Execution",
			mcplib.WithTemplateDescription("A stored execution record"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleExecutionResource,
	)
}

func (s *Server) handleRouterConfig(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cfg := s.router.Config()
	deployments := make([]map[string]any, len(cfg.ModelList))
	for i, d := range cfg.ModelList {
		deployments[i] = compactDeployment(d)
	}

	data, err := json.MarshalIndent(map[string]any{
		"routing_strategy":         cfg.RoutingStrategy,
		"num_retries":              cfg.NumRetries,
		"timeout":                  cfg.Timeout,
		"allowed_fails":            cfg.AllowedFails,
		"cooldown_time":            cfg.CooldownTime,
		"fallbacks":                cfg.Fallbacks,
		"default_fallbacks":        cfg.DefaultFallbacks,
		"context_window_fallbacks": cfg.ContextWindowFallbacks,
		"enable_pre_call_checks":   cfg.EnablePreCallChecks,
		"enable_tag_filtering":     cfg.EnableTagFiltering,
		"redis_url":                cfg.RedactedRedisURL(),
		"model_list":               deployments,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal router config: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      routerConfigURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleExecutionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, executionURIPrefix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid execution URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid execution URI: %s", uri)
	}

	rec, err := s.executor.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("mcp: execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: read execution: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal execution: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
