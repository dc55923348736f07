package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
)

func readRequest(uri string) mcplib.ReadResourceRequest {
	req := mcplib.ReadResourceRequest{}
	req.Params.URI = uri
	return req
}

func resourceJSON(t *testing.T, contents []mcplib.ResourceContents) map[string]any {
	t.Helper()
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &m))
	return m
}

func TestHandleRouterConfig(t *testing.T) {
	s, _ := newTestServer(t)

	contents, err := s.handleRouterConfig(context.Background(), readRequest(routerConfigURI))
	require.NoError(t, err)
	m := resourceJSON(t, contents)

	assert.Equal(t, model.StrategyUsageBasedV2, m["routing_strategy"], "the seeded default strategy is served")
	list := m["model_list"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, "***", first["params"].(map[string]any)["api_key"], "credentials are masked")
}

func TestHandleExecutionResource(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleExecute(ctx, toolRequest("michi_execute", map[string]any{
		"kind": "agent", "id": knownAgent.String(), "input": "hi",
	}))
	require.NoError(t, err)
	id := parseToolJSON(t, result)["id"].(string)

	contents, err := s.handleExecutionResource(ctx, readRequest(executionURIPrefix+id))
	require.NoError(t, err)
	m := resourceJSON(t, contents)
	assert.Equal(t, id, m["id"])
	assert.Equal(t, "completed", m["status"])
	assert.Equal(t, "hi", m["input_payload"].(map[string]any)["content"])
}

func TestHandleExecutionResource_InvalidURI(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		uri       string
		errSubstr string
	}{
		{"wrong prefix", "other://executions/" + uuid.NewString(), "invalid execution URI"},
		{"not a uuid", executionURIPrefix + "abc", "invalid execution URI"},
		{"unknown id", executionURIPrefix + uuid.NewString(), "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.handleExecutionResource(ctx, readRequest(tt.uri))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}
