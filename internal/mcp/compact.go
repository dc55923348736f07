package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/michi/internal/model"
)

const maxCompactContent = 2000

// redactedParams are deployment params never echoed back to MCP clients.
var redactedParams = map[string]bool{
	"api_key":               true,
	"api_secret":            true,
	"aws_secret_access_key": true,
	"password":              true,
}

// compactExecution returns the fields an agent acts on. Input payload, owner
// and bookkeeping timestamps are dropped; long output content is truncated.
func compactExecution(rec model.ExecutionRecord) map[string]any {
	m := map[string]any{
		"id":          rec.ID,
		"target_type": rec.TargetKind,
		"target_id":   rec.TargetID(),
		"status":      rec.Status,
	}
	if rec.OutputPayload != nil {
		if rec.OutputPayload.Content != nil {
			m["content"] = truncate(*rec.OutputPayload.Content, maxCompactContent)
		}
		if rec.OutputPayload.StructuredData != nil {
			m["structured_data"] = rec.OutputPayload.StructuredData
		}
	}
	if rec.ErrorMessage != nil {
		m["error"] = *rec.ErrorMessage
	}
	if rec.DurationMs != nil {
		m["duration_ms"] = *rec.DurationMs
	}
	if rec.SessionID != nil {
		m["session_id"] = *rec.SessionID
	}
	if tokens := rec.Tokens(); len(tokens) > 0 {
		m["tokens"] = tokens
	}
	return m
}

// compactDeployment returns a deployment with credential params masked.
func compactDeployment(d model.Deployment) map[string]any {
	params := make(map[string]any, len(d.Params))
	for k, v := range d.Params {
		if redactedParams[strings.ToLower(k)] {
			params[k] = "***"
			continue
		}
		params[k] = v
	}
	m := map[string]any{
		"id":         d.ID(),
		"model_name": d.ModelName,
		"params":     params,
	}
	if tags := d.AllTags(); len(tags) > 0 {
		m["tags"] = tags
	}
	if n, ok := d.MaxInputTokens(); ok {
		m["max_input_tokens"] = n
	}
	return m
}

// routingSummary is a one-line description of router health.
func routingSummary(h model.RoutingHealth) string {
	if !h.Initialized {
		return fmt.Sprintf("Router %q is not initialized.", h.RouterName)
	}
	s := fmt.Sprintf("Router %q: %d deployment(s), strategy %s", h.RouterName, h.TotalDeployments, h.RoutingStrategy)
	if h.CoolingDeployments > 0 {
		s += fmt.Sprintf(", %d cooling down", h.CoolingDeployments)
	}
	return s + "."
}

// modelNames returns the distinct model names in sorted order.
func modelNames(ds []model.Deployment) []string {
	seen := map[string]bool{}
	var names []string
	for _, d := range ds {
		if !seen[d.ModelName] {
			seen[d.ModelName] = true
			names = append(names, d.ModelName)
		}
	}
	sort.Strings(names)
	return names
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
