// Package model defines the core domain types for Michi.
//
// Types correspond directly to database rows and stream payloads. They use
// strong typing (UUIDs, time.Time, enums) where the wire format allows it and
// fall back to map[string]any only for caller-defined payloads and metadata.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TargetKind discriminates which factory resolves a runnable and which
// foreign key an ExecutionRecord carries.
type TargetKind string

const (
	TargetAgent    TargetKind = "agent"
	TargetTeam     TargetKind = "team"
	TargetWorkflow TargetKind = "workflow"
)

// ParseTargetKind validates a target kind string.
func ParseTargetKind(s string) (TargetKind, bool) {
	switch TargetKind(s) {
	case TargetAgent, TargetTeam, TargetWorkflow:
		return TargetKind(s), true
	default:
		return "", false
	}
}

// ExecutionStatus represents the lifecycle state of an execution.
//
//	pending → running → completed
//	                  → failed
//
// Cancelled is reserved and never entered by the engine.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) rank() int {
	switch s {
	case ExecutionPending:
		return 0
	case ExecutionRunning:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// InputPayload is the request content recorded at creation time.
type InputPayload struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// OutputPayload is the normalized result of a successful run. Records that
// are pending, running or failed carry none.
type OutputPayload struct {
	Content        *string        `json:"content"`
	StructuredData any            `json:"structured_data"`
	Metadata       map[string]any `json:"metadata"`
}

// ExecutionRecord is the durable history of one agent/team/workflow run.
// Exactly one of AgentID, TeamID or WorkflowID is set, matching TargetKind.
type ExecutionRecord struct {
	ID               uuid.UUID       `json:"id"`
	TargetKind       TargetKind      `json:"target_type"`
	Status           ExecutionStatus `json:"status"`
	AgentID          *uuid.UUID      `json:"agent_id,omitempty"`
	TeamID           *uuid.UUID      `json:"team_id,omitempty"`
	WorkflowID       *uuid.UUID      `json:"workflow_id,omitempty"`
	SessionID        *string         `json:"session_id,omitempty"`
	OwnerID          *uuid.UUID      `json:"user_id,omitempty"`
	RequestID        *string         `json:"request_id,omitempty"`
	InputPayload     InputPayload    `json:"input_payload"`
	OutputPayload    *OutputPayload  `json:"output_payload"`
	RunMetadata      map[string]any  `json:"run_metadata"`
	ErrorMessage     *string         `json:"error_message"`
	DurationMs       *float64        `json:"duration_ms"`
	PromptTokens     *int            `json:"prompt_tokens"`
	CompletionTokens *int            `json:"completion_tokens"`
	TotalTokens      *int            `json:"total_tokens"`
	StartedAt        *time.Time      `json:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewExecutionRecord builds a pending record for the given target.
func NewExecutionRecord(kind TargetKind, targetID uuid.UUID, input InputPayload) ExecutionRecord {
	if input.Metadata == nil {
		input.Metadata = map[string]any{}
	}
	rec := ExecutionRecord{
		ID:           uuid.New(),
		TargetKind:   kind,
		Status:       ExecutionPending,
		InputPayload: input,
		RunMetadata:  cloneMap(input.Metadata),
	}
	id := targetID
	switch kind {
	case TargetAgent:
		rec.AgentID = &id
	case TargetTeam:
		rec.TeamID = &id
	case TargetWorkflow:
		rec.WorkflowID = &id
	}
	return rec
}

// TargetID returns the identifier of the executed agent, team or workflow.
func (r ExecutionRecord) TargetID() uuid.UUID {
	switch r.TargetKind {
	case TargetAgent:
		if r.AgentID != nil {
			return *r.AgentID
		}
	case TargetTeam:
		if r.TeamID != nil {
			return *r.TeamID
		}
	case TargetWorkflow:
		if r.WorkflowID != nil {
			return *r.WorkflowID
		}
	}
	return uuid.Nil
}

// Tokens returns the token counts that are set, keyed the way response events expect.
func (r ExecutionRecord) Tokens() map[string]int {
	tokens := map[string]int{}
	if r.PromptTokens != nil {
		tokens["prompt_tokens"] = *r.PromptTokens
	}
	if r.CompletionTokens != nil {
		tokens["completion_tokens"] = *r.CompletionTokens
	}
	if r.TotalTokens != nil {
		tokens["total_tokens"] = *r.TotalTokens
	}
	return tokens
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
