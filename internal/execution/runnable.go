package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/michi/internal/model"
)

// RunOptions are passed to every runnable invocation. Metadata is always set;
// SessionID and UserID only when the request carried them.
type RunOptions struct {
	Metadata  map[string]any
	SessionID *string
	UserID    *uuid.UUID
}

// Runnable is a built agent, team or workflow.
type Runnable interface {
	Run(ctx context.Context, input string, opts RunOptions) (any, error)
}

// StreamingRunnable is a Runnable that can also yield partial output. The
// channel is closed when the run finishes; wait then reports the run's error.
// Only the last chunk is kept.
type StreamingRunnable interface {
	Runnable
	RunStream(ctx context.Context, input string, opts RunOptions) (chunks <-chan any, wait func() error)
}

// AgentFactory builds runnable agents from stored configuration.
type AgentFactory interface {
	GetAgent(ctx context.Context, id uuid.UUID) (Runnable, error)
}

// TeamFactory builds runnable teams from stored configuration.
type TeamFactory interface {
	GetTeam(ctx context.Context, id uuid.UUID) (Runnable, error)
}

// WorkflowFactory builds runnable workflows from stored configuration.
type WorkflowFactory interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (Runnable, error)
}

// ErrNoFactory is recorded on an execution whose target kind has no factory configured.
var ErrNoFactory = errors.New("no factory configured")

// Stages at which an ExecutionError can occur.
const (
	StageResolve = "resolve"
	StageInvoke  = "invoke"
)

// ExecutionError describes a failure to resolve or invoke a runnable. It is
// recorded on the execution as error_message and never returned by Run.
type ExecutionError struct {
	Stage    string
	Kind     model.TargetKind
	TargetID uuid.UUID
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Stage == StageResolve {
		return fmt.Sprintf("resolve %s %s: %v", e.Kind, e.TargetID, e.Err)
	}
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// resolver is the per-kind lookup bound once at engine construction.
type resolver func(ctx context.Context, id uuid.UUID) (Runnable, error)

func (e *Engine) resolverFor(kind model.TargetKind) resolver {
	switch kind {
	case model.TargetAgent:
		if e.agents != nil {
			return e.agents.GetAgent
		}
	case model.TargetTeam:
		if e.teams != nil {
			return e.teams.GetTeam
		}
	case model.TargetWorkflow:
		if e.workflows != nil {
			return e.workflows.GetWorkflow
		}
	}
	return func(context.Context, uuid.UUID) (Runnable, error) {
		return nil, fmt.Errorf("%w for %s targets", ErrNoFactory, kind)
	}
}

// AgentFactoryFunc adapts a function to AgentFactory.
type AgentFactoryFunc func(ctx context.Context, id uuid.UUID) (Runnable, error)

// GetAgent implements AgentFactory.
func (f AgentFactoryFunc) GetAgent(ctx context.Context, id uuid.UUID) (Runnable, error) {
	return f(ctx, id)
}

// TeamFactoryFunc adapts a function to TeamFactory.
type TeamFactoryFunc func(ctx context.Context, id uuid.UUID) (Runnable, error)

// GetTeam implements TeamFactory.
func (f TeamFactoryFunc) GetTeam(ctx context.Context, id uuid.UUID) (Runnable, error) {
	return f(ctx, id)
}

// WorkflowFactoryFunc adapts a function to WorkflowFactory.
type WorkflowFactoryFunc func(ctx context.Context, id uuid.UUID) (Runnable, error)

// GetWorkflow implements WorkflowFactory.
func (f WorkflowFactoryFunc) GetWorkflow(ctx context.Context, id uuid.UUID) (Runnable, error) {
	return f(ctx, id)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context, input string, opts RunOptions) (any, error)

// Run implements Runnable.
func (f RunnableFunc) Run(ctx context.Context, input string, opts RunOptions) (any, error) {
	return f(ctx, input, opts)
}
