// Package execution runs agents, teams and workflows and records each run as
// an ExecutionRecord.
//
// Every run that gets a record persisted ends in a terminal state. Failures to
// resolve or invoke the runnable are captured on the record; callers branch on
// the returned status, not on the error.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// interruptedMessage is recorded on a record found non-terminal when its
// request is redelivered.
const interruptedMessage = "execution interrupted before completion"

// Store persists execution records. Get methods return storage.ErrNotFound
// for absent rows; UpdateExecution returns it when the row is gone or already
// finished.
type Store interface {
	CreateExecution(ctx context.Context, rec model.ExecutionRecord) (model.ExecutionRecord, error)
	GetExecution(ctx context.Context, id uuid.UUID) (model.ExecutionRecord, error)
	GetExecutionByRequestID(ctx context.Context, requestID string) (model.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, rec model.ExecutionRecord) error
}

// RunRequest describes one execution.
type RunRequest struct {
	Kind      model.TargetKind
	TargetID  uuid.UUID
	Input     string
	SessionID *string
	UserID    *uuid.UUID
	Metadata  map[string]any
	Stream    bool
	// RequestID is the idempotency key of the originating event, if any.
	RequestID *string
}

// Option configures an Engine.
type Option func(*Engine)

// WithAgents sets the agent factory.
func WithAgents(f AgentFactory) Option { return func(e *Engine) { e.agents = f } }

// WithTeams sets the team factory.
func WithTeams(f TeamFactory) Option { return func(e *Engine) { e.teams = f } }

// WithWorkflows sets the workflow factory.
func WithWorkflows(f WorkflowFactory) Option { return func(e *Engine) { e.workflows = f } }

// Engine owns the execution state machine. It holds no per-run state and is
// safe for concurrent use.
type Engine struct {
	store     Store
	agents    AgentFactory
	teams     TeamFactory
	workflows WorkflowFactory
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewEngine creates an Engine backed by store.
func NewEngine(store Store, logger *slog.Logger, opts ...Option) *Engine {
	meter := telemetry.Meter("michi/execution")
	runs, _ := meter.Int64Counter("michi.execution.runs",
		metric.WithDescription("Executions reaching a terminal state, by kind and status"))
	duration, _ := meter.Float64Histogram("michi.execution.duration_ms",
		metric.WithDescription("Runnable invocation time (ms)"),
		metric.WithUnit("ms"))

	e := &Engine{
		store:    store,
		logger:   logger,
		now:      time.Now,
		tracer:   telemetry.Tracer("michi/execution"),
		runs:     runs,
		duration: duration,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunAgent executes an agent.
func (e *Engine) RunAgent(ctx context.Context, id uuid.UUID, input string, sessionID *string, userID *uuid.UUID, metadata map[string]any, stream bool) (model.ExecutionRecord, error) {
	return e.Run(ctx, RunRequest{Kind: model.TargetAgent, TargetID: id, Input: input, SessionID: sessionID, UserID: userID, Metadata: metadata, Stream: stream})
}

// RunTeam executes a team.
func (e *Engine) RunTeam(ctx context.Context, id uuid.UUID, input string, sessionID *string, userID *uuid.UUID, metadata map[string]any, stream bool) (model.ExecutionRecord, error) {
	return e.Run(ctx, RunRequest{Kind: model.TargetTeam, TargetID: id, Input: input, SessionID: sessionID, UserID: userID, Metadata: metadata, Stream: stream})
}

// RunWorkflow executes a workflow.
func (e *Engine) RunWorkflow(ctx context.Context, id uuid.UUID, input string, sessionID *string, userID *uuid.UUID, metadata map[string]any, stream bool) (model.ExecutionRecord, error) {
	return e.Run(ctx, RunRequest{Kind: model.TargetWorkflow, TargetID: id, Input: input, SessionID: sessionID, UserID: userID, Metadata: metadata, Stream: stream})
}

// Run creates an execution record, invokes the target and records the outcome.
// It returns an error only when the record cannot be created or read back;
// runnable failures are reported through the record's status.
func (e *Engine) Run(ctx context.Context, req RunRequest) (rec model.ExecutionRecord, err error) {
	if _, ok := model.ParseTargetKind(string(req.Kind)); !ok {
		return model.ExecutionRecord{}, fmt.Errorf("execution: run: unknown target kind %q", req.Kind)
	}

	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("michi.target_kind", string(req.Kind)),
		attribute.String("michi.target_id", req.TargetID.String()),
		attribute.Bool("michi.stream", req.Stream),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	rec = model.NewExecutionRecord(req.Kind, req.TargetID, model.InputPayload{Content: req.Input, Metadata: metadata})
	rec.SessionID = req.SessionID
	rec.OwnerID = req.UserID
	rec.RequestID = req.RequestID

	rec, err = e.store.CreateExecution(ctx, rec)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("execution: create record: %w", err)
	}
	span.SetAttributes(attribute.String("michi.execution_id", rec.ID.String()))

	// Recording the outcome must survive cancellation of the caller's context,
	// otherwise a cancelled run would be left RUNNING.
	persistCtx := context.WithoutCancel(ctx)

	startedAt := e.now().UTC()
	rec.Status = model.ExecutionRunning
	rec.StartedAt = &startedAt
	e.update(persistCtx, rec)

	opts := RunOptions{Metadata: metadata, SessionID: req.SessionID, UserID: req.UserID}
	start := time.Now()
	out, runErr := e.invoke(ctx, req, opts)
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0

	finishedAt := e.now().UTC()
	rec.DurationMs = &durationMs
	rec.FinishedAt = &finishedAt
	if runErr == nil {
		payload := out.Payload()
		rec.Status = model.ExecutionCompleted
		rec.OutputPayload = &payload
		rec.ErrorMessage = nil
		if len(out.Tokens) > 0 {
			rec.PromptTokens = tokenPtr(out.Tokens, "prompt_tokens")
			rec.CompletionTokens = tokenPtr(out.Tokens, "completion_tokens")
			rec.TotalTokens = tokenPtr(out.Tokens, "total_tokens")
		}
	} else {
		msg := runErr.Error()
		rec.Status = model.ExecutionFailed
		rec.ErrorMessage = &msg
		e.logger.Error("execution: run failed",
			"execution_id", rec.ID, "target_kind", req.Kind, "target_id", req.TargetID, "error", runErr)
	}
	e.update(persistCtx, rec)
	e.record(persistCtx, rec)

	final, err := e.store.GetExecution(persistCtx, rec.ID)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("execution: fetch result %s: %w", rec.ID, err)
	}
	return final, nil
}

// invoke resolves and calls the runnable. Panics are converted to errors so
// that the record still reaches a terminal state.
func (e *Engine) invoke(ctx context.Context, req RunRequest, opts RunOptions) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ExecutionError{Stage: StageInvoke, Kind: req.Kind, TargetID: req.TargetID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	runnable, err := e.resolverFor(req.Kind)(ctx, req.TargetID)
	if err != nil {
		return Output{}, &ExecutionError{Stage: StageResolve, Kind: req.Kind, TargetID: req.TargetID, Err: err}
	}

	var raw any
	if sr, ok := runnable.(StreamingRunnable); ok && req.Stream {
		chunks, wait := sr.RunStream(ctx, req.Input, opts)
		raw, err = drain(ctx, chunks, wait)
	} else {
		raw, err = runnable.Run(ctx, req.Input, opts)
	}
	if err != nil {
		return Output{}, &ExecutionError{Stage: StageInvoke, Kind: req.Kind, TargetID: req.TargetID, Err: err}
	}
	return Normalize(raw), nil
}

// drain consumes every chunk and keeps the last one. A nil channel means the
// stream failed before producing anything, so only wait is consulted.
func drain(ctx context.Context, chunks <-chan any, wait func() error) (any, error) {
	var last any
	for chunks != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			last = chunk
		case <-ctx.Done():
			return nil, fmt.Errorf("stream interrupted: %w", ctx.Err())
		}
	}
	if wait != nil {
		if err := wait(); err != nil {
			return nil, err
		}
	}
	return last, nil
}

// update persists a status change. A missing or already-finished record is
// not an error here, and other store failures are logged only.
func (e *Engine) update(ctx context.Context, rec model.ExecutionRecord) {
	err := e.store.UpdateExecution(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		e.logger.Debug("execution: record gone before update", "execution_id", rec.ID, "status", rec.Status)
	default:
		e.logger.Warn("execution: update record", "execution_id", rec.ID, "status", rec.Status, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, rec model.ExecutionRecord) {
	attrs := metric.WithAttributes(
		attribute.String("kind", string(rec.TargetKind)),
		attribute.String("status", string(rec.Status)),
	)
	if e.runs != nil {
		e.runs.Add(ctx, 1, attrs)
	}
	if e.duration != nil && rec.DurationMs != nil {
		e.duration.Record(ctx, *rec.DurationMs, attrs)
	}
}

// Get returns a stored execution record.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (model.ExecutionRecord, error) {
	rec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("execution: get %s: %w", id, err)
	}
	return rec, nil
}

// RunFromEvent executes the target named by ev and builds its response.
//
// The event's id is the idempotency key: a redelivered event whose record is
// already terminal is answered from that record without running again, and a
// record left non-terminal by a crashed worker is marked failed.
func (e *Engine) RunFromEvent(ctx context.Context, ev model.RequestEvent) (model.ResponseEvent, error) {
	kind, targetID, ok := ev.ExplicitTarget()
	if !ok {
		return model.ResponseEvent{}, fmt.Errorf("execution: event %s names no agent, team or workflow", ev.EventID)
	}

	metadata := make(map[string]any, len(ev.Metadata)+1)
	for k, v := range ev.Metadata {
		metadata[k] = v
	}
	stream := truthy(metadata["stream"])
	delete(metadata, "stream")
	if _, exists := metadata["request_event_id"]; !exists {
		metadata["request_event_id"] = ev.EventID
	}

	requestID := ev.EventID
	rec, err := e.store.GetExecutionByRequestID(ctx, requestID)
	switch {
	case err == nil:
		rec, err = e.resume(ctx, rec)
		if err != nil {
			return model.ResponseEvent{}, err
		}
	case errors.Is(err, storage.ErrNotFound):
		rec, err = e.Run(ctx, RunRequest{
			Kind:      kind,
			TargetID:  targetID,
			Input:     ExtractInput(ev.Payload),
			SessionID: ev.SessionID,
			UserID:    ev.UserID,
			Metadata:  metadata,
			Stream:    stream,
			RequestID: &requestID,
		})
		if errors.Is(err, storage.ErrDuplicateRequest) {
			// Another consumer created the record between lookup and insert.
			rec, err = e.store.GetExecutionByRequestID(ctx, requestID)
		}
		if err != nil {
			return model.ResponseEvent{}, err
		}
	default:
		return model.ResponseEvent{}, fmt.Errorf("execution: look up request %s: %w", requestID, err)
	}

	return buildResponse(metadata, rec), nil
}

// resume handles a record that already exists for a redelivered event.
func (e *Engine) resume(ctx context.Context, rec model.ExecutionRecord) (model.ExecutionRecord, error) {
	if rec.Status.IsTerminal() {
		e.logger.Info("execution: replaying finished execution for redelivered event",
			"execution_id", rec.ID, "request_id", derefString(rec.RequestID), "status", rec.Status)
		return rec, nil
	}

	e.logger.Warn("execution: marking interrupted execution failed",
		"execution_id", rec.ID, "request_id", derefString(rec.RequestID), "status", rec.Status)
	now := e.now().UTC()
	msg := interruptedMessage
	rec.Status = model.ExecutionFailed
	rec.ErrorMessage = &msg
	rec.FinishedAt = &now
	if rec.StartedAt != nil {
		d := float64(now.Sub(*rec.StartedAt).Microseconds()) / 1000.0
		rec.DurationMs = &d
	} else {
		zero := 0.0
		rec.DurationMs = &zero
	}
	e.update(ctx, rec)
	e.record(ctx, rec)

	final, err := e.store.GetExecution(ctx, rec.ID)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("execution: fetch result %s: %w", rec.ID, err)
	}
	return final, nil
}

func buildResponse(requestMetadata map[string]any, rec model.ExecutionRecord) model.ResponseEvent {
	md := make(map[string]any, len(requestMetadata)+len(rec.RunMetadata))
	for k, v := range requestMetadata {
		md[k] = v
	}
	for k, v := range rec.RunMetadata {
		md[k] = v
	}
	return model.ResponseEvent{
		EventID:     uuid.NewString(),
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Output:      rec.OutputPayload,
		Error:       rec.ErrorMessage,
		Tokens:      rec.Tokens(),
		Metadata:    md,
		Timestamp:   time.Now().UTC(),
	}
}

// ExtractInput returns the first string among payload content, input_text,
// text and message, or "".
func ExtractInput(payload map[string]any) string {
	for _, key := range []string{"content", "input_text", "text", "message"} {
		if s, ok := payload[key].(string); ok {
			return s
		}
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func tokenPtr(tokens map[string]int, key string) *int {
	v, ok := tokens[key]
	if !ok {
		return nil
	}
	return &v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
