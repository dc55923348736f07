package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

const executionColumns = `id, target_type, status, agent_id, team_id, workflow_id, session_id, user_id,
	request_id, input_payload, output_payload, run_metadata, error_message, duration_ms,
	prompt_tokens, completion_tokens, total_tokens, started_at, finished_at, created_at, updated_at`

// CreateExecution inserts a new execution record and returns it with server timestamps.
// Returns ErrDuplicateRequest when rec.RequestID is already taken.
func (db *DB) CreateExecution(ctx context.Context, rec model.ExecutionRecord) (model.ExecutionRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.RunMetadata == nil {
		rec.RunMetadata = map[string]any{}
	}
	if rec.InputPayload.Metadata == nil {
		rec.InputPayload.Metadata = map[string]any{}
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO executions (id, target_type, status, agent_id, team_id, workflow_id, session_id, user_id,
			request_id, input_payload, output_payload, run_metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING created_at, updated_at`,
		rec.ID, string(rec.TargetKind), string(rec.Status), rec.AgentID, rec.TeamID, rec.WorkflowID,
		rec.SessionID, rec.OwnerID, rec.RequestID, rec.InputPayload, rec.OutputPayload, rec.RunMetadata,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ExecutionRecord{}, ErrDuplicateRequest
		}
		return model.ExecutionRecord{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return rec, nil
}

// GetExecution retrieves an execution by id.
func (db *DB) GetExecution(ctx context.Context, id uuid.UUID) (model.ExecutionRecord, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ExecutionRecord{}, ErrNotFound
		}
		return model.ExecutionRecord{}, fmt.Errorf("storage: get execution: %w", err)
	}
	return rec, nil
}

// GetExecutionByRequestID retrieves the execution created for a stream request id.
func (db *DB) GetExecutionByRequestID(ctx context.Context, requestID string) (model.ExecutionRecord, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE request_id = $1`, requestID)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ExecutionRecord{}, ErrNotFound
		}
		return model.ExecutionRecord{}, fmt.Errorf("storage: get execution by request id: %w", err)
	}
	return rec, nil
}

// UpdateExecution writes the mutable lifecycle fields of rec. Finished rows are
// never rewritten: ErrNotFound is returned when the row is absent or already final.
func (db *DB) UpdateExecution(ctx context.Context, rec model.ExecutionRecord) error {
	if rec.RunMetadata == nil {
		rec.RunMetadata = map[string]any{}
	}
	return db.retry(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE executions SET
				status = $2, output_payload = $3, run_metadata = $4, error_message = $5, duration_ms = $6,
				prompt_tokens = $7, completion_tokens = $8, total_tokens = $9,
				started_at = $10, finished_at = $11, updated_at = now()
			 WHERE id = $1 AND finished_at IS NULL`,
			rec.ID, string(rec.Status), rec.OutputPayload, rec.RunMetadata, rec.ErrorMessage, rec.DurationMs,
			rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.StartedAt, rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListExecutions returns the most recent executions for a target, newest first.
func (db *DB) ListExecutions(ctx context.Context, kind model.TargetKind, targetID uuid.UUID, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var column string
	switch kind {
	case model.TargetAgent:
		column = "agent_id"
	case model.TargetTeam:
		column = "team_id"
	case model.TargetWorkflow:
		column = "workflow_id"
	default:
		return nil, fmt.Errorf("storage: list executions: unknown target kind %q", kind)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE `+column+` = $1 ORDER BY created_at DESC LIMIT $2`,
		targetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list executions: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (model.ExecutionRecord, error) {
	var rec model.ExecutionRecord
	err := row.Scan(
		&rec.ID, &rec.TargetKind, &rec.Status, &rec.AgentID, &rec.TeamID, &rec.WorkflowID,
		&rec.SessionID, &rec.OwnerID, &rec.RequestID, &rec.InputPayload, &rec.OutputPayload,
		&rec.RunMetadata, &rec.ErrorMessage, &rec.DurationMs,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
		&rec.StartedAt, &rec.FinishedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}
