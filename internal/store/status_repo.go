package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskorch/internal/core"
)

// UpsertTaskStatus creates the status row for taskID or updates the
// columns set in patch.
func (s *Store) UpsertTaskStatus(ctx context.Context, taskID string, patch core.StatusPatch) error {
	isRunning := false
	if patch.IsRunning != nil {
		isRunning = *patch.IsRunning
	}
	updates := []string{"updated_at = excluded.updated_at"}
	if patch.IsRunning != nil {
		updates = append(updates, "is_running = excluded.is_running")
	}
	if patch.LastRunAt != nil {
		updates = append(updates, "last_run_at = excluded.last_run_at")
	}
	if patch.NextRunAt != nil || patch.ClearNextRun {
		updates = append(updates, "next_run_at = excluded.next_run_at")
	}
	if patch.LastExecutionID != nil {
		updates = append(updates, "last_execution_id = excluded.last_execution_id")
	}
	nextRun := nullableTime(patch.NextRunAt)
	if patch.ClearNextRun {
		nextRun = nil
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_status (id, task_definition_id, is_running, last_run_at, next_run_at, last_execution_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_definition_id) DO UPDATE SET `+strings.Join(updates, ", "),
		core.NewID(), taskID, boolInt(isRunning), nullableTime(patch.LastRunAt), nextRun,
		nullableString(patch.LastExecutionID), s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert task status: %w", err)
	}
	return nil
}

// GetTaskStatus returns the status row of taskID or nil if none exists.
func (s *Store) GetTaskStatus(ctx context.Context, taskID string) (*core.TaskStatus, error) {
	var (
		status    core.TaskStatus
		running   int
		lastRun   sql.NullString
		nextRun   sql.NullString
		lastExec  sql.NullString
		updatedAt string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, task_definition_id, is_running, last_run_at, next_run_at, last_execution_id, updated_at
		FROM task_status WHERE task_definition_id = ?
	`, taskID).Scan(&status.ID, &status.TaskDefinitionID, &running, &lastRun, &nextRun, &lastExec, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task status: %w", err)
	}
	status.IsRunning = running != 0
	status.LastRunAt = parseNullTime(lastRun)
	status.NextRunAt = parseNullTime(nextRun)
	if lastExec.Valid {
		status.LastExecutionID = &lastExec.String
	}
	status.UpdatedAt = mustParseTime(updatedAt)
	return &status, nil
}
