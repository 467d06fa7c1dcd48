package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskorch/internal/core"
)

const executionColumns = `id, task_definition_id, status, started_at, completed_at, duration_ms, result, error, logs, triggered_by, created_at`

const defaultExecutionLimit = 20

func (s *Store) InsertExecution(ctx context.Context, exec *core.TaskExecution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.TaskDefinitionID, exec.Status, nullableTime(exec.StartedAt), nullableTime(exec.CompletedAt),
		nullableInt64(exec.Duration), nullableJSON(exec.Result), nullableString(exec.Error), nullableString(exec.Logs),
		exec.TriggeredBy, formatTime(exec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// MarkExecutionRunning moves a pending execution to running.
func (s *Store) MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, core.ExecutionRunning, formatTime(startedAt), id, core.ExecutionPending)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return s.checkGuardedUpdate(ctx, res, id)
}

// FinishExecution writes the terminal outcome. Terminal rows are immutable,
// so finishing one again returns core.ErrExecutionTerminal.
func (s *Store) FinishExecution(ctx context.Context, id string, outcome core.ExecutionOutcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finish execution %s: status %q is not terminal", id, outcome.Status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, completed_at = ?, duration_ms = ?, result = ?, error = ?
		WHERE id = ? AND status IN (?, ?)
	`, outcome.Status, formatTime(outcome.CompletedAt), nullableInt64(outcome.Duration),
		nullableJSON(outcome.Result), nullableString(outcome.Error), id, core.ExecutionPending, core.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return s.checkGuardedUpdate(ctx, res, id)
}

// checkGuardedUpdate tells a missing row apart from a row whose status
// forbade the write.
func (s *Store) checkGuardedUpdate(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM task_executions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load execution status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", core.ErrExecutionTerminal, id, status)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.TaskExecution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
		}
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns the newest executions of a task first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]*core.TaskExecution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM task_executions
		WHERE task_definition_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

// PruneExecutions deletes terminal executions of a task beyond the newest
// keep rows. Pending and running rows are never removed.
func (s *Store) PruneExecutions(ctx context.Context, taskID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM task_executions
		WHERE task_definition_id = ?
		  AND status IN (?, ?, ?)
		  AND id NOT IN (
			SELECT id FROM task_executions
			WHERE task_definition_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		  )
	`, taskID, core.ExecutionCompleted, core.ExecutionFailed, core.ExecutionCancelled, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return res.RowsAffected()
}

func scanExecution(row scanner) (*core.TaskExecution, error) {
	var (
		exec        core.TaskExecution
		status      string
		startedAt   sql.NullString
		completedAt sql.NullString
		duration    sql.NullInt64
		result      sql.NullString
		errMsg      sql.NullString
		logs        sql.NullString
		triggeredBy string
		createdAt   string
	)
	if err := row.Scan(&exec.ID, &exec.TaskDefinitionID, &status, &startedAt, &completedAt, &duration,
		&result, &errMsg, &logs, &triggeredBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = core.ExecutionStatus(status)
	exec.TriggeredBy = core.TriggeredBy(triggeredBy)
	exec.StartedAt = parseNullTime(startedAt)
	exec.CompletedAt = parseNullTime(completedAt)
	exec.CreatedAt = mustParseTime(createdAt)
	if duration.Valid {
		val := duration.Int64
		exec.Duration = &val
	}
	if result.Valid {
		exec.Result = []byte(result.String)
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	if logs.Valid {
		exec.Logs = &logs.String
	}
	return &exec, nil
}
