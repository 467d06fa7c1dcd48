package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskorch/internal/core"
)

const definitionColumns = `id, name, description, cron_expression, is_enabled, is_daily, is_weekly, is_monthly, task_type, created_at, updated_at`

// InsertDefinitionIfAbsent inserts def unless a definition with the same
// name exists. It reports whether a row was written.
func (s *Store) InsertDefinitionIfAbsent(ctx context.Context, def *core.TaskDefinition) (bool, error) {
	if def.ID == "" {
		def.ID = core.NewID()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, def.ID, def.Name, nullableString(def.Description), nullableString(def.CronExpression),
		boolInt(def.IsEnabled), boolInt(def.IsDaily), boolInt(def.IsWeekly), boolInt(def.IsMonthly),
		def.TaskType, formatTime(def.CreatedAt), nullableTime(def.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("insert definition: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert definition rows: %w", err)
	}
	return rows > 0, nil
}

// SetDefinitionEnabled flips the enabled flag of a definition.
func (s *Store) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_definitions
		SET is_enabled = ?, updated_at = ?
		WHERE id = ?
	`, boolInt(enabled), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update definition enabled: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update definition rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*core.TaskDefinition, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM task_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
		}
		return nil, err
	}
	return def, nil
}

func (s *Store) GetDefinitionByName(ctx context.Context, name string) (*core.TaskDefinition, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM task_definitions WHERE name = ?`, name)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, name)
		}
		return nil, err
	}
	return def, nil
}

// ListDefinitions returns every definition ordered by creation time.
func (s *Store) ListDefinitions(ctx context.Context) ([]*core.TaskDefinition, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+definitionColumns+`
		FROM task_definitions
		ORDER BY created_at ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()
	var defs []*core.TaskDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return defs, nil
}

func scanDefinition(row scanner) (*core.TaskDefinition, error) {
	var (
		def         core.TaskDefinition
		description sql.NullString
		cronExpr    sql.NullString
		enabled     int
		daily       int
		weekly      int
		monthly     int
		createdAt   string
		updatedAt   sql.NullString
	)
	if err := row.Scan(&def.ID, &def.Name, &description, &cronExpr, &enabled, &daily, &weekly, &monthly,
		&def.TaskType, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	if description.Valid {
		def.Description = &description.String
	}
	if cronExpr.Valid {
		def.CronExpression = &cronExpr.String
	}
	def.IsEnabled = enabled != 0
	def.IsDaily = daily != 0
	def.IsWeekly = weekly != 0
	def.IsMonthly = monthly != 0
	def.CreatedAt = mustParseTime(createdAt)
	def.UpdatedAt = parseNullTime(updatedAt)
	return &def, nil
}
