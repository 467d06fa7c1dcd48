package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDefinition(t *testing.T, s *Store, name string) *core.TaskDefinition {
	t.Helper()
	cron := "0 2 * * *"
	def := &core.TaskDefinition{
		ID:             core.NewID(),
		Name:           name,
		CronExpression: &cron,
		IsEnabled:      true,
		IsDaily:        true,
		TaskType:       "data-update",
	}
	ok, err := s.InsertDefinitionIfAbsent(context.Background(), def)
	require.NoError(t, err)
	require.True(t, ok)
	return def
}

func TestInsertDefinitionIfAbsentKeepsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	original := seedDefinition(t, s, "daily-update")

	other := "59 23 * * *"
	ok, err := s.InsertDefinitionIfAbsent(ctx, &core.TaskDefinition{
		ID:             core.NewID(),
		Name:           "daily-update",
		CronExpression: &other,
		TaskType:       "other",
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetDefinitionByName(ctx, "daily-update")
	require.NoError(t, err)
	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, "0 2 * * *", got.Cron())
	assert.True(t, got.IsEnabled)
	assert.True(t, got.IsDaily)

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestGetDefinitionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDefinition(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.SetDefinitionEnabled(context.Background(), "missing", true), core.ErrNotFound)
}

func TestSetDefinitionEnabled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "weekly-rankings")

	require.NoError(t, s.SetDefinitionEnabled(ctx, def.ID, false))
	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)
	assert.NotNil(t, got.UpdatedAt)
}

func TestExecutionLifecycleIsImmutableOnceTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "daily-update")

	exec := &core.TaskExecution{
		ID:               core.NewID(),
		TaskDefinitionID: def.ID,
		Status:           core.ExecutionPending,
		TriggeredBy:      core.TriggeredByManual,
	}
	require.NoError(t, s.InsertExecution(ctx, exec))

	started := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkExecutionRunning(ctx, exec.ID, started))

	duration := int64(1500)
	require.NoError(t, s.FinishExecution(ctx, exec.ID, core.ExecutionOutcome{
		Status:      core.ExecutionCompleted,
		CompletedAt: started.Add(1500 * time.Millisecond),
		Duration:    &duration,
		Result:      json.RawMessage(`{"ok":true}`),
	}))

	err := s.FinishExecution(ctx, exec.ID, core.ExecutionOutcome{Status: core.ExecutionFailed, CompletedAt: started})
	assert.ErrorIs(t, err, core.ErrExecutionTerminal)
	assert.ErrorIs(t, s.MarkExecutionRunning(ctx, exec.ID, started), core.ErrExecutionTerminal)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, got.Status)
	require.NotNil(t, got.Duration)
	assert.Equal(t, int64(1500), *got.Duration)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, core.TriggeredByManual, got.TriggeredBy)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Nil(t, got.Error)
}

func TestFinishUnknownExecution(t *testing.T) {
	s := openTestStore(t)
	err := s.FinishExecution(context.Background(), "nope", core.ExecutionOutcome{Status: core.ExecutionCompleted, CompletedAt: time.Now()})
	assert.ErrorIs(t, err, core.ErrExecutionNotFound)

	_, err = s.GetExecution(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrExecutionNotFound)
}

func TestListAndPruneExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "daily-update")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		exec := &core.TaskExecution{
			ID:               core.NewID(),
			TaskDefinitionID: def.ID,
			Status:           core.ExecutionPending,
			TriggeredBy:      core.TriggeredBySystem,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.InsertExecution(ctx, exec))
		ids = append(ids, exec.ID)
	}
	// The oldest stays pending and must survive pruning.
	for _, id := range ids[1:] {
		require.NoError(t, s.FinishExecution(ctx, id, core.ExecutionOutcome{Status: core.ExecutionCompleted, CompletedAt: base}))
	}

	listed, err := s.ListExecutions(ctx, def.ID, 3)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, ids[4], listed[0].ID)
	assert.Equal(t, ids[2], listed[2].ID)

	removed, err := s.PruneExecutions(ctx, def.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	remaining, err := s.ListExecutions(ctx, def.ID, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, ids[4], remaining[0].ID)
	assert.Equal(t, ids[3], remaining[1].ID)
	assert.Equal(t, ids[0], remaining[2].ID)
}

func TestExecutionsOrderWithinOneSecond(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "daily-update")

	base := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	at := map[string]time.Time{
		"middle": base.Add(1200 * time.Millisecond),
		"newest": base.Add(1230 * time.Millisecond),
		"oldest": base.Add(123 * time.Millisecond),
	}
	ids := map[string]string{}
	for _, name := range []string{"middle", "newest", "oldest"} {
		exec := &core.TaskExecution{
			ID:               core.NewID(),
			TaskDefinitionID: def.ID,
			Status:           core.ExecutionPending,
			TriggeredBy:      core.TriggeredByManual,
			CreatedAt:        at[name],
		}
		require.NoError(t, s.InsertExecution(ctx, exec))
		require.NoError(t, s.FinishExecution(ctx, exec.ID, core.ExecutionOutcome{Status: core.ExecutionCompleted, CompletedAt: at[name]}))
		ids[name] = exec.ID
	}

	listed, err := s.ListExecutions(ctx, def.ID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, []string{ids["newest"], ids["middle"], ids["oldest"]}, []string{listed[0].ID, listed[1].ID, listed[2].ID})
	assert.True(t, at["newest"].Equal(listed[0].CreatedAt))

	removed, err := s.PruneExecutions(ctx, def.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	remaining, err := s.ListExecutions(ctx, def.ID, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, ids["newest"], remaining[0].ID)
}

func TestUpsertTaskStatusPatchesOnlySetColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s, "daily-update")

	status, err := s.GetTaskStatus(ctx, def.ID)
	require.NoError(t, err)
	assert.Nil(t, status)

	running := true
	lastRun := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	execID := "exec-1"
	require.NoError(t, s.UpsertTaskStatus(ctx, def.ID, core.StatusPatch{
		IsRunning:       &running,
		LastRunAt:       &lastRun,
		LastExecutionID: &execID,
	}))

	next := time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertTaskStatus(ctx, def.ID, core.StatusPatch{NextRunAt: &next}))

	status, err = s.GetTaskStatus(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.IsRunning)
	require.NotNil(t, status.LastRunAt)
	assert.True(t, lastRun.Equal(*status.LastRunAt))
	require.NotNil(t, status.NextRunAt)
	assert.True(t, next.Equal(*status.NextRunAt))
	require.NotNil(t, status.LastExecutionID)
	assert.Equal(t, "exec-1", *status.LastExecutionID)

	require.NoError(t, s.UpsertTaskStatus(ctx, def.ID, core.StatusPatch{ClearNextRun: true}))
	status, err = s.GetTaskStatus(ctx, def.ID)
	require.NoError(t, err)
	assert.Nil(t, status.NextRunAt)
	assert.True(t, status.IsRunning)
}

func TestStoreSatisfiesCoreStore(t *testing.T) {
	var _ core.Store = openTestStore(t)
}
