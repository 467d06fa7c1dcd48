package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/internal/core"
	"taskorch/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type runnerFunc func(ctx context.Context, def *core.TaskDefinition) (any, error)

func (f runnerFunc) RunDefinition(ctx context.Context, def *core.TaskDefinition) (any, error) {
	return f(ctx, def)
}

func newTestServer(t *testing.T) (*MCPServer, *core.Scheduler) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = core.SeedDefinitions(ctx, st, core.DefaultDefinitions(), quietLogger)
	require.NoError(t, err)

	tracker := core.NewTracker(st, quietLogger)
	sched := core.NewScheduler(st, tracker, runnerFunc(func(context.Context, *core.TaskDefinition) (any, error) {
		return "done", nil
	}), quietLogger, time.UTC)
	t.Cleanup(func() {
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracker.Shutdown(shutdownCtx)
	})
	return NewMCPServer(sched, quietLogger, time.UTC, "test"), sched
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestSchedulerTools(t *testing.T) {
	s, sched := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSchedulerStart(ctx, call(nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Armed tasks: 4")
	assert.True(t, sched.Status().IsRunning)

	res, err = s.handleListTasks(ctx, call(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "4 tasks")
	assert.Contains(t, text, "weekly-rankings (enabled)")
	assert.Contains(t, text, "Next: ")

	res, err = s.handleSchedulerStop(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "Scheduler stopped", resultText(t, res))
	assert.False(t, sched.Status().IsRunning)
}

func TestTaskTools(t *testing.T) {
	s, sched := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleExecuteTask(ctx, call(map[string]any{"task": "daily-update"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "Execution started")

	def, err := sched.Resolve(ctx, "daily-update")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		execs, err := sched.ListRecentExecutions(ctx, def.ID, 1)
		return err == nil && len(execs) == 1 && execs[0].Status == core.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)

	res, err = s.handleListExecutions(ctx, call(map[string]any{"task": def.ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "completed")

	execs, err := sched.ListRecentExecutions(ctx, def.ID, 1)
	require.NoError(t, err)
	res, err = s.handleGetExecution(ctx, call(map[string]any{"execution_id": execs[0].ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `Result: "done"`)

	res, err = s.handleStopTask(ctx, call(map[string]any{"task": "daily-update"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "[not_running]")

	res, err = s.handleToggleTask(ctx, call(map[string]any{"task": "daily-update"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleToggleTask(ctx, call(map[string]any{"task": "daily-update", "enabled": false}))
	require.NoError(t, err)
	assert.Equal(t, "Task daily-update disabled", resultText(t, res))

	res, err = s.handleExecuteTask(ctx, call(map[string]any{"task": "daily-update"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "[disabled]")

	res, err = s.handleExecuteTask(ctx, call(map[string]any{"task": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "[not_found]")
}

func TestCronPreviewTool(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCronPreview(ctx, call(map[string]any{"cron": "0 3 * * 1", "count": float64(3)}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Next 3 fire times")

	res, err = s.handleCronPreview(ctx, call(map[string]any{"cron": "bad"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
