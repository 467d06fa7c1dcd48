package core_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskorch/internal/core"
	"taskorch/internal/store"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDefaults(t *testing.T, s core.Store) map[string]*core.TaskDefinition {
	t.Helper()
	_, err := core.SeedDefinitions(context.Background(), s, core.DefaultDefinitions(), discardLogger)
	require.NoError(t, err)
	defs, err := s.ListDefinitions(context.Background())
	require.NoError(t, err)
	byName := make(map[string]*core.TaskDefinition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}
	return byName
}

func waitDone(t *testing.T, run *core.Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("execution %s did not settle", run.ID)
	}
}

type failureWithResult struct {
	steps []string
}

func (f *failureWithResult) Error() string { return "step exploded" }
func (f *failureWithResult) Result() any   { return map[string]any{"steps": f.steps} }

func TestSeedDefinitionsIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	n, err := core.SeedDefinitions(ctx, s, core.DefaultDefinitions(), discardLogger)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, s.SetDefinitionEnabled(ctx, mustByName(t, s, "daily-update").ID, false))

	n, err = core.SeedDefinitions(ctx, s, core.DefaultDefinitions(), discardLogger)
	require.NoError(t, err)
	assert.Zero(t, n)

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 4)
	assert.False(t, mustByName(t, s, "daily-update").IsEnabled)
}

func mustByName(t *testing.T, s core.Store, name string) *core.TaskDefinition {
	t.Helper()
	def, err := s.GetDefinitionByName(context.Background(), name)
	require.NoError(t, err)
	return def
}

func TestTrackerSingleFlight(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()

	release := make(chan struct{})
	work := func(ctx context.Context, _ *core.TaskDefinition) (any, error) {
		<-release
		return map[string]string{"message": "ok"}, nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		runs    []*core.Run
		rejects []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, work)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejects = append(rejects, err)
				return
			}
			runs = append(runs, run)
		}()
	}
	wg.Wait()

	require.Len(t, runs, 1)
	require.Len(t, rejects, 1)
	assert.ErrorIs(t, rejects[0], core.ErrAlreadyRunning)
	assert.Equal(t, []string{def.ID}, tracker.RunningTaskIDs())

	status, err := s.GetTaskStatus(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.IsRunning)
	require.NotNil(t, status.LastExecutionID)
	assert.Equal(t, runs[0].ID, *status.LastExecutionID)

	close(release)
	waitDone(t, runs[0])
	assert.Empty(t, tracker.RunningTaskIDs())

	exec, err := s.GetExecution(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, exec.Status)
	assert.JSONEq(t, `{"message":"ok"}`, string(exec.Result))
	require.NotNil(t, exec.Duration)
	assert.GreaterOrEqual(t, *exec.Duration, int64(0))

	status, err = s.GetTaskStatus(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)

	third, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, func(context.Context, *core.TaskDefinition) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	waitDone(t, third)
}

func TestTrackerRejectsUnknownAndDisabled(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["weekly-rankings"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()
	noop := func(context.Context, *core.TaskDefinition) (any, error) { return nil, nil }

	_, err := tracker.Start(ctx, "missing", core.TriggeredByManual, noop)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, s.SetDefinitionEnabled(ctx, def.ID, false))
	_, err = tracker.Start(ctx, def.ID, core.TriggeredByManual, noop)
	assert.ErrorIs(t, err, core.ErrDisabled)

	execs, err := s.ListExecutions(ctx, def.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestTrackerFailureKeepsCarriedResult(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["monthly-rankings"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()

	run, err := tracker.Start(ctx, def.ID, core.TriggeredBySystem, func(context.Context, *core.TaskDefinition) (any, error) {
		return nil, &failureWithResult{steps: []string{"a", "b"}}
	})
	require.NoError(t, err)
	waitDone(t, run)

	exec, err := s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	assert.Equal(t, core.TriggeredBySystem, exec.TriggeredBy)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "step exploded", *exec.Error)
	assert.JSONEq(t, `{"steps":["a","b"]}`, string(exec.Result))
	assert.NotNil(t, exec.CompletedAt)
}

func TestTrackerRecoversPanics(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)

	run, err := tracker.Start(context.Background(), def.ID, core.TriggeredByManual, func(context.Context, *core.TaskDefinition) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)
	waitDone(t, run)

	exec, err := s.GetExecution(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Contains(t, *exec.Error, "boom")
	assert.False(t, tracker.IsRunning(def.ID))
}

func TestTrackerCancel(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()

	assert.ErrorIs(t, tracker.Cancel(ctx, def.ID), core.ErrNotRunning)

	started := make(chan struct{})
	ignoreCancel := make(chan struct{})
	run, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, func(ctx context.Context, _ *core.TaskDefinition) (any, error) {
		close(started)
		// Ignores ctx so the late completion path is exercised.
		<-ignoreCancel
		return "late", nil
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, tracker.Cancel(ctx, def.ID))
	assert.False(t, tracker.IsRunning(def.ID))

	exec, err := s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCancelled, exec.Status)
	status, err := s.GetTaskStatus(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)

	// A new run is accepted while the cancelled work is still going.
	next, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, func(context.Context, *core.TaskDefinition) (any, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	waitDone(t, next)

	close(ignoreCancel)
	waitDone(t, run)

	exec, err = s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCancelled, exec.Status, "late completion must not overwrite a cancelled execution")

	fresh, err := s.GetExecution(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCompleted, fresh.Status)
}

func TestTrackerCancelStopsCooperativeWork(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()

	started := make(chan struct{})
	observed := make(chan error, 1)
	run, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, func(ctx context.Context, _ *core.TaskDefinition) (any, error) {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started
	require.NoError(t, tracker.Cancel(ctx, def.ID))
	waitDone(t, run)

	assert.True(t, errors.Is(<-observed, context.Canceled))
	exec, err := s.GetExecution(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionCancelled, exec.Status)
}

func TestTrackerRetentionAndSettledHook(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	ctx := context.Background()

	var (
		mu      sync.Mutex
		settled []core.ExecutionStatus
	)
	tracker := core.NewTracker(s, discardLogger,
		core.WithRetention(2),
		core.WithSettledHook(func(_ context.Context, st core.Settlement) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, def.ID, st.Definition.ID)
			settled = append(settled, st.Execution.Status)
		}),
	)

	for i := 0; i < 4; i++ {
		fail := i%2 == 1
		run, err := tracker.Start(ctx, def.ID, core.TriggeredBySystem, func(context.Context, *core.TaskDefinition) (any, error) {
			if fail {
				return nil, errors.New("nope")
			}
			return nil, nil
		})
		require.NoError(t, err)
		waitDone(t, run)
	}

	execs, err := s.ListExecutions(ctx, def.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []core.ExecutionStatus{
		core.ExecutionCompleted, core.ExecutionFailed, core.ExecutionCompleted, core.ExecutionFailed,
	}, settled)
}

func TestTrackerShutdownWaitsForWork(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)

	run, err := tracker.Start(context.Background(), def.ID, core.TriggeredBySystem, func(ctx context.Context, _ *core.TaskDefinition) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tracker.Shutdown(shutdownCtx))

	select {
	case <-run.Done():
	default:
		t.Fatal("shutdown returned before the execution settled")
	}
	exec, err := s.GetExecution(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionFailed, exec.Status)
}

func TestTrackerRefusesStartAfterShutdown(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()

	require.NoError(t, tracker.Shutdown(ctx))

	_, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, func(context.Context, *core.TaskDefinition) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, core.ErrShuttingDown)
	assert.Empty(t, tracker.RunningTaskIDs())

	execs, err := s.ListExecutions(ctx, def.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestTrackerReleasedBeforeHungWorkReturns(t *testing.T) {
	s := openStore(t)
	def := seedDefaults(t, s)["daily-update"]
	tracker := core.NewTracker(s, discardLogger)
	ctx := context.Background()

	hang := make(chan struct{})
	run, err := tracker.Start(ctx, def.ID, core.TriggeredByManual, func(context.Context, *core.TaskDefinition) (any, error) {
		<-hang
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, tracker.Cancel(ctx, def.ID))

	select {
	case <-run.Released():
	default:
		t.Fatal("cancel did not release the task")
	}
	select {
	case <-run.Done():
		t.Fatal("done closed while work is still running")
	default:
	}

	close(hang)
	waitDone(t, run)
}
