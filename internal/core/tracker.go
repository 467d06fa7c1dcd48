package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// WorkFunc is the body of a tracked execution. The context is cancelled
// when the execution is cancelled or the tracker shuts down.
type WorkFunc func(ctx context.Context, def *TaskDefinition) (any, error)

// Settlement describes a finished execution handed to the settled hook.
type Settlement struct {
	Definition *TaskDefinition
	Execution  *TaskExecution
}

// SettledFunc observes every execution once it has left the live registry.
type SettledFunc func(ctx context.Context, s Settlement)

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithRetention keeps at most n terminal executions per task. Zero disables
// pruning.
func WithRetention(n int) TrackerOption {
	return func(t *Tracker) { t.retention = n }
}

// WithSettledHook registers a callback run after each execution settles.
func WithSettledHook(fn SettledFunc) TrackerOption {
	return func(t *Tracker) { t.onSettled = fn }
}

// Run is the handle returned for an accepted execution.
type Run struct {
	ID       string
	TaskID   string
	done     chan struct{}
	released chan struct{}
}

// Done is closed once the work has returned and the execution has settled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Released is closed once the task may start again: either the execution
// settled or it was cancelled while its work keeps running.
func (r *Run) Released() <-chan struct{} {
	return r.released
}

type inflight struct {
	executionID string
	cancel      context.CancelFunc
	done        chan struct{}

	releaseOnce sync.Once
	released    chan struct{}
}

func (e *inflight) markReleased() {
	e.releaseOnce.Do(func() { close(e.released) })
}

// Tracker persists execution and status rows around a unit of work and
// enforces at most one in-flight execution per task.
type Tracker struct {
	store     Store
	logger    *slog.Logger
	now       func() time.Time
	retention int
	onSettled SettledFunc

	mu      sync.Mutex
	running map[string]*inflight
	closed  bool
	wg      sync.WaitGroup
}

// NewTracker constructs a tracker backed by store.
func NewTracker(store Store, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:   store,
		logger:  logger,
		now:     time.Now,
		running: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start accepts an execution of taskID and runs work in the background.
// It fails with ErrNotFound, ErrDisabled or ErrAlreadyRunning, and with
// ErrShuttingDown once Shutdown has begun.
func (t *Tracker) Start(ctx context.Context, taskID string, by TriggeredBy, work WorkFunc) (*Run, error) {
	def, err := t.store.GetDefinition(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !def.IsEnabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, def.Name)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &inflight{
		executionID: NewID(),
		cancel:      cancel,
		done:        make(chan struct{}),
		released:    make(chan struct{}),
	}
	if err := t.claim(taskID, entry); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s", err, def.Name)
	}

	now := t.now().UTC()
	exec := &TaskExecution{
		ID:               entry.executionID,
		TaskDefinitionID: taskID,
		Status:           ExecutionPending,
		TriggeredBy:      by,
		CreatedAt:        now,
	}
	if err := t.store.InsertExecution(ctx, exec); err != nil {
		cancel()
		close(entry.done)
		t.release(taskID, entry)
		t.wg.Done()
		return nil, fmt.Errorf("record execution: %w", err)
	}
	if err := t.store.UpsertTaskStatus(ctx, taskID, StatusPatch{
		IsRunning:       ptrBool(true),
		LastRunAt:       ptrTime(now),
		LastExecutionID: ptrString(exec.ID),
	}); err != nil {
		t.logger.Error("update task status", "task_id", taskID, "execution_id", exec.ID, "err", err)
	}

	go t.execute(runCtx, entry, def, work)

	t.logger.Info("execution accepted", "task_id", taskID, "task", def.Name, "execution_id", exec.ID, "triggered_by", by)
	return &Run{ID: exec.ID, TaskID: taskID, done: entry.done, released: entry.released}, nil
}

func (t *Tracker) execute(ctx context.Context, entry *inflight, def *TaskDefinition, work WorkFunc) {
	defer t.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	// Persistence outlives cancellation of the work context.
	storeCtx := context.WithoutCancel(ctx)
	func() {
		defer t.release(def.ID, entry)

		if err := t.store.MarkExecutionRunning(storeCtx, entry.executionID, t.now().UTC()); err != nil {
			if errors.Is(err, ErrExecutionTerminal) {
				t.logger.Info("execution settled before work began", "task_id", def.ID, "execution_id", entry.executionID)
				return
			}
			t.logger.Error("mark execution running", "task_id", def.ID, "execution_id", entry.executionID, "err", err)
		}

		result, err := invoke(ctx, def, work)
		if err != nil {
			if ferr := t.Fail(storeCtx, entry.executionID, err); ferr != nil && !errors.Is(ferr, ErrExecutionTerminal) {
				t.logger.Error("record failed execution", "task_id", def.ID, "execution_id", entry.executionID, "err", ferr)
			}
			return
		}
		if cerr := t.Complete(storeCtx, entry.executionID, result); cerr != nil && !errors.Is(cerr, ErrExecutionTerminal) {
			t.logger.Error("record completed execution", "task_id", def.ID, "execution_id", entry.executionID, "err", cerr)
		}
	}()

	t.settle(storeCtx, def, entry.executionID)
}

// invoke runs work and converts a panic into an error.
func invoke(ctx context.Context, def *TaskDefinition, work WorkFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", def.Name, r)
		}
	}()
	return work(ctx, def)
}

func (t *Tracker) settle(ctx context.Context, def *TaskDefinition, executionID string) {
	if t.retention > 0 {
		if n, err := t.store.PruneExecutions(ctx, def.ID, t.retention); err != nil {
			t.logger.Warn("prune executions", "task_id", def.ID, "err", err)
		} else if n > 0 {
			t.logger.Debug("pruned executions", "task_id", def.ID, "removed", n)
		}
	}
	if t.onSettled == nil {
		return
	}
	exec, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		t.logger.Warn("load settled execution", "execution_id", executionID, "err", err)
		return
	}
	t.onSettled(ctx, Settlement{Definition: def, Execution: exec})
}

// Complete marks an execution completed and stores result.
func (t *Tracker) Complete(ctx context.Context, executionID string, result any) error {
	payload, err := encodeResult(result)
	if err != nil {
		t.logger.Warn("encode execution result", "execution_id", executionID, "err", err)
	}
	return t.finish(ctx, executionID, ExecutionCompleted, payload, nil)
}

// Fail marks an execution failed with the error message. Errors that carry
// a result keep it alongside the message.
func (t *Tracker) Fail(ctx context.Context, executionID string, cause error) error {
	var payload json.RawMessage
	var carrier ResultCarrier
	if errors.As(cause, &carrier) {
		var err error
		if payload, err = encodeResult(carrier.Result()); err != nil {
			t.logger.Warn("encode failure result", "execution_id", executionID, "err", err)
		}
	}
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return t.finish(ctx, executionID, ExecutionFailed, payload, ptrString(msg))
}

func (t *Tracker) finish(ctx context.Context, executionID string, status ExecutionStatus, result json.RawMessage, errMsg *string) error {
	exec, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.Status)
	}
	completedAt := t.now().UTC()
	outcome := ExecutionOutcome{
		Status:      status,
		CompletedAt: completedAt,
		Duration:    durationSince(exec, completedAt),
		Result:      result,
		Error:       errMsg,
	}
	if err := t.store.FinishExecution(ctx, executionID, outcome); err != nil {
		return err
	}
	if err := t.store.UpsertTaskStatus(ctx, exec.TaskDefinitionID, StatusPatch{
		IsRunning:       ptrBool(false),
		LastRunAt:       ptrTime(completedAt),
		LastExecutionID: ptrString(executionID),
	}); err != nil {
		t.logger.Error("update task status", "task_id", exec.TaskDefinitionID, "execution_id", executionID, "err", err)
	}

	level := slog.LevelInfo
	if status == ExecutionFailed {
		level = slog.LevelError
	}
	attrs := []any{"task_id", exec.TaskDefinitionID, "execution_id", executionID, "status", status}
	if outcome.Duration != nil {
		attrs = append(attrs, "duration_ms", *outcome.Duration)
	}
	if errMsg != nil {
		attrs = append(attrs, "err", *errMsg)
	}
	t.logger.Log(ctx, level, "execution finished", attrs...)
	return nil
}

// Cancel marks the in-flight execution of taskID cancelled, releases the
// task and cancels the work context. Work that ignores its context keeps
// running, but it can no longer change the execution row.
func (t *Tracker) Cancel(ctx context.Context, taskID string) error {
	t.mu.Lock()
	entry, ok := t.running[taskID]
	if ok {
		delete(t.running, taskID)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	defer entry.markReleased()
	entry.cancel()

	exec, err := t.store.GetExecution(ctx, entry.executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	completedAt := t.now().UTC()
	err = t.store.FinishExecution(ctx, entry.executionID, ExecutionOutcome{
		Status:      ExecutionCancelled,
		CompletedAt: completedAt,
		Duration:    durationSince(exec, completedAt),
		Error:       ptrString("cancelled"),
	})
	if err != nil && !errors.Is(err, ErrExecutionTerminal) {
		return err
	}
	if err := t.store.UpsertTaskStatus(ctx, taskID, StatusPatch{IsRunning: ptrBool(false)}); err != nil {
		t.logger.Error("update task status", "task_id", taskID, "err", err)
	}
	t.logger.Info("execution cancelled", "task_id", taskID, "execution_id", entry.executionID)
	return nil
}

// RecordNextRun stores the next planned fire time; nil clears it.
func (t *Tracker) RecordNextRun(ctx context.Context, taskID string, next *time.Time) error {
	patch := StatusPatch{NextRunAt: next}
	if next == nil {
		patch.ClearNextRun = true
	}
	return t.store.UpsertTaskStatus(ctx, taskID, patch)
}

// IsRunning reports whether taskID has an in-flight execution.
func (t *Tracker) IsRunning(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[taskID]
	return ok
}

// RunningTaskIDs lists tasks with an in-flight execution, sorted.
func (t *Tracker) RunningTaskIDs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.running))
	for id := range t.running {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every in-flight work context and waits for the
// executions to settle or ctx to expire.
// Start is refused from then on.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	for _, entry := range t.running {
		entry.cancel()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claim registers entry as the live execution of taskID. The wait group
// is incremented under the same lock that Shutdown uses to close the
// tracker, so no Add can follow the final Wait.
func (t *Tracker) claim(taskID string, entry *inflight) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrShuttingDown
	}
	if _, ok := t.running[taskID]; ok {
		return ErrAlreadyRunning
	}
	t.running[taskID] = entry
	t.wg.Add(1)
	return nil
}

// release drops the registry entry only if it still belongs to entry; a
// cancelled run must not evict its successor.
func (t *Tracker) release(taskID string, entry *inflight) {
	t.mu.Lock()
	if t.running[taskID] == entry {
		delete(t.running, taskID)
	}
	t.mu.Unlock()
	entry.markReleased()
}

func durationSince(exec *TaskExecution, end time.Time) *int64 {
	start := exec.CreatedAt
	if exec.StartedAt != nil {
		start = *exec.StartedAt
	}
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return data, nil
}
