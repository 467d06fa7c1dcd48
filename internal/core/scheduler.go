package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store abstracts the persistence layer used by the scheduler and tracker.
type Store interface {
	// Definition operations
	GetDefinition(ctx context.Context, id string) (*TaskDefinition, error)
	GetDefinitionByName(ctx context.Context, name string) (*TaskDefinition, error)
	ListDefinitions(ctx context.Context) ([]*TaskDefinition, error)
	InsertDefinitionIfAbsent(ctx context.Context, def *TaskDefinition) (bool, error)
	SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error

	// Execution operations
	InsertExecution(ctx context.Context, exec *TaskExecution) error
	MarkExecutionRunning(ctx context.Context, id string, startedAt time.Time) error
	FinishExecution(ctx context.Context, id string, outcome ExecutionOutcome) error
	GetExecution(ctx context.Context, id string) (*TaskExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error)
	PruneExecutions(ctx context.Context, taskID string, keep int) (int64, error)

	// Status operations. GetTaskStatus returns nil without error when no
	// row exists yet.
	GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	UpsertTaskStatus(ctx context.Context, taskID string, patch StatusPatch) error
}

// SequenceRunner executes the sub-task sequence configured for a definition.
type SequenceRunner interface {
	RunDefinition(ctx context.Context, def *TaskDefinition) (any, error)
}

// Timer is a one-shot timer that can be disarmed.
type Timer interface {
	Stop() bool
}

// TimerFunc arms f to run once after d.
type TimerFunc func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the time source used to compute fire times.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithTimerFunc overrides how one-shot timers are armed.
func WithTimerFunc(fn TimerFunc) SchedulerOption {
	return func(s *Scheduler) { s.afterFunc = fn }
}

type armedTimer struct {
	timer Timer
	gen   uint64
	next  time.Time
}

// Scheduler owns one timer per enabled definition and re-arms it after
// every fire.
type Scheduler struct {
	store     Store
	tracker   *Tracker
	runner    SequenceRunner
	logger    *slog.Logger
	location  *time.Location
	now       func() time.Time
	afterFunc TimerFunc

	mu      sync.Mutex
	running bool
	ctx     context.Context
	timers  map[string]*armedTimer
	gen     uint64
}

// NewScheduler constructs a stopped scheduler with the given dependencies.
func NewScheduler(store Store, tracker *Tracker, runner SequenceRunner, logger *slog.Logger, location *time.Location, opts ...SchedulerOption) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:     store,
		tracker:   tracker,
		runner:    runner,
		logger:    logger,
		location:  location,
		now:       time.Now,
		afterFunc: afterFunc,
		timers:    make(map[string]*armedTimer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start arms timers for every enabled definition. ctx is used for the
// background work triggered by timers. Starting twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.armAll(ctx); err != nil {
		s.Stop()
		return err
	}
	s.logger.Info("scheduler started", "scheduled", len(s.Status().ScheduledTaskIDs))
	return nil
}

// Stop disarms every timer. Executions already in flight keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.disarmAllLocked()
	s.mu.Unlock()
	if wasRunning {
		s.logger.Info("scheduler stopped")
	}
}

// Reload disarms every timer, re-reads all definitions and re-arms the
// enabled ones. It does nothing while the scheduler is stopped.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Warn("reload ignored, scheduler is stopped")
		return nil
	}
	s.disarmAllLocked()
	s.mu.Unlock()

	if err := s.armAll(ctx); err != nil {
		return err
	}
	s.logger.Info("scheduler reloaded", "scheduled", len(s.Status().ScheduledTaskIDs))
	return nil
}

// Execute starts a manual run of taskID and returns without waiting for it.
func (s *Scheduler) Execute(ctx context.Context, taskID string) (*Run, error) {
	return s.tracker.Start(ctx, taskID, TriggeredByManual, s.work)
}

// Cancel cancels the in-flight execution of taskID.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	return s.tracker.Cancel(ctx, taskID)
}

// Toggle persists the enabled flag. Enabling arms a timer if the scheduler
// is running and none is armed; disabling discards the armed timer without
// touching a run in flight.
func (s *Scheduler) Toggle(ctx context.Context, taskID string, enabled bool) (*TaskDefinition, error) {
	if err := s.store.SetDefinitionEnabled(ctx, taskID, enabled); err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if enabled {
		if err := s.arm(ctx, def); err != nil && !errors.Is(err, ErrInvalidCronExpression) {
			return def, err
		}
	} else {
		s.disarm(taskID)
		if err := s.tracker.RecordNextRun(ctx, taskID, nil); err != nil {
			s.logger.Warn("clear next run", "task_id", taskID, "err", err)
		}
	}
	s.logger.Info("task toggled", "task_id", taskID, "task", def.Name, "enabled", enabled)
	return def, nil
}

// Status reports the controller state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	running := s.running
	s.mu.Unlock()
	sort.Strings(ids)
	return SchedulerStatus{
		IsRunning:        running,
		ScheduledTaskIDs: ids,
		RunningTaskIDs:   s.tracker.RunningTaskIDs(),
	}
}

// NextFire returns the armed fire time for taskID.
func (s *Scheduler) NextFire(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.timers[taskID]
	if !ok {
		return time.Time{}, false
	}
	return at.next, true
}

// GetDefinition returns one definition with its status and recent runs.
func (s *Scheduler) GetDefinition(ctx context.Context, taskID string, recentLimit int) (*DefinitionWithStatus, error) {
	def, err := s.store.GetDefinition(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.withStatus(ctx, def, recentLimit)
}

// ListDefinitionsWithStatus joins every definition with its status row and
// its most recent executions.
func (s *Scheduler) ListDefinitionsWithStatus(ctx context.Context, recentLimit int) ([]*DefinitionWithStatus, error) {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	out := make([]*DefinitionWithStatus, 0, len(defs))
	for _, def := range defs {
		item, err := s.withStatus(ctx, def, recentLimit)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Scheduler) withStatus(ctx context.Context, def *TaskDefinition, recentLimit int) (*DefinitionWithStatus, error) {
	status, err := s.store.GetTaskStatus(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("task status %s: %w", def.ID, err)
	}
	recent, err := s.store.ListExecutions(ctx, def.ID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent executions %s: %w", def.ID, err)
	}
	return &DefinitionWithStatus{
		Definition:         def,
		Status:             status,
		RecentExecutions:   recent,
		IsCurrentlyRunning: s.tracker.IsRunning(def.ID),
	}, nil
}

// ListRecentExecutions returns the newest executions of taskID.
func (s *Scheduler) ListRecentExecutions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	if _, err := s.store.GetDefinition(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, taskID, limit)
}

// Resolve finds a definition by id, falling back to its unique name.
func (s *Scheduler) Resolve(ctx context.Context, ref string) (*TaskDefinition, error) {
	def, err := s.store.GetDefinition(ctx, ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return def, err
	}
	return s.store.GetDefinitionByName(ctx, ref)
}

// GetExecution returns a single execution.
func (s *Scheduler) GetExecution(ctx context.Context, id string) (*TaskExecution, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *Scheduler) work(ctx context.Context, def *TaskDefinition) (any, error) {
	return s.runner.RunDefinition(ctx, def)
}

func (s *Scheduler) armAll(ctx context.Context) error {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}
	for _, def := range defs {
		if !def.IsEnabled {
			continue
		}
		if err := s.arm(ctx, def); err != nil && !errors.Is(err, ErrInvalidCronExpression) {
			s.logger.Error("schedule task", "task_id", def.ID, "err", err)
		}
	}
	return nil
}

// arm computes the next fire time of def and arms its timer unless one is
// already armed or the scheduler is stopped. Definitions without a usable
// cron expression are logged and skipped.
func (s *Scheduler) arm(ctx context.Context, def *TaskDefinition) error {
	expr := def.Cron()
	if expr == "" {
		s.logger.Debug("task has no cron expression, not scheduling", "task_id", def.ID, "task", def.Name)
		return nil
	}
	fields, err := ParseSchedulableCron(expr)
	if err != nil {
		s.logger.Warn("invalid cron expression, not scheduling", "task_id", def.ID, "task", def.Name, "cron", expr, "err", err)
		return err
	}
	now := s.now().In(s.location)
	next := NextRun(fields, now)
	if next.IsZero() {
		s.logger.Warn("cron expression never fires, not scheduling", "task_id", def.ID, "task", def.Name, "cron", expr)
		return fmt.Errorf("%w: %q has no upcoming run", ErrInvalidCronExpression, expr)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.timers[def.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	taskID := def.ID
	s.timers[taskID] = &armedTimer{
		timer: s.afterFunc(next.Sub(now), func() { s.fire(taskID, gen) }),
		gen:   gen,
		next:  next,
	}
	s.mu.Unlock()

	nextUTC := next.UTC()
	if err := s.tracker.RecordNextRun(ctx, taskID, &nextUTC); err != nil {
		s.logger.Warn("update next_run_at failed", "task_id", taskID, "err", err)
	}
	s.logger.Info("task armed", "task_id", taskID, "task", def.Name, "next_run_at", next)
	return nil
}

// fire runs one scheduled execution and re-arms the timer once the task
// is released, whatever the outcome.
func (s *Scheduler) fire(taskID string, gen uint64) {
	s.mu.Lock()
	at, ok := s.timers[taskID]
	if !ok || at.gen != gen || !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info("timer fired", "task_id", taskID)
	run, err := s.tracker.Start(ctx, taskID, TriggeredBySystem, s.work)
	switch {
	case err == nil:
		// A cancelled run releases the task while its work may still be
		// running; the schedule continues from that point.
		<-run.Released()
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Info("skipping run because task is already running", "task_id", taskID)
	case errors.Is(err, ErrShuttingDown):
		s.logger.Info("skipping run during shutdown", "task_id", taskID)
		return
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDisabled):
		s.logger.Info("dropping timer for unavailable task", "task_id", taskID, "err", err)
		s.disarmGen(taskID, gen)
		return
	default:
		s.logger.Error("start scheduled execution", "task_id", taskID, "err", err)
	}
	s.rearm(ctx, taskID, gen)
}

func (s *Scheduler) rearm(ctx context.Context, taskID string, gen uint64) {
	if !s.disarmGen(taskID, gen) {
		return
	}
	def, err := s.store.GetDefinition(ctx, taskID)
	if err != nil {
		s.logger.Error("fetch task for rescheduling", "task_id", taskID, "err", err)
		return
	}
	if !def.IsEnabled {
		return
	}
	if err := s.arm(ctx, def); err != nil && !errors.Is(err, ErrInvalidCronExpression) {
		s.logger.Error("reschedule task", "task_id", taskID, "err", err)
	}
}

// disarmGen removes the timer of taskID only if it is still generation
// gen. It reports whether a timer was removed.
func (s *Scheduler) disarmGen(taskID string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.timers[taskID]
	if !ok || at.gen != gen {
		return false
	}
	at.timer.Stop()
	delete(s.timers, taskID)
	return true
}

func (s *Scheduler) disarm(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.timers[taskID]; ok {
		at.timer.Stop()
		delete(s.timers, taskID)
	}
}

func (s *Scheduler) disarmAllLocked() {
	for id, at := range s.timers {
		at.timer.Stop()
		delete(s.timers, id)
	}
}
