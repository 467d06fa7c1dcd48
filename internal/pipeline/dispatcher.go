package pipeline

import (
	"context"
	"log/slog"
	"time"

	"taskorch/internal/core"
)

// DispatchOption customizes a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithDispatchClock overrides the time used to derive period parameters.
func WithDispatchClock(now func() time.Time) DispatchOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithLocation sets the zone period parameters are computed in.
func WithLocation(loc *time.Location) DispatchOption {
	return func(d *Dispatcher) {
		if loc != nil {
			d.location = loc
		}
	}
}

// WithDefaultDryRun applies to sequences that do not set dry_run.
func WithDefaultDryRun(dryRun bool) DispatchOption {
	return func(d *Dispatcher) { d.dryRun = dryRun }
}

// Dispatcher selects and runs the sequence configured for a definition. It
// implements core.SequenceRunner.
type Dispatcher struct {
	registry *Registry
	catalog  *Catalog
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location
	dryRun   bool
}

// NewDispatcher builds a Dispatcher that runs registry sequences from catalog units.
func NewDispatcher(registry *Registry, catalog *Catalog, logger *slog.Logger, opts ...DispatchOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		catalog:  catalog,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SingleTaskResult is returned for definitions without a category flag.
var SingleTaskResult = map[string]string{"message": "Task executed successfully"}

// NoTasksResult is returned when no units are configured for a definition.
func NoTasksResult() []StepResult {
	return []StepResult{{Task: "no-tasks", Status: StepSkipped}}
}

// RunDefinition runs the sequence of def. Category flags select the period
// parameters, daily first, then monthly, then weekly.
func (d *Dispatcher) RunDefinition(ctx context.Context, def *core.TaskDefinition) (any, error) {
	if !def.IsDaily && !def.IsMonthly && !def.IsWeekly {
		return SingleTaskResult, nil
	}
	params := d.periodParams(def)
	log := d.logger.With("task", def.Name)

	seq, ok := d.registry.Lookup(def.Name)
	if !ok || len(seq.Units) == 0 {
		log.Warn("no sub-tasks configured for task definition")
		return NoTasksResult(), nil
	}
	units, err := d.catalog.Resolve(seq.Units)
	if err != nil {
		return nil, &SubTaskFailure{Outcome: uniformOutcome(seq.Units, StepFailed, nil), Err: err}
	}

	for k, v := range seq.Params {
		params[k] = v
	}
	rc := &RunContext{
		TaskName:         def.Name,
		DryRun:           d.dryRun,
		Concurrency:      seq.Concurrency,
		ThrottleInterval: seq.ThrottleInterval,
		Skip:             seq.Skip,
		Limit:            seq.Limit,
		Params:           params,
		Logger:           log,
	}
	if seq.DryRun != nil {
		rc.DryRun = *seq.DryRun
	}
	log.Info("running sub-task sequence", "units", seq.Units, "params", params)

	outcome, err := NewRunner(units...).Execute(ctx, rc)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (d *Dispatcher) periodParams(def *core.TaskDefinition) map[string]any {
	now := d.now().In(d.location)
	switch {
	case def.IsDaily:
		return map[string]any{"date": now.Format("2006-01-02")}
	case def.IsMonthly:
		return map[string]any{"year": now.Year(), "month": int(now.Month())}
	default:
		year, week := now.ISOWeek()
		return map[string]any{"year": year, "week": week}
	}
}
