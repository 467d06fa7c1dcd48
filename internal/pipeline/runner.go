// Package pipeline runs ordered sequences of sub-task units against a
// shared run context.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskorch/internal/core"
)

// RunContext is shared by every unit of one invocation.
type RunContext struct {
	TaskName string
	// DryRun asks side-effecting units to report instead of act.
	DryRun           bool
	Concurrency      int
	ThrottleInterval time.Duration
	Skip             int
	Limit            int
	Params           map[string]any
	Logger           *slog.Logger
}

// Param returns a task-specific parameter.
func (rc *RunContext) Param(key string) (any, bool) {
	if rc == nil || rc.Params == nil {
		return nil, false
	}
	v, ok := rc.Params[key]
	return v, ok
}

// IntParam returns an integer parameter, accepting the numeric types YAML
// and JSON decoding produce.
func (rc *RunContext) IntParam(key string) (int, bool) {
	v, ok := rc.Param(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// StringParam returns a string parameter.
func (rc *RunContext) StringParam(key string) (string, bool) {
	v, ok := rc.Param(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (rc *RunContext) logger() *slog.Logger {
	if rc.Logger == nil {
		return slog.Default()
	}
	return rc.Logger
}

// Result is what a unit, and a whole run, produces.
type Result struct {
	Data []any          `json:"data"`
	Meta map[string]any `json:"meta"`
}

// Unit is a named sub-task.
type Unit interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) (Result, error)
}

type unitFunc struct {
	name string
	fn   func(ctx context.Context, rc *RunContext) (Result, error)
}

func (u unitFunc) Name() string { return u.name }

func (u unitFunc) Run(ctx context.Context, rc *RunContext) (Result, error) {
	return u.fn(ctx, rc)
}

// NewUnit adapts a function into a Unit.
func NewUnit(name string, fn func(ctx context.Context, rc *RunContext) (Result, error)) Unit {
	return unitFunc{name: name, fn: fn}
}

// StepStatus is the per-unit status reported in an Outcome.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult reports one unit of an invocation.
type StepResult struct {
	Task   string     `json:"task"`
	Status StepStatus `json:"status"`
}

// Outcome is the aggregate of an invocation. Every step shares the same
// status: one failing unit marks the whole invocation failed.
type Outcome struct {
	Steps  []StepResult `json:"steps"`
	Output *Result      `json:"output,omitempty"`
}

// SubTaskFailure is returned when an invocation fails. It carries the
// all-failed outcome so it can be persisted with the error.
type SubTaskFailure struct {
	Outcome *Outcome
	Err     error
}

func (e *SubTaskFailure) Error() string {
	return fmt.Sprintf("%s: %v", core.ErrSubTaskFailure, e.Err)
}

func (e *SubTaskFailure) Unwrap() []error {
	return []error{core.ErrSubTaskFailure, e.Err}
}

// Result implements core.ResultCarrier.
func (e *SubTaskFailure) Result() any {
	return e.Outcome
}

// Runner executes units strictly in order.
type Runner struct {
	units []Unit
}

// NewRunner builds a runner over units.
func NewRunner(units ...Unit) *Runner {
	return &Runner{units: units}
}

// Names lists the unit names in execution order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.units))
	for i, u := range r.units {
		names[i] = u.Name()
	}
	return names
}

// Run executes every unit and merges their results. Data is concatenated;
// each unit's meta is stored under its name. The first error stops the run.
func (r *Runner) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if rc == nil {
		rc = &RunContext{}
	}
	log := rc.logger()
	out := &Result{Data: []any{}, Meta: map[string]any{}}
	for _, unit := range r.units {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("before %s: %w", unit.Name(), err)
		}
		started := time.Now()
		log.Info("sub-task started", "task", rc.TaskName, "unit", unit.Name(), "dry_run", rc.DryRun)
		res, err := unit.Run(ctx, rc)
		if err != nil {
			log.Error("sub-task failed", "task", rc.TaskName, "unit", unit.Name(), "err", err)
			return out, fmt.Errorf("%s: %w", unit.Name(), err)
		}
		out.Data = append(out.Data, res.Data...)
		if res.Meta != nil {
			out.Meta[unit.Name()] = res.Meta
		}
		log.Info("sub-task completed", "task", rc.TaskName, "unit", unit.Name(), "items", len(res.Data), "elapsed", time.Since(started))
	}
	return out, nil
}

// Execute runs the sequence and reports it all-or-nothing. On failure the
// returned error is a *SubTaskFailure.
func (r *Runner) Execute(ctx context.Context, rc *RunContext) (*Outcome, error) {
	res, err := r.Run(ctx, rc)
	if err != nil {
		return nil, &SubTaskFailure{Outcome: r.outcome(StepFailed, nil), Err: err}
	}
	return r.outcome(StepCompleted, res), nil
}

func (r *Runner) outcome(status StepStatus, res *Result) *Outcome {
	return uniformOutcome(r.Names(), status, res)
}

func uniformOutcome(names []string, status StepStatus, res *Result) *Outcome {
	steps := make([]StepResult, len(names))
	for i, name := range names {
		steps[i] = StepResult{Task: name, Status: status}
	}
	return &Outcome{Steps: steps, Output: res}
}
