package core

import (
	"encoding/json"
	"time"
)

// ExecutionStatus describes the state of an individual execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TriggeredBy records who asked for an execution.
type TriggeredBy string

const (
	TriggeredBySystem TriggeredBy = "system"
	TriggeredByManual TriggeredBy = "manual"
)

// TaskDefinition is a named, schedulable unit of work.
// Name is unique and is the key callers use to locate a definition.
type TaskDefinition struct {
	ID             string
	Name           string
	Description    *string
	CronExpression *string
	IsEnabled      bool
	IsDaily        bool
	IsWeekly       bool
	IsMonthly      bool
	TaskType       string
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// Cron returns the cron expression or an empty string.
func (d *TaskDefinition) Cron() string {
	if d == nil || d.CronExpression == nil {
		return ""
	}
	return *d.CronExpression
}

// TaskExecution captures a single run attempt of a task definition.
type TaskExecution struct {
	ID               string
	TaskDefinitionID string
	Status           ExecutionStatus
	StartedAt        *time.Time
	CompletedAt      *time.Time
	// Duration is in milliseconds.
	Duration    *int64
	Result      json.RawMessage
	Error       *string
	Logs        *string
	TriggeredBy TriggeredBy
	CreatedAt   time.Time
}

// TaskStatus is the denormalized current-state projection for a definition.
type TaskStatus struct {
	ID               string
	TaskDefinitionID string
	IsRunning        bool
	LastRunAt        *time.Time
	NextRunAt        *time.Time
	LastExecutionID  *string
	UpdatedAt        time.Time
}

// StatusPatch lists the TaskStatus columns to write in an upsert. Nil fields
// are left untouched on an existing row.
type StatusPatch struct {
	IsRunning       *bool
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	ClearNextRun    bool
	LastExecutionID *string
}

// ExecutionOutcome is the terminal write for an execution.
type ExecutionOutcome struct {
	Status      ExecutionStatus
	CompletedAt time.Time
	Duration    *int64
	Result      json.RawMessage
	Error       *string
}

// DefinitionWithStatus joins a definition with its status row and most
// recent executions for list views.
type DefinitionWithStatus struct {
	Definition         *TaskDefinition
	Status             *TaskStatus
	RecentExecutions   []*TaskExecution
	IsCurrentlyRunning bool
}

// SchedulerStatus is the controller's status() view.
type SchedulerStatus struct {
	IsRunning        bool     `json:"is_running"`
	ScheduledTaskIDs []string `json:"scheduled_task_ids"`
	RunningTaskIDs   []string `json:"running_task_ids"`
}

func ptrString(v string) *string {
	return &v
}

func ptrBool(v bool) *bool {
	return &v
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
