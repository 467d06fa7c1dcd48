package core

import "errors"

var (
	ErrNotFound              = errors.New("task definition not found")
	ErrDisabled              = errors.New("task is disabled")
	ErrAlreadyRunning        = errors.New("task is already running")
	ErrNotRunning            = errors.New("task is not running")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrSubTaskFailure        = errors.New("sub-task sequence failed")
	ErrShuttingDown          = errors.New("tracker is shutting down")

	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionTerminal = errors.New("execution already finished")
)

// Error kinds surfaced to control-surface callers.
const (
	KindNotFound       = "not_found"
	KindDisabled       = "disabled"
	KindAlreadyRunning = "already_running"
	KindNotRunning     = "not_running"
	KindInvalidCron    = "invalid_cron"
	KindSubTaskFailure = "subtask_failure"
	KindInternal       = "internal"
)

// ErrorKind classifies err into one of the taxonomy kinds.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExecutionNotFound):
		return KindNotFound
	case errors.Is(err, ErrDisabled):
		return KindDisabled
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning
	case errors.Is(err, ErrNotRunning):
		return KindNotRunning
	case errors.Is(err, ErrInvalidCronExpression):
		return KindInvalidCron
	case errors.Is(err, ErrSubTaskFailure):
		return KindSubTaskFailure
	default:
		return KindInternal
	}
}

// ResultCarrier is implemented by errors that still carry a result payload
// worth persisting alongside the failure, such as an all-failed step list.
type ResultCarrier interface {
	error
	Result() any
}
