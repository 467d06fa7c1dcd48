package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"taskorch/internal/core"
)

// Notifier sends short human-facing alerts.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier combines multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// FailureAlerts returns a tracker settled hook that alerts on failed
// executions.
func FailureAlerts(n Notifier, logger *slog.Logger) core.SettledFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, s core.Settlement) {
		if s.Execution == nil || s.Execution.Status != core.ExecutionFailed {
			return
		}
		title := fmt.Sprintf("Task %s failed", s.Definition.Name)
		body := "no error message"
		if s.Execution.Error != nil {
			body = *s.Execution.Error
		}
		if s.Execution.Duration != nil {
			body = fmt.Sprintf("%s (after %dms, execution %s)", body, *s.Execution.Duration, s.Execution.ID)
		}
		if err := n.Send(ctx, title, body); err != nil {
			logger.Warn("send failure alert", "task_id", s.Definition.ID, "execution_id", s.Execution.ID, "err", err)
		}
	}
}
