package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ItemOutcome is the result of processing one item.
type ItemOutcome struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Report summarizes an iteration.
type Report struct {
	Items     []ItemOutcome
	Total     int
	Processed int
	Failed    int
}

// Meta renders the report counters for a unit Result.
func (r *Report) Meta() map[string]any {
	return map[string]any{
		"total":     r.Total,
		"processed": r.Processed,
		"failed":    r.Failed,
	}
}

// Values returns the values of items that succeeded.
func (r *Report) Values() []any {
	out := make([]any, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Error == "" {
			out = append(out, item.Value)
		}
	}
	return out
}

// Failures returns the items that failed, each with its key and error.
func (r *Report) Failures() []ItemOutcome {
	var out []ItemOutcome
	for _, item := range r.Items {
		if item.Error != "" {
			out = append(out, ItemOutcome{Key: item.Key, Error: item.Error})
		}
	}
	return out
}

// ForEach applies fn to the items selected by rc.Skip and rc.Limit. At most
// rc.Concurrency items are in flight, and successive starts are at least
// rc.ThrottleInterval apart. Errors and panics inside fn are recorded on the
// item; a cancelled context stops new items from starting and is returned.
func ForEach[T any](ctx context.Context, rc *RunContext, items []T, key func(T) string, fn func(ctx context.Context, item T) (any, error)) (*Report, error) {
	if rc == nil {
		rc = &RunContext{}
	}
	window := Window(items, rc.Skip, rc.Limit)
	report := &Report{Total: len(window)}

	var limiter *rate.Limiter
	if rc.ThrottleInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(rc.ThrottleInterval), 1)
	}
	concurrency := rc.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	outcomes := make([]ItemOutcome, len(window))
	started := 0
	var abort error
	for i, item := range window {
		if err := ctx.Err(); err != nil {
			abort = err
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				abort = err
				break
			}
		}
		started++
		g.Go(func() error {
			outcomes[i] = processItem(ctx, key(item), item, fn)
			return nil
		})
	}
	_ = g.Wait()

	report.Items = outcomes[:started]
	for _, o := range report.Items {
		report.Processed++
		if o.Error != "" {
			report.Failed++
			rc.logger().Debug("item failed", "task", rc.TaskName, "key", o.Key, "err", o.Error)
		}
	}
	if abort != nil {
		return report, fmt.Errorf("iteration stopped after %d of %d items: %w", started, len(window), abort)
	}
	return report, nil
}

func processItem[T any](ctx context.Context, key string, item T, fn func(ctx context.Context, item T) (any, error)) (out ItemOutcome) {
	out.Key = key
	defer func() {
		if r := recover(); r != nil {
			out.Error = fmt.Sprintf("panic: %v", r)
		}
	}()
	v, err := fn(ctx, item)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Value = v
	return out
}

// Window returns items[skip:skip+limit]; a zero limit means no upper bound.
func Window[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
