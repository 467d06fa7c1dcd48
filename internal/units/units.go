package units

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskorch/internal/notify"
	"taskorch/internal/pipeline"
)

// Unit ids referenced by sequences.
const (
	NotifyRecordsName          = "notify-records"
	TriggerWeeklyFinishedName  = "trigger-weekly-finished"
	TriggerMonthlyFinishedName = "trigger-monthly-finished"
)

// DefaultTop is how many ranked records a period notification carries.
const DefaultTop = 50

// Targets are delimiter-separated webhook URL lists per notification kind.
type Targets struct {
	Daily   string
	Weekly  string
	Monthly string
}

// Deps is what the built-in units need.
type Deps struct {
	Webhook   *notify.Webhook
	Records   RecordSource
	Targets   Targets
	Token     string
	Signature string
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d Deps) options(dryRun bool) notify.DeliveryOptions {
	return notify.DeliveryOptions{Token: d.Token, Signature: d.Signature, DryRun: dryRun}
}

// Register adds every built-in unit to c.
func Register(c *pipeline.Catalog, deps Deps) error {
	for _, u := range []pipeline.Unit{
		NotifyRecords(deps),
		TriggerWeeklyFinished(deps),
		TriggerMonthlyFinished(deps),
	} {
		if err := c.Register(u); err != nil {
			return err
		}
	}
	return nil
}

func logger(rc *pipeline.RunContext) *slog.Logger {
	if rc.Logger == nil {
		return slog.Default()
	}
	return rc.Logger
}

// NotifyRecords sends one repo_updated notification per record to the
// daily targets.
func NotifyRecords(deps Deps) pipeline.Unit {
	return pipeline.NewUnit(NotifyRecordsName, func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Result, error) {
		if deps.Webhook == nil || deps.Records == nil {
			return pipeline.Result{}, errors.New("notify-records is not configured")
		}
		records, err := deps.Records.Records(ctx)
		if err != nil {
			return pipeline.Result{}, err
		}
		log := logger(rc)
		if deps.Targets.Daily == "" {
			log.Warn("no daily webhook targets configured", "task", rc.TaskName)
		}

		report, err := pipeline.ForEach(ctx, rc, records, Record.FullName, func(ctx context.Context, rec Record) (any, error) {
			return deps.notifyRecord(ctx, rc, rec)
		})
		if report == nil {
			return pipeline.Result{}, err
		}
		meta := report.Meta()
		meta["dry_run"] = rc.DryRun
		delivered := 0
		for _, v := range report.Values() {
			if item, ok := v.(recordItem); ok && item.WebhookDelivered {
				delivered++
			}
		}
		meta["delivered"] = delivered
		if failures := report.Failures(); len(failures) > 0 {
			meta["errors"] = failures
		}
		return pipeline.Result{Data: report.Values(), Meta: meta}, err
	})
}

type recordItem struct {
	FullName         string                  `json:"full_name"`
	WebhookDelivered bool                    `json:"webhook_delivered"`
	Deliveries       notify.DeliveryStats    `json:"deliveries"`
	Results          []notify.DeliveryResult `json:"results,omitempty"`
	DurationMS       int64                   `json:"duration_ms"`
}

func (d Deps) notifyRecord(ctx context.Context, rc *pipeline.RunContext, rec Record) (any, error) {
	if rec.Name == "" {
		return nil, fmt.Errorf("record %q has no name", rec.ID)
	}
	started := time.Now()
	data := notify.RecordData{
		ID:               rec.ID,
		FullName:         rec.FullName(),
		Name:             rec.Name,
		Owner:            rec.Owner,
		Description:      rec.Description,
		Homepage:         rec.Homepage,
		Stars:            rec.Stars,
		Forks:            rec.Forks,
		ContributorCount: rec.ContributorCount,
		WatchersCount:    rec.WatchersCount,
		Topics:           rec.Topics,
		Archived:         rec.Archived,
		CreatedAt:        rec.CreatedAt,
		PushedAt:         rec.PushedAt,
		UpdatedAt:        rec.UpdatedAt,
		ProcessingStatus: map[string]bool{
			"stats_present":      rec.Stars != nil,
			"timestamps_present": rec.UpdatedAt != "" || rec.PushedAt != "",
		},
	}
	// The payload can only report preparation time; the per-item result
	// carries the time through delivery.
	data.Meta = notify.ProcessingMeta{
		TaskName:         rc.TaskName,
		ProcessedAt:      d.now().UTC().Format(time.RFC3339Nano),
		ProcessingTimeMS: time.Since(started).Milliseconds(),
		Success:          true,
	}

	results := d.Webhook.Deliver(ctx, d.Targets.Daily, notify.NewEnvelope(notify.EventRecordUpdated, data), d.options(rc.DryRun))
	stats := notify.Stats(results)
	item := recordItem{
		FullName:         rec.FullName(),
		WebhookDelivered: notify.HasSuccessful(results),
		Deliveries:       stats,
		Results:          results,
		DurationMS:       time.Since(started).Milliseconds(),
	}

	log := logger(rc)
	switch {
	case rc.DryRun || stats.Total == 0:
	case stats.Failed == 0:
		log.Debug("record notification delivered", "task", rc.TaskName, "record", item.FullName, "endpoints", stats.Total)
	case item.WebhookDelivered:
		log.Info("record notification partially delivered", "task", rc.TaskName, "record", item.FullName,
			"successful", stats.Successful, "failed", stats.Failed)
	default:
		log.Warn("record notification failed on every endpoint", "task", rc.TaskName, "record", item.FullName, "failed", stats.Failed)
	}
	return item, nil
}

// TriggerWeeklyFinished announces the end of an ISO week to the weekly
// targets. It needs the year and week params.
func TriggerWeeklyFinished(deps Deps) pipeline.Unit {
	return periodTrigger(deps, TriggerWeeklyFinishedName, notify.EventWeeklyFinished, "week", func() string { return deps.Targets.Weekly })
}

// TriggerMonthlyFinished announces the end of a month to the monthly
// targets. It needs the year and month params.
func TriggerMonthlyFinished(deps Deps) pipeline.Unit {
	return periodTrigger(deps, TriggerMonthlyFinishedName, notify.EventMonthlyFinished, "month", func() string { return deps.Targets.Monthly })
}

func periodTrigger(deps Deps, name, event, periodKey string, targets func() string) pipeline.Unit {
	return pipeline.NewUnit(name, func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Result, error) {
		if deps.Webhook == nil {
			return pipeline.Result{}, fmt.Errorf("%s is not configured", name)
		}
		year, ok := rc.IntParam("year")
		if !ok {
			return pipeline.Result{}, errors.New("missing year parameter")
		}
		period, ok := rc.IntParam(periodKey)
		if !ok {
			return pipeline.Result{}, fmt.Errorf("missing %s parameter", periodKey)
		}
		dest := targets()
		if dest == "" {
			return pipeline.Result{}, fmt.Errorf("no %s webhook targets configured", periodKey)
		}

		var records []Record
		if deps.Records != nil {
			var err error
			if records, err = deps.Records.Records(ctx); err != nil {
				return pipeline.Result{}, err
			}
		}
		top := DefaultTop
		if n, ok := rc.IntParam("top"); ok && n > 0 {
			top = n
		}
		ranked := rank(records, top)

		data := notify.PeriodFinished{Year: year, Records: make([]notify.RankedRecord, len(ranked)), TotalRecords: len(ranked)}
		if periodKey == "week" {
			data.Week = period
		} else {
			data.Month = period
		}
		for i, r := range ranked {
			var stars int64
			if r.Stars != nil {
				stars = *r.Stars
			}
			data.Records[i] = notify.RankedRecord{
				Rank:     i + 1,
				Name:     r.Name,
				FullName: r.FullName(),
				Stars:    stars,
				Delta:    r.Delta,
				URL:      r.URL,
			}
		}

		results := deps.Webhook.Deliver(ctx, dest, notify.NewEnvelope(event, data), deps.options(rc.DryRun))
		sent := notify.HasSuccessful(results)
		log := logger(rc)
		if !sent && !rc.DryRun {
			log.Warn("period notification failed on every endpoint", "task", rc.TaskName, "event", event, "year", year, periodKey, period)
		} else {
			log.Info("period notification sent", "task", rc.TaskName, "event", event, "year", year, periodKey, period, "dry_run", rc.DryRun)
		}

		return pipeline.Result{
			Data: []any{data},
			Meta: map[string]any{
				"sent":       sent,
				"year":       year,
				periodKey:    period,
				"dry_run":    rc.DryRun,
				"deliveries": notify.Stats(results),
			},
		}, nil
	})
}
