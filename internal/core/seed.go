package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDefinitions returns the definitions seeded at bootstrap: one
// daily, one weekly, one monthly and a daily assets task.
func DefaultDefinitions() []*TaskDefinition {
	return []*TaskDefinition{
		{
			Name:           "daily-update",
			Description:    ptrString("Daily update: refresh record data and notify downstream systems"),
			CronExpression: ptrString("0 2 * * *"),
			IsEnabled:      true,
			IsDaily:        true,
			TaskType:       "daily",
		},
		{
			Name:           "monthly-rankings",
			Description:    ptrString("Monthly rankings: build the monthly ranking and announce it"),
			CronExpression: ptrString("0 3 1 * *"),
			IsEnabled:      true,
			IsMonthly:      true,
			TaskType:       "monthly",
		},
		{
			Name:           "weekly-rankings",
			Description:    ptrString("Weekly rankings: build the weekly ranking and announce it"),
			CronExpression: ptrString("0 3 * * 1"),
			IsEnabled:      true,
			IsWeekly:       true,
			TaskType:       "weekly",
		},
		{
			Name:           "process-repo-assets",
			Description:    ptrString("Record assets: refresh icons and preview images"),
			CronExpression: ptrString("0 4 * * *"),
			IsEnabled:      true,
			IsDaily:        true,
			TaskType:       "daily",
		},
	}
}

// SeedDefinitions inserts every definition whose name is not already
// present. Existing definitions are never modified.
func SeedDefinitions(ctx context.Context, store Store, defs []*TaskDefinition, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inserted := 0
	now := time.Now().UTC()
	for _, def := range defs {
		if def.ID == "" {
			def.ID = NewID()
		}
		if def.CreatedAt.IsZero() {
			def.CreatedAt = now
		}
		ok, err := store.InsertDefinitionIfAbsent(ctx, def)
		if err != nil {
			return inserted, fmt.Errorf("seed %s: %w", def.Name, err)
		}
		if ok {
			inserted++
			logger.Info("seeded task definition", "task", def.Name, "cron", def.Cron())
		}
	}
	return inserted, nil
}
