package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"taskorch/internal/api"
	"taskorch/internal/config"
	"taskorch/internal/core"
	"taskorch/internal/logging"
	taskorchmcp "taskorch/internal/mcp"
	"taskorch/internal/notify"
	"taskorch/internal/pipeline"
	"taskorch/internal/store"
	"taskorch/internal/units"
	"taskorch/internal/watch"
)

var version = "dev"

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in stdio modes.
	logOut := os.Stdout
	if cfg.Server.Mode != config.ModeHTTP {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("taskorchd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeInst, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return err
	}
	defer storeInst.Close()

	if _, err := core.SeedDefinitions(ctx, storeInst, core.DefaultDefinitions(), logger); err != nil {
		return err
	}

	location := cfg.Location()
	registry := pipeline.DefaultRegistry()
	if err := registry.Load(cfg.Scheduler.SequencesFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("no sequence file, using built-in sequences", "path", cfg.Scheduler.SequencesFile)
		} else {
			logger.Warn("sequence file rejected, using built-in sequences", "path", cfg.Scheduler.SequencesFile, "err", err)
		}
	}

	webhook := notify.NewWebhook(logger,
		notify.WithDelimiter(cfg.Webhook.Delimiter),
		notify.WithTimeout(cfg.Webhook.Timeout),
	)
	catalog := pipeline.NewCatalog()
	if err := units.Register(catalog, units.Deps{
		Webhook: webhook,
		Records: units.FileRecordSource{Path: cfg.RecordsFile},
		Targets: units.Targets{
			Daily:   cfg.Webhook.DailyTargets,
			Weekly:  cfg.Webhook.WeeklyTargets,
			Monthly: cfg.Webhook.MonthlyTargets,
		},
		Token:     cfg.Webhook.Token,
		Signature: cfg.Webhook.Signature,
	}); err != nil {
		return err
	}
	dispatcher := pipeline.NewDispatcher(registry, catalog, logger,
		pipeline.WithLocation(location),
		pipeline.WithDefaultDryRun(cfg.Scheduler.DefaultDryRun),
	)

	trackerOpts := []core.TrackerOption{core.WithRetention(cfg.Scheduler.Retention)}
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Warn("bark alerts disabled", "err", err)
		} else {
			trackerOpts = append(trackerOpts, core.WithSettledHook(notify.FailureAlerts(bark, logger)))
		}
	}
	tracker := core.NewTracker(storeInst, logger, trackerOpts...)
	scheduler := core.NewScheduler(storeInst, tracker, dispatcher, logger, location)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	if cfg.Scheduler.WatchFiles {
		watcher := watch.New(cfg.Scheduler.SequencesFile, func(ctx context.Context, data []byte) error {
			seqs, err := pipeline.ParseSequences(data)
			if err != nil {
				return err
			}
			registry.Replace(seqs)
			return scheduler.Reload(ctx)
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("sequence watcher stopped", "err", err)
			}
		}()
	}

	mcpServer := taskorchmcp.NewMCPServer(scheduler, logger, location, version)

	var httpServer *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Mode == config.ModeHTTP || cfg.Server.Mode == config.ModeBoth {
		httpServer = api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, scheduler, mcpServer, logger, location)
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// In mcp mode the daemon lives as long as the stdio session. In both mode
	// only a transport error ends it.
	mcpDone := make(chan error, 1)
	switch cfg.Server.Mode {
	case config.ModeMCP:
		go func() { mcpDone <- mcpServer.Run() }()
	case config.ModeBoth:
		go func() {
			if err := mcpServer.Run(); err != nil {
				mcpDone <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		logger.Error("server error", "err", err)
		runErr = err
	case err := <-mcpDone:
		if err != nil {
			logger.Error("mcp server error", "err", err)
			runErr = err
		} else {
			logger.Info("mcp session ended")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	scheduler.Stop()
	if err := tracker.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executions still running at shutdown", "running", tracker.RunningTaskIDs(), "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
