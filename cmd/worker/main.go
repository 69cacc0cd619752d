package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/contamx/contamx/internal/app"
	"github.com/contamx/contamx/internal/platform/cache"
	"github.com/contamx/contamx/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	rt, err := app.NewRuntime(ctx, cfg, logger, "contamx-worker")
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()
	go rt.RunBus(ctx)

	syncJobs := jobs.NewSyncJobs(rt.Sync, logger, rt.JobMetrics)
	ledgerJobs := jobs.NewLedgerJobs(rt.Ledger, rt.Tenants, logger, rt.JobMetrics)

	cron, err := cronRegistrations(cfg)
	if err != nil {
		logger.Error("build cron tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cache.QueueOpts(cfg.RedisAddr),
		Logger:      logger,
		Handlers:    append(syncJobs.Handlers(), ledgerJobs.Handlers()...),
		Cron:        cron,
		Concurrency: cfg.WorkerConcurrency,
		RetryDelay:  jobs.RetryDelayFunc(cfg.RetryPolicy()),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

func cronRegistrations(cfg *app.Config) ([]jobs.CronRegistration, error) {
	snapshots, err := jobs.NewSnapshotRebuildTask("all", 0)
	if err != nil {
		return nil, err
	}
	integrity, err := jobs.NewLedgerIntegrityTask("all")
	if err != nil {
		return nil, err
	}
	return []jobs.CronRegistration{
		{Spec: cfg.CronSweep, Task: jobs.NewSyncSweepTask(), Options: []asynq.Option{asynq.MaxRetry(0)}},
		{Spec: cfg.CronSnapshots, Task: snapshots, Options: []asynq.Option{asynq.MaxRetry(3)}},
		{Spec: cfg.CronEFOS, Task: jobs.NewEFOSRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		{Spec: cfg.CronIntegrity, Task: integrity, Options: []asynq.Option{asynq.MaxRetry(1)}},
	}, nil
}
