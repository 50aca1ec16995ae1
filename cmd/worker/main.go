package main

import (
	"context"
	"os"

	"videoflow/internal/activities"
	"videoflow/internal/app"
	"videoflow/internal/config"
	"videoflow/internal/durable"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/pkg/shutdown"
	"videoflow/internal/storage"
	"videoflow/internal/store"
	"videoflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).LogFatal("failed to load configuration", err)
	}
	log := app.NewLogger(cfg, "worker")

	if err := cfg.Validate(); err != nil {
		log.LogFatal("invalid configuration", err)
	}
	if cfg.QueueBackend != config.BackendRedis {
		log.LogFatal("invalid configuration", errors.Validation("a standalone worker needs QUEUE_BACKEND=redis"))
	}
	if cfg.CorrelationBackend == config.BackendMemory {
		log.Warn("approval codes stored in worker memory cannot be resolved by the API")
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	rdb, err := app.ConnectRedis(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to connect to Redis", err)
	}
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	backends, err := store.Open(ctx, cfg, rdb, log)
	if err != nil {
		log.LogFatal("failed to open stores", err)
	}
	shutdownMgr.RegisterSimple("stores", backends.Close)

	sp, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	reg, err := app.NewRegistry(cfg, activities.Deps{
		Storage:      sp,
		Correlations: backends.Correlation,
		Notifier:     app.NewNotifier(cfg, log),
		Log:          log,
	})
	if err != nil {
		log.LogFatal("failed to register activities", err)
	}

	tasks, results, err := app.NewQueues(cfg, rdb)
	if err != nil {
		log.LogFatal("failed to create queues", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- worker.Run(runCtx, worker.Deps{
			Tasks:       tasks,
			Results:     results,
			Executor:    durable.NewExecutor(reg, log),
			Concurrency: cfg.WorkerConcurrency,
			Log:         log,
		})
	}()
	shutdownMgr.Register("worker", func(ctx context.Context) error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	log.Info("videoflow worker started", "queue", cfg.TaskQueueName, "concurrency", cfg.WorkerConcurrency)
	if err := shutdownMgr.Wait(); err != nil {
		os.Exit(1)
	}
}
