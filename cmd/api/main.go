package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"videoflow/internal/activities"
	"videoflow/internal/app"
	"videoflow/internal/config"
	"videoflow/internal/durable"
	"videoflow/internal/httpapi"
	"videoflow/internal/httpapi/handlers"
	"videoflow/internal/metrics"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/pkg/shutdown"
	"videoflow/internal/queue"
	"videoflow/internal/storage"
	"videoflow/internal/store"
	"videoflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).LogFatal("failed to load configuration", err)
	}
	log := app.NewLogger(cfg, "api")

	if err := cfg.Validate(); err != nil {
		log.LogFatal("invalid configuration", err)
	}
	if cfg.QueueBackend == config.BackendMemory && cfg.InProcessWorkers == 0 {
		log.LogFatal("invalid configuration", errors.Validation("the memory queue backend needs INPROCESS_WORKERS > 0"))
	}
	if cfg.InProcessWorkers == 0 && cfg.CorrelationBackend == config.BackendMemory {
		log.Warn("approval codes live in memory but activities run in other processes")
	}

	log.Info("starting videoflow API",
		"history_backend", cfg.HistoryBackend,
		"correlation_backend", cfg.CorrelationBackend,
		"queue_backend", cfg.QueueBackend,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	rdb, err := app.ConnectRedis(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to connect to Redis", err)
	}
	checks := map[string]handlers.Check{}
	if rdb != nil {
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	backends, err := store.Open(ctx, cfg, rdb, log)
	if err != nil {
		log.LogFatal("failed to open stores", err)
	}
	shutdownMgr.RegisterSimple("stores", backends.Close)
	for name, p := range backends.Checks {
		checks[name] = p.Ping
	}

	log.Info("initializing storage provider")
	sp, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	reg, err := app.NewRegistry(cfg, activities.Deps{
		Storage:      sp,
		Correlations: backends.Correlation,
		Notifier:     app.NewNotifier(cfg, log),
		Log:          log,
	})
	if err != nil {
		log.LogFatal("failed to register workflows", err)
	}

	promReg, err := metrics.NewRegistry()
	if err != nil {
		log.LogFatal("failed to register metrics", err)
	}

	tasks, results, err := app.NewQueues(cfg, rdb)
	if err != nil {
		log.LogFatal("failed to create queues", err)
	}
	engine := durable.NewEngine(backends.History, reg,
		durable.WithDispatcher(durable.NewQueueDispatcher(tasks)),
		durable.WithLogger(log),
	)

	stopBackground := runBackground(engine, cfg, tasks, results, reg, log)
	shutdownMgr.Register("background", stopBackground)

	n, err := engine.Recover(ctx)
	if err != nil {
		log.LogFatal("failed to recover running instances", err)
	}
	if n > 0 {
		log.Info("resumed running instances", "count", n)
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Handlers: handlers.Deps{
			Engine:          engine,
			Correlations:    backends.Correlation,
			Storage:         sp,
			Checks:          checks,
			ServiceName:     cfg.ServiceName,
			PublicURL:       cfg.PublicURL,
			ApprovalTimeout: cfg.ApprovalTimeout,
		},
		Log:            log,
		Metrics:        promReg,
		CORSOrigins:    cfg.CORSOrigins(),
		RequestTimeout: cfg.RequestTimeout,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		os.Exit(1)
	}
}

// runBackground starts the result consumer, the redelivery sweep and the
// in-process workers. The returned function stops them and waits for them
// to return.
func runBackground(
	engine *durable.Engine,
	cfg *config.Config,
	tasks, results queue.Queue,
	reg *durable.Registry,
	log *logger.Logger,
) func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.ConsumeResults(ctx, results) })
	g.Go(func() error {
		return engine.RunRedispatcher(ctx, cfg.TaskRedeliveryInterval, cfg.TaskRedeliveryTimeout)
	})
	if cfg.InProcessWorkers > 0 {
		g.Go(func() error {
			return worker.Run(ctx, worker.Deps{
				Tasks:       tasks,
				Results:     results,
				Executor:    durable.NewExecutor(reg, log),
				Concurrency: cfg.InProcessWorkers,
				Log:         log,
			})
		})
	}

	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case err := <-done:
			return err
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}
