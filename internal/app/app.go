// Package app builds the collaborators shared by the videoflow binaries
// from configuration.
package app

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"

	"videoflow/internal/activities"
	"videoflow/internal/config"
	"videoflow/internal/durable"
	"videoflow/internal/notify"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/queue"
	"videoflow/internal/videoflow"
)

// NewLogger returns the process logger described by cfg.
func NewLogger(cfg *config.Config, service string) *logger.Logger {
	name := cfg.ServiceName
	if service != "" {
		name += "-" + service
	}
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		AddSource:   cfg.LogSource,
		ServiceName: name,
		Output:      os.Stdout,
	})
}

// ConnectRedis dials and pings REDIS_ADDR. It returns a nil client when no
// configured backend needs Redis.
func ConnectRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) (*redis.Client, error) {
	if !cfg.RedisRequired() {
		return nil, nil
	}
	log.Info("connecting to Redis", "addr", cfg.RedisAddr)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "app.ConnectRedis", "ping redis")
	}
	log.Info("Redis connected")
	return rdb, nil
}

// NewQueues returns the task and result queues of QUEUE_BACKEND.
func NewQueues(cfg *config.Config, rdb redis.UniversalClient) (tasks, results queue.Queue, err error) {
	switch cfg.QueueBackend {
	case config.BackendMemory:
		return queue.NewMemoryQueue(0), queue.NewMemoryQueue(0), nil
	case config.BackendRedis:
		if rdb == nil {
			return nil, nil, errors.Validation("redis queue backend needs a redis client")
		}
		return queue.NewRedisQueue(rdb, cfg.TaskQueueName), queue.NewRedisQueue(rdb, cfg.ResultQueueName), nil
	default:
		return nil, nil, errors.Validationf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// NewNotifier returns an SMTP notifier, or a log-only one when SMTP_HOST is
// empty.
func NewNotifier(cfg *config.Config, log *logger.Logger) notify.Notifier {
	if cfg.SMTPHost == "" {
		log.Warn("SMTP_HOST not set, approval requests are only logged")
		return notify.NewLog(log)
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}, log)
}

// Settings maps cfg onto the activity settings.
func Settings(cfg *config.Config) (activities.Settings, error) {
	bitrates, err := cfg.Bitrates()
	if err != nil {
		return activities.Settings{}, err
	}
	return activities.Settings{
		Bitrates:      bitrates,
		IntroLocation: cfg.IntroLocation,
		PublicURL:     cfg.PublicURL,
		ApproverEmail: cfg.ApproverEmail,
		SenderEmail:   cfg.SenderEmail,
		SimulatedWork: cfg.ActivitySimulatedWork,
	}, nil
}

// NewRegistry registers every activity and workflow.
func NewRegistry(cfg *config.Config, deps activities.Deps) (*durable.Registry, error) {
	settings, err := Settings(cfg)
	if err != nil {
		return nil, err
	}
	reg := durable.NewRegistry()
	if err := activities.New(settings, deps).Register(reg); err != nil {
		return nil, err
	}
	if err := videoflow.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
