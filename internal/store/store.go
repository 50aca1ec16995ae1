// Package store selects the history and correlation backends named in the
// configuration.
package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"videoflow/internal/config"
	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/store/memory"
	"videoflow/internal/store/postgres"
	"videoflow/internal/store/sqlite"
)

// Pinger is implemented by every backend for deep health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backends holds the opened stores. Close releases every connection Open
// created; it does not close the Redis client passed in.
type Backends struct {
	History     durable.Store
	Correlation correlation.Store
	// Checks maps a backend name to its health probe.
	Checks map[string]Pinger

	closers []func()
}

// Close releases the backends in reverse opening order.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Open connects the backends named by cfg. rdb is required only when the
// correlation backend is redis.
func Open(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, log *logger.Logger) (*Backends, error) {
	log = log.WithComponent("store")
	b := &Backends{Checks: make(map[string]Pinger)}

	var (
		pg  *postgres.Store
		lit *sqlite.Store
	)
	openPostgres := func() (*postgres.Store, error) {
		if pg != nil {
			return pg, nil
		}
		log.Info("connecting to PostgreSQL")
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		pg = postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		log.Info("PostgreSQL connected")
		b.Checks["postgres"] = pg
		return pg, nil
	}
	openSQLite := func() (*sqlite.Store, error) {
		if lit != nil {
			return lit, nil
		}
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "store.Open", "open sqlite")
		}
		b.closers = append(b.closers, func() { _ = s.Close() })
		lit = s
		log.Info("SQLite opened", "path", s.Path())
		b.Checks["sqlite"] = s
		return s, nil
	}

	switch cfg.HistoryBackend {
	case config.BackendMemory:
		m := memory.New()
		b.History = m
		b.Checks["history"] = m
	case config.BackendPostgres:
		s, err := openPostgres()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.History = s
	case config.BackendSQLite:
		s, err := openSQLite()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.History = s
	default:
		return nil, errors.Validationf("unknown history backend %q", cfg.HistoryBackend)
	}

	switch cfg.CorrelationBackend {
	case config.BackendMemory:
		b.Correlation = correlation.NewMemory()
	case config.BackendRedis:
		if rdb == nil {
			b.Close()
			return nil, errors.Validation("redis correlation backend needs a redis client")
		}
		r := correlation.NewRedis(rdb, cfg.CorrelationKeyPrefix)
		b.Correlation = r
		b.Checks["redis"] = r
	case config.BackendPostgres:
		s, err := openPostgres()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Correlation = s
	case config.BackendSQLite:
		s, err := openSQLite()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Correlation = s
	default:
		b.Close()
		return nil, errors.Validationf("unknown correlation backend %q", cfg.CorrelationBackend)
	}

	log.Info("stores ready", "history", cfg.HistoryBackend, "correlation", cfg.CorrelationBackend)
	return b, nil
}
