// Package shutdown coordinates graceful shutdown of the videoflow binaries.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"videoflow/internal/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// Manager runs registered cleanup handlers once, one at a time, in reverse
// registration order: whatever was started last (HTTP server, background
// consumers) stops before the stores it depends on.
type Manager struct {
	log     *logger.Logger
	timeout time.Duration

	mu       sync.Mutex
	handlers []Handler

	once sync.Once
	err  error
	done chan struct{}
}

// Handler is one named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager returns a Manager whose handlers share one timeout budget.
// A zero timeout means 30s.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		log:     log.WithComponent("shutdown"),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.mu.Unlock()
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a cleanup handler that cannot fail.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(context.Context) error {
		cleanup()
		return nil
	})
}

// Wait blocks until SIGINT, SIGTERM or SIGHUP arrives, then shuts down.
func (m *Manager) Wait() error {
	return m.WaitWithContext(context.Background())
}

// WaitWithContext is Wait that also shuts down when ctx is done.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}
	return m.Shutdown()
}

// Shutdown runs the handlers on the first call and returns the joined
// handler errors. Later calls return the same result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
		close(m.done)
	})
	return m.err
}

// Done is closed once Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run() error {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		start := time.Now()
		err := h.Cleanup(ctx)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			m.log.Error("shutdown handler failed", "name", h.Name, "error", err.Error(), "duration_ms", elapsed)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.log.Debug("shutdown handler completed", "name", h.Name, "duration_ms", elapsed)
	}

	if err := ctx.Err(); err != nil {
		m.log.Warn("shutdown timeout exceeded")
		errs = append(errs, err)
	} else {
		m.log.Info("graceful shutdown completed")
	}
	return errors.Join(errs...)
}
