package durabletest

import (
	"context"
	"sync"
	"time"

	"videoflow/internal/durable"
)

// InlineDispatcher executes each task synchronously and hands the result
// straight back to Sink.
type InlineDispatcher struct {
	Executor *durable.Executor
	Sink     durable.ResultSink

	mu    sync.Mutex
	tasks []durable.Task
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, task durable.Task) error {
	d.mu.Lock()
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()

	res := d.Executor.Execute(ctx, task)
	return d.Sink.DeliverResult(ctx, res)
}

// Tasks returns every task dispatched so far, in order.
func (d *InlineDispatcher) Tasks() []durable.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]durable.Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

// RecordingDispatcher only records tasks; tests deliver results by hand.
type RecordingDispatcher struct {
	mu    sync.Mutex
	tasks []durable.Task
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, task durable.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

// Tasks returns every task dispatched so far, in order.
func (d *RecordingDispatcher) Tasks() []durable.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]durable.Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

// Sleeps records retry waits without blocking.
type Sleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

// Sleep is a retry.Sleeper that returns immediately.
func (s *Sleeps) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Waits returns the recorded delays.
func (s *Sleeps) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.waits))
	copy(out, s.waits)
	return out
}
