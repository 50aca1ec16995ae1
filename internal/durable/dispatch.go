package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"videoflow/internal/metrics"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/queue"
	"videoflow/internal/retry"
)

// Task is one activity invocation handed to a worker.
type Task struct {
	InstanceID  string          `json:"instanceId"`
	TaskID      int             `json:"taskId"`
	Activity    string          `json:"activity"`
	Input       json.RawMessage `json:"input,omitempty"`
	Retry       *retry.Policy   `json:"retry,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
}

// TaskResult reports the single outcome of a Task after its retry policy
// ran.
type TaskResult struct {
	InstanceID string          `json:"instanceId"`
	TaskID     int             `json:"taskId"`
	Activity   string          `json:"activity"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMS int64           `json:"durationMs"`
}

// Dispatcher hands scheduled activity tasks to whatever executes them.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// ResultSink accepts finished tasks. The engine implements it.
type ResultSink interface {
	DeliverResult(ctx context.Context, res TaskResult) error
}

// QueueDispatcher serializes tasks onto a queue for out-of-process workers.
type QueueDispatcher struct {
	q queue.Queue
}

// NewQueueDispatcher returns a dispatcher pushing onto q.
func NewQueueDispatcher(q queue.Queue) *QueueDispatcher {
	return &QueueDispatcher{q: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "durable.Dispatch", "encode task")
	}
	return d.q.Push(ctx, string(raw))
}

// Executor runs registered activities under each task's retry policy.
type Executor struct {
	registry *Registry
	sleep    retry.Sleeper
	log      *logger.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the real-time wait between retries.
func WithSleeper(s retry.Sleeper) ExecutorOption {
	return func(x *Executor) { x.sleep = s }
}

// NewExecutor returns an executor for the activities in reg.
func NewExecutor(reg *Registry, log *logger.Logger, opts ...ExecutorOption) *Executor {
	x := &Executor{registry: reg, sleep: retry.Sleep, log: log.WithComponent("executor")}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Execute runs task to a single result. It never returns an error: failures
// are reported inside the TaskResult.
func (x *Executor) Execute(ctx context.Context, task Task) TaskResult {
	log := x.log.WithInstanceID(task.InstanceID).WithActivity(task.Activity, task.TaskID)
	ctx = logger.ContextWithInstanceID(ctx, task.InstanceID)
	start := time.Now()

	res := TaskResult{InstanceID: task.InstanceID, TaskID: task.TaskID, Activity: task.Activity}

	fn, ok := x.registry.Activity(task.Activity)
	if !ok {
		res.Error = fmt.Sprintf("activity %q is not registered", task.Activity)
		res.Attempts = 1
		log.Error("unknown activity")
		metrics.RecordActivity(task.Activity, "error", 1, 0)
		return res
	}

	var policy retry.Policy
	if task.Retry != nil {
		policy = *task.Retry
	}

	attempts, err := retry.Do(ctx, policy, x.sleep, func(ctx context.Context, attempt int) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("activity panicked: %v", rec)
			}
		}()
		out, err := fn(ctx, task.Input)
		if err != nil {
			if attempt < policy.Attempts() {
				log.Warn("activity attempt failed, retrying", "attempt", attempt, "error", err.Error())
			}
			return err
		}
		res.Output = out
		return nil
	})

	res.Attempts = attempts
	res.DurationMS = time.Since(start).Milliseconds()

	status := "success"
	if err != nil {
		status = "error"
		res.Output = nil
		res.Error = errors.Truncate(err.Error())
		log.Error("activity failed",
			"attempts", attempts,
			"error", res.Error,
			"duration_ms", res.DurationMS,
		)
	} else {
		log.Info("activity completed",
			"attempts", attempts,
			"duration_ms", res.DurationMS,
		)
	}
	metrics.RecordActivity(task.Activity, status, attempts, time.Since(start).Seconds())
	return res
}
