package worker

import (
	"time"

	"videoflow/internal/durable"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/queue"
)

// Deps wires a worker pool.
type Deps struct {
	// Tasks is the queue the engine dispatches activity tasks onto.
	Tasks queue.Queue
	// Results receives one TaskResult per task.
	Results  queue.Queue
	Executor *durable.Executor
	// Concurrency is the number of pollers. Defaults to 1.
	Concurrency int
	// Backoff is the pause after a failed pop. Defaults to one second.
	Backoff time.Duration
	Log     *logger.Logger
}
