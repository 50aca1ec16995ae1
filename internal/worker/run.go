// Package worker executes activity tasks popped from the task queue and
// reports their results on the result queue.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"videoflow/internal/durable"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/queue"
)

// Run polls for tasks with d.Concurrency pollers until ctx is done. It
// returns nil on cancellation.
func Run(ctx context.Context, d Deps) error {
	if d.Tasks == nil || d.Results == nil || d.Executor == nil {
		return errors.Validation("worker needs task and result queues and an executor")
	}
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("worker")
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.Backoff <= 0 {
		d.Backoff = time.Second
	}

	log.Info("worker started", "concurrency", d.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.Concurrency; i++ {
		p := &poller{deps: d, log: log.WithFields(map[string]any{"poller": i})}
		g.Go(func() error { return p.loop(ctx) })
	}
	err := g.Wait()
	log.Info("worker stopped")
	return err
}

type poller struct {
	deps Deps
	log  *logger.Logger
}

func (p *poller) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := p.deps.Tasks.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			p.log.WithError(err).Warn("queue pop error, retrying")
			select {
			case <-time.After(p.deps.Backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		p.handle(ctx, payload)
	}
}

func (p *poller) handle(ctx context.Context, payload string) {
	var task durable.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		p.log.WithError(err).Error("undecodable task dropped")
		return
	}
	log := p.log.WithInstanceID(task.InstanceID).WithActivity(task.Activity, task.TaskID)
	log.Info("processing task")

	res := p.deps.Executor.Execute(ctx, task)
	raw, err := json.Marshal(res)
	if err != nil {
		log.Error("encode task result", "error", err.Error())
		return
	}
	if err := p.deps.Results.Push(ctx, string(raw)); err != nil {
		// The engine redispatches the task on recovery.
		log.Error("task result lost", "error", err.Error())
		return
	}
	log.Info("task finished",
		"attempts", res.Attempts,
		"failed", res.Error != "",
		"duration_ms", res.DurationMS,
	)
}
