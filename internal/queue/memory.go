package queue

import (
	"context"
	"time"
)

// MemoryQueue is an in-process queue backed by a buffered channel.
type MemoryQueue struct {
	ch         chan string
	popTimeout time.Duration
}

// NewMemoryQueue returns a queue holding up to size payloads; Push blocks
// when it is full.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan string, size), popTimeout: DefaultPopTimeout}
}

func (q *MemoryQueue) Push(ctx context.Context, payload string) error {
	select {
	case q.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (string, error) {
	t := time.NewTimer(q.popTimeout)
	defer t.Stop()
	select {
	case p := <-q.ch:
		return p, nil
	case <-t.C:
		return "", ErrEmpty
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the number of queued payloads.
func (q *MemoryQueue) Len() int { return len(q.ch) }
