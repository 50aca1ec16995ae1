// Package queue moves JSON task and result payloads between the engine and
// activity workers.
package queue

import (
	"context"
	"errors"
)

// ErrEmpty is returned by Pop when nothing arrived before the pop timeout.
// It is a plain sentinel so that coded timeouts never match it.
var ErrEmpty = errors.New("queue: empty")

// Queue is a FIFO of string payloads.
type Queue interface {
	Push(ctx context.Context, payload string) error
	// Pop blocks until a payload is available, the pop timeout elapses
	// (ErrEmpty) or ctx is done.
	Pop(ctx context.Context) (string, error)
}
