// Package correlation maps one-time approval codes to the workflow instance
// waiting on them.
package correlation

import (
	"context"
	"strings"
	"sync"

	"videoflow/internal/pkg/errors"
)

var (
	// ErrNotFound matches Resolve of an unknown code.
	ErrNotFound = errors.New(errors.CodeNotFound, "approval code not found")
	// ErrAlreadyExists matches Put of a code that is already stored.
	ErrAlreadyExists = errors.New(errors.CodeAlreadyExists, "approval code already exists")
)

// Store persists approval correlations. Entries are write-once and never
// deleted.
type Store interface {
	Put(ctx context.Context, approvalCode, instanceID string) error
	Resolve(ctx context.Context, approvalCode string) (string, error)
}

// Validate checks the arguments of a Put.
func Validate(approvalCode, instanceID string) error {
	if strings.TrimSpace(approvalCode) == "" {
		return errors.ValidationField("approvalCode", "approval code is required")
	}
	if strings.TrimSpace(instanceID) == "" {
		return errors.ValidationField("instanceId", "instance id is required")
	}
	return nil
}

// NotFound returns the error reported for an unknown code.
func NotFound(code string) error {
	return errors.NotFound("approval code", code)
}

// Exists returns the error reported for a duplicate code.
func Exists(code string) error {
	return errors.AlreadyExists("approval code", code)
}

// Memory is a process-local Store.
type Memory struct {
	m sync.Map
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (s *Memory) Put(_ context.Context, code, instanceID string) error {
	if err := Validate(code, instanceID); err != nil {
		return err
	}
	if _, loaded := s.m.LoadOrStore(code, instanceID); loaded {
		return Exists(code)
	}
	return nil
}

func (s *Memory) Resolve(_ context.Context, code string) (string, error) {
	v, ok := s.m.Load(code)
	if !ok {
		return "", NotFound(code)
	}
	return v.(string), nil
}

// Ping always succeeds.
func (s *Memory) Ping(context.Context) error { return nil }
