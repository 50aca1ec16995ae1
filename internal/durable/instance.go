package durable

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the runtime status of a workflow instance.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Finished reports whether the instance reached a terminal status.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Instance is the persisted summary of one workflow execution.
type Instance struct {
	ID           string          `json:"id"`
	Workflow     string          `json:"workflow"`
	ParentID     string          `json:"parentId,omitempty"`
	ParentTaskID int             `json:"parentTaskId,omitempty"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// Filter narrows ListInstances. A zero Limit means no limit.
type Filter struct {
	Status   Status
	Workflow string
	Limit    int
}

// Store persists instances and their histories.
//
// CreateInstance fails with an ALREADY_EXISTS coded error for a duplicate
// id; GetInstance and LoadHistory fail with NOT_FOUND for an unknown one.
// ListInstances returns newest first.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst *Instance) error
	AppendEvents(ctx context.Context, instanceID string, events []Event) error
	LoadHistory(ctx context.Context, instanceID string) ([]Event, error)
	ListInstances(ctx context.Context, filter Filter) ([]Instance, error)
}
