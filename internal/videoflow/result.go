package videoflow

import (
	"time"

	"videoflow/internal/activities"
	"videoflow/internal/pkg/errors"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// FailureError is the fixed error text of a failed result.
const FailureError = "Failed to process uploaded video"

// DefaultApprovalTimeout applies when an input carries no timeout.
const DefaultApprovalTimeout = 30 * time.Second

// ProcessVideoInput starts ProcessVideo. The starter fills ApprovalTimeout
// from configuration so the deadline is part of the recorded input.
type ProcessVideoInput struct {
	Video           activities.VideoReference `json:"video"`
	ApprovalTimeout time.Duration             `json:"approvalTimeout"`
}

// WorkflowResult is the output of ProcessVideo, either a success carrying
// every artifact and the approval outcome or a failure carrying a message.
type WorkflowResult struct {
	Status         string                    `json:"status"`
	Transcoded     activities.VideoReference `json:"transcoded,omitempty"`
	Thumbnail      activities.VideoReference `json:"thumbnail,omitempty"`
	WithIntro      activities.VideoReference `json:"withIntro,omitempty"`
	ApprovalResult Decision                  `json:"approvalResult,omitempty"`
	Error          string                    `json:"error,omitempty"`
	Message        string                    `json:"message,omitempty"`
}

// Succeeded reports whether the result is a success.
func (r WorkflowResult) Succeeded() bool { return r.Status == StatusSucceeded }

func success(a artifacts, d Decision) WorkflowResult {
	return WorkflowResult{
		Status:         StatusSucceeded,
		Transcoded:     a.transcoded,
		Thumbnail:      a.thumbnail,
		WithIntro:      a.withIntro,
		ApprovalResult: d,
	}
}

func failure(err error) WorkflowResult {
	return WorkflowResult{
		Status:  StatusFailed,
		Error:   FailureError,
		Message: errors.Truncate(err.Error()),
	}
}

// artifacts tracks what the orchestration produced so far.
type artifacts struct {
	transcoded activities.VideoReference
	thumbnail  activities.VideoReference
	withIntro  activities.VideoReference
}

// produced lists the non-empty artifacts in production order.
func (a artifacts) produced() []activities.VideoReference {
	out := make([]activities.VideoReference, 0, 3)
	for _, ref := range []activities.VideoReference{a.transcoded, a.thumbnail, a.withIntro} {
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}
