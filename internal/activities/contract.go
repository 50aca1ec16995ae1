// Package activities holds the units of work the video workflow schedules:
// their registered names, their input and output shapes, and storage-backed
// implementations.
package activities

import "time"

// Registered activity names.
const (
	ListBitrates        = "ListBitrates"
	Transcode           = "Transcode"
	ExtractThumbnail    = "ExtractThumbnail"
	PrependIntro        = "PrependIntro"
	SendApprovalRequest = "SendApprovalRequest"
	Publish             = "Publish"
	Reject              = "Reject"
	Cleanup             = "Cleanup"
)

// VideoReference is an opaque handle to a stored video asset.
type VideoReference = string

// TranscodeInput asks for one rendition of a source video.
type TranscodeInput struct {
	Location    VideoReference `json:"location"`
	BitrateKbps int            `json:"bitrateKbps"`
}

// TranscodeResult is one produced rendition.
type TranscodeResult struct {
	Location    VideoReference `json:"location"`
	BitrateKbps int            `json:"bitrateKbps"`
}

// ApprovalRequest identifies the instance waiting for a decision and the
// video to review.
type ApprovalRequest struct {
	InstanceID    string         `json:"instanceId"`
	VideoLocation VideoReference `json:"videoLocation"`
}

// None is the output of activities that return nothing.
type None struct{}

// CleanupSummary is returned by Cleanup.
const CleanupSummary = "Cleaned up successfully"

// Settings configure the activity bodies.
type Settings struct {
	Bitrates      []int
	IntroLocation string
	PublicURL     string
	ApproverEmail string
	SenderEmail   string
	// SimulatedWork is slept by each media activity to stand in for real
	// processing time.
	SimulatedWork time.Duration
}
