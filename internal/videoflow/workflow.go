// Package videoflow holds the video processing orchestrations: the
// transcode fan-out and the top-level approve-and-publish workflow.
//
// Workflow code must stay deterministic. It only talks to the outside world
// through durable.Context and never reads the wall clock.
package videoflow

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"videoflow/internal/activities"
	"videoflow/internal/durable"
	"videoflow/internal/metrics"
	"videoflow/internal/retry"
)

// Workflow and signal names.
const (
	ProcessVideoWorkflow   = "ProcessVideo"
	TranscodeVideoWorkflow = "TranscodeVideo"
	ApprovalSignal         = "ApprovalResult"
)

// RetryPolicy applies to transcoding, thumbnail extraction and intro
// prepending.
var RetryPolicy = retry.Policy{FirstRetryDelay: time.Second, MaxAttempts: 2}

var (
	ErrNoBitrates = stderrors.New("no transcode bitrates configured")
	ErrNoResults  = stderrors.New("no transcode results to select from")
)

// Register adds both workflows to reg.
func Register(reg *durable.Registry) error {
	if err := reg.RegisterWorkflow(ProcessVideoWorkflow, ProcessVideo); err != nil {
		return err
	}
	return reg.RegisterWorkflow(TranscodeVideoWorkflow, TranscodeVideo)
}

// ProcessVideo transcodes a video, derives a thumbnail and an intro cut,
// asks for approval and then publishes or rejects it. Any failure cleans up
// the artifacts produced so far and ends in a failed WorkflowResult.
func ProcessVideo(ctx durable.Context) (any, error) {
	var in ProcessVideoInput
	if err := ctx.Input(&in); err != nil {
		return nil, err
	}
	if in.Video == "" {
		return nil, stderrors.New("video location is required")
	}
	if in.ApprovalTimeout <= 0 {
		in.ApprovalTimeout = DefaultApprovalTimeout
	}
	log := ctx.Logger().With("video", in.Video)

	var a artifacts
	decision, err := process(ctx, in, &a)
	if err != nil {
		log.Warn("caught an error from an activity", "error", err.Error())

		var summary string
		if cerr := ctx.CallActivity(activities.Cleanup, a.produced()).Get(&summary); cerr != nil {
			log.Warn("cleanup failed", "error", cerr.Error())
		}
		return failure(err), nil
	}

	log.Info("video processed", "approval_result", string(decision))
	return success(a, decision), nil
}

func process(ctx durable.Context, in ProcessVideoInput, a *artifacts) (Decision, error) {
	log := ctx.Logger()

	log.Info("about to call transcode video sub-workflow")
	var results []activities.TranscodeResult
	if err := ctx.CallSubWorkflow(TranscodeVideoWorkflow, in.Video).Get(&results); err != nil {
		return "", err
	}
	best, err := SelectBest(results)
	if err != nil {
		return "", err
	}
	a.transcoded = best.Location

	log.Info("about to call extract thumbnail")
	if err := ctx.CallActivityWithRetry(activities.ExtractThumbnail, RetryPolicy, a.transcoded).Get(&a.thumbnail); err != nil {
		return "", err
	}

	log.Info("about to call prepend intro")
	if err := ctx.CallActivityWithRetry(activities.PrependIntro, RetryPolicy, a.transcoded).Get(&a.withIntro); err != nil {
		return "", err
	}

	req := activities.ApprovalRequest{InstanceID: ctx.InstanceID(), VideoLocation: a.withIntro}
	if err := ctx.CallActivity(activities.SendApprovalRequest, req).Get(nil); err != nil {
		return "", err
	}

	got, err := awaitApproval(ctx, in.ApprovalTimeout)
	if err != nil {
		return "", err
	}
	if !ctx.IsReplaying() {
		metrics.RecordApprovalDecision(string(got.Decision))
	}

	switch got.Decision {
	case Approved:
		err = ctx.CallActivity(activities.Publish, a.withIntro).Get(nil)
	case Rejected, TimedOut:
		err = ctx.CallActivity(activities.Reject, a.withIntro).Get(nil)
	default:
		err = fmt.Errorf("unrecognized approval decision %q", got.Value)
	}
	if err != nil {
		return "", err
	}
	return got.Decision, nil
}

// awaitApproval races a durable deadline against the approval signal. The
// loser is cancelled on every exit path.
func awaitApproval(ctx durable.Context, timeout time.Duration) (approval, error) {
	timer := ctx.CreateTimer(ctx.Now().Add(timeout))
	defer timer.Cancel()
	signal := ctx.WaitForSignal(ApprovalSignal)
	defer signal.Cancel()

	winner, err := durable.WhenAny(ctx, timer, signal)
	if err != nil {
		return approval{}, err
	}
	if winner == 0 {
		ctx.Logger().Info("approval timed out", "timeout", timeout.String())
		return approval{Decision: TimedOut}, nil
	}

	var raw json.RawMessage
	if err := signal.Get(&raw); err != nil {
		return approval{}, err
	}
	value := decodeSignal(raw)
	return approval{Decision: ParseDecision(value), Value: value}, nil
}

// TranscodeVideo transcodes the input video at every configured bitrate in
// parallel and returns the results in bitrate order. A single failed
// rendition fails the whole set.
func TranscodeVideo(ctx durable.Context) (any, error) {
	var video activities.VideoReference
	if err := ctx.Input(&video); err != nil {
		return nil, err
	}

	var bitrates []int
	if err := ctx.CallActivity(activities.ListBitrates, nil).Get(&bitrates); err != nil {
		return nil, err
	}
	if len(bitrates) == 0 {
		return nil, ErrNoBitrates
	}

	futures := make([]durable.Future, len(bitrates))
	for i, br := range bitrates {
		in := activities.TranscodeInput{Location: video, BitrateKbps: br}
		futures[i] = ctx.CallActivityWithRetry(activities.Transcode, RetryPolicy, in)
	}
	if err := durable.WhenAll(ctx, futures...); err != nil {
		return nil, err
	}

	results := make([]activities.TranscodeResult, len(futures))
	for i, f := range futures {
		if err := f.Get(&results[i]); err != nil {
			return nil, err
		}
	}
	ctx.Logger().Info("transcoding finished", "renditions", len(results))
	return results, nil
}

// SelectBest returns the result with the highest bitrate. The first of
// equal bitrates wins.
func SelectBest(results []activities.TranscodeResult) (activities.TranscodeResult, error) {
	if len(results) == 0 {
		return activities.TranscodeResult{}, ErrNoResults
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.BitrateKbps > best.BitrateKbps {
			best = r
		}
	}
	return best, nil
}
