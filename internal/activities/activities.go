package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/notify"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/pkg/logger"
	"videoflow/internal/ports"
	"videoflow/internal/retry"
)

// Deps are the collaborators the activities act on.
type Deps struct {
	Storage      ports.StorageProvider
	Correlations correlation.Store
	Notifier     notify.Notifier
	Log          *logger.Logger
	// NewCode generates approval codes. Defaults to a dashless UUID.
	NewCode func() string
	// Sleep waits out simulated work. Defaults to retry.Sleep.
	Sleep retry.Sleeper
	// Now stamps markers. Defaults to time.Now.
	Now func() time.Time
}

// Activities implements every registered activity.
type Activities struct {
	settings Settings
	deps     Deps
	log      *logger.Logger
}

// New returns the activity set.
func New(settings Settings, deps Deps) *Activities {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.NewCode == nil {
		deps.NewCode = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	if deps.Sleep == nil {
		deps.Sleep = retry.Sleep
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Activities{settings: settings, deps: deps, log: deps.Log.WithComponent("activities")}
}

// Register adds every activity to reg.
func (a *Activities) Register(reg *durable.Registry) error {
	return registerAll(
		func() error { return durable.RegisterActivity(reg, ListBitrates, a.ListBitrates) },
		func() error { return durable.RegisterActivity(reg, Transcode, a.Transcode) },
		func() error { return durable.RegisterActivity(reg, ExtractThumbnail, a.ExtractThumbnail) },
		func() error { return durable.RegisterActivity(reg, PrependIntro, a.PrependIntro) },
		func() error { return durable.RegisterActivity(reg, SendApprovalRequest, a.SendApprovalRequest) },
		func() error { return durable.RegisterActivity(reg, Publish, a.Publish) },
		func() error { return durable.RegisterActivity(reg, Reject, a.Reject) },
		func() error { return durable.RegisterActivity(reg, Cleanup, a.Cleanup) },
	)
}

func registerAll(fns ...func() error) error {
	for _, fn := range fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// ListBitrates returns the configured transcode bitrates in order.
func (a *Activities) ListBitrates(ctx context.Context, _ None) ([]int, error) {
	out := make([]int, len(a.settings.Bitrates))
	copy(out, a.settings.Bitrates)
	return out, nil
}

// Transcode produces the rendition of in.Location at in.BitrateKbps.
func (a *Activities) Transcode(ctx context.Context, in TranscodeInput) (TranscodeResult, error) {
	if in.Location == "" {
		return TranscodeResult{}, errors.ValidationField("location", "video location is required")
	}
	if in.BitrateKbps <= 0 {
		return TranscodeResult{}, errors.ValidationField("bitrateKbps", "bitrate must be positive")
	}
	a.log.FromContext(ctx).Info("transcoding video", "video", in.Location, "bitrate_kbps", in.BitrateKbps)
	if err := a.work(ctx); err != nil {
		return TranscodeResult{}, err
	}

	key := fmt.Sprintf("%s-%dkbps.mp4", baseName(in.Location), in.BitrateKbps)
	loc, err := a.putManifest(ctx, key, map[string]any{
		"kind":        "transcode",
		"source":      in.Location,
		"bitrateKbps": in.BitrateKbps,
	})
	if err != nil {
		return TranscodeResult{}, err
	}
	return TranscodeResult{Location: loc, BitrateKbps: in.BitrateKbps}, nil
}

// ExtractThumbnail derives a still image from video. References containing
// "error" stand for unprocessable assets.
func (a *Activities) ExtractThumbnail(ctx context.Context, video VideoReference) (VideoReference, error) {
	a.log.FromContext(ctx).Info("extracting thumbnail", "video", video)
	if strings.Contains(strings.ToLower(video), "error") {
		return "", errors.New(errors.CodeActivityFailed, "couldn't extract thumbnail")
	}
	if err := a.work(ctx); err != nil {
		return "", err
	}
	return a.putManifest(ctx, baseName(video)+"-thumbnail.png", map[string]any{
		"kind":   "thumbnail",
		"source": video,
	})
}

// PrependIntro produces a cut of video starting with the configured intro.
func (a *Activities) PrependIntro(ctx context.Context, video VideoReference) (VideoReference, error) {
	a.log.FromContext(ctx).Info("prepending intro", "video", video, "intro", a.settings.IntroLocation)
	if err := a.work(ctx); err != nil {
		return "", err
	}
	return a.putManifest(ctx, baseName(video)+"-intro.mp4", map[string]any{
		"kind":   "intro",
		"source": video,
		"intro":  a.settings.IntroLocation,
	})
}

// SendApprovalRequest records a fresh approval code for the instance and
// emails the approver one link per decision.
func (a *Activities) SendApprovalRequest(ctx context.Context, req ApprovalRequest) (None, error) {
	if req.InstanceID == "" {
		return None{}, errors.ValidationField("instanceId", "instance id is required")
	}
	code := a.deps.NewCode()
	if err := a.deps.Correlations.Put(ctx, code, req.InstanceID); err != nil {
		return None{}, errors.Wrap(err, "activities.SendApprovalRequest", "store approval code")
	}

	approve, reject := ApprovalLinks(a.settings.PublicURL, code)
	email := notify.ApprovalEmail{
		To:         a.settings.ApproverEmail,
		From:       a.settings.SenderEmail,
		Subject:    notify.ApprovalSubject,
		Video:      req.VideoLocation,
		ApproveURL: approve,
		RejectURL:  reject,
	}
	if err := a.deps.Notifier.SendApprovalRequest(ctx, email); err != nil {
		return None{}, err
	}
	a.log.FromContext(ctx).Info("approval requested", "video", req.VideoLocation)
	return None{}, nil
}

// ApprovalLinks returns the approve and reject URLs for code.
func ApprovalLinks(publicURL, code string) (approve, reject string) {
	base := strings.TrimRight(publicURL, "/") + "/approvals/" + code
	return base + "?result=Approved", base + "?result=Rejected"
}

// Publish copies video to the published area.
func (a *Activities) Publish(ctx context.Context, video VideoReference) (None, error) {
	a.log.FromContext(ctx).Info("publishing video", "video", video)
	rc, contentType, size, err := a.deps.Storage.GetObject(ctx, video)
	if err != nil {
		return None{}, errors.Wrap(err, "activities.Publish", "read video")
	}
	defer rc.Close()

	_, err = a.deps.Storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   "published/" + path.Base(video),
		ContentType: contentType,
		Reader:      rc,
		Size:        size,
	})
	if err != nil {
		return None{}, errors.Wrap(err, "activities.Publish", "write published copy")
	}
	return None{}, nil
}

// Reject records that video was not approved.
func (a *Activities) Reject(ctx context.Context, video VideoReference) (None, error) {
	a.log.FromContext(ctx).Info("rejecting video", "video", video)
	_, err := a.putManifest(ctx, "rejected/"+path.Base(video)+".json", map[string]any{
		"video":      video,
		"rejectedAt": a.deps.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return None{}, err
	}
	return None{}, nil
}

// Cleanup deletes every non-empty reference. It never fails: missing
// objects are skipped and other errors are only logged.
func (a *Activities) Cleanup(ctx context.Context, refs []VideoReference) (string, error) {
	log := a.log.FromContext(ctx)
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		log.Info("deleting artifact", "artifact", ref)
		err := a.deps.Storage.DeleteObject(ctx, ref)
		switch {
		case err == nil:
		case errors.Is(err, ports.ErrObjectNotFound):
			log.Debug("artifact already gone", "artifact", ref)
		default:
			log.Warn("artifact cleanup failed", "artifact", ref, "error", err.Error())
		}
	}
	return CleanupSummary, nil
}

func (a *Activities) work(ctx context.Context) error {
	if a.settings.SimulatedWork <= 0 {
		return nil
	}
	return a.deps.Sleep(ctx, a.settings.SimulatedWork)
}

// putManifest stores a small JSON placeholder standing in for a media file
// and returns its reference.
func (a *Activities) putManifest(ctx context.Context, key string, manifest map[string]any) (VideoReference, error) {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	out, err := a.deps.Storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "application/json",
		Reader:      bytes.NewReader(raw),
		Size:        int64(len(raw)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "activities.putManifest", "store %s", key)
	}
	return out.ObjectKey, nil
}

// baseName strips directories and the extension from a reference.
func baseName(ref VideoReference) string {
	b := path.Base(strings.ReplaceAll(ref, "\\", "/"))
	return strings.TrimSuffix(b, path.Ext(b))
}
