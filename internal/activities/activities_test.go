package activities

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoflow/internal/adapters/storage/localfs"
	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/notify"
	pkgerrors "videoflow/internal/pkg/errors"
	"videoflow/internal/ports"
)

type recordingNotifier struct {
	emails []notify.ApprovalEmail
	err    error
}

func (n *recordingNotifier) SendApprovalRequest(_ context.Context, e notify.ApprovalEmail) error {
	n.emails = append(n.emails, e)
	return n.err
}

type fixture struct {
	acts     *Activities
	root     string
	storage  *localfs.LocalFS
	corr     *correlation.Memory
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:     root,
		storage:  localfs.New(root),
		corr:     correlation.NewMemory(),
		notifier: &recordingNotifier{},
	}
	f.acts = New(Settings{
		Bitrates:      []int{480, 720, 1080},
		IntroLocation: "intros/brand.mp4",
		PublicURL:     "https://videos.example.com/",
		ApproverEmail: "approver@example.com",
		SenderEmail:   "videoflow@example.com",
	}, Deps{
		Storage:      f.storage,
		Correlations: f.corr,
		Notifier:     f.notifier,
		NewCode:      func() string { return "0123456789abcdef0123456789abcdef" },
		Now:          func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	})
	return f
}

func (f *fixture) read(t *testing.T, key string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(key)))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestListBitratesReturnsCopy(t *testing.T) {
	f := newFixture(t)
	got, err := f.acts.ListBitrates(context.Background(), None{})
	require.NoError(t, err)
	assert.Equal(t, []int{480, 720, 1080}, got)

	got[0] = 1
	again, _ := f.acts.ListBitrates(context.Background(), None{})
	assert.Equal(t, 480, again[0])
}

func TestTranscode(t *testing.T) {
	f := newFixture(t)
	res, err := f.acts.Transcode(context.Background(), TranscodeInput{Location: "uploads/cat.mov", BitrateKbps: 720})
	require.NoError(t, err)
	assert.Equal(t, TranscodeResult{Location: "cat-720kbps.mp4", BitrateKbps: 720}, res)

	m := f.read(t, res.Location)
	assert.Equal(t, "uploads/cat.mov", m["source"])
	assert.EqualValues(t, 720, m["bitrateKbps"])

	_, err = f.acts.Transcode(context.Background(), TranscodeInput{Location: "cat.mov"})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestExtractThumbnail(t *testing.T) {
	f := newFixture(t)
	thumb, err := f.acts.ExtractThumbnail(context.Background(), "cat-1080kbps.mp4")
	require.NoError(t, err)
	assert.Equal(t, "cat-1080kbps-thumbnail.png", thumb)

	_, err = f.acts.ExtractThumbnail(context.Background(), "uploads/ERROR-clip.mp4")
	require.Error(t, err)
	assert.Equal(t, "[ACTIVITY_FAILED] couldn't extract thumbnail", err.Error())
}

func TestErrorMarkerSurvivesTranscode(t *testing.T) {
	f := newFixture(t)
	res, err := f.acts.Transcode(context.Background(), TranscodeInput{Location: "uploads/error-clip.mp4", BitrateKbps: 1080})
	require.NoError(t, err)
	assert.Equal(t, "error-clip-1080kbps.mp4", res.Location)

	_, err = f.acts.ExtractThumbnail(context.Background(), res.Location)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeActivityFailed), "got %v", err)
}

func TestPrependIntroRecordsIntro(t *testing.T) {
	f := newFixture(t)
	out, err := f.acts.PrependIntro(context.Background(), "cat-1080kbps.mp4")
	require.NoError(t, err)
	assert.Equal(t, "cat-1080kbps-intro.mp4", out)
	assert.Equal(t, "intros/brand.mp4", f.read(t, out)["intro"])
}

func TestSendApprovalRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.acts.SendApprovalRequest(ctx, ApprovalRequest{InstanceID: "wf-7", VideoLocation: "cat-intro.mp4"})
	require.NoError(t, err)

	id, err := f.corr.Resolve(ctx, "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "wf-7", id)

	require.Len(t, f.notifier.emails, 1)
	e := f.notifier.emails[0]
	assert.Equal(t, "approver@example.com", e.To)
	assert.Equal(t, notify.ApprovalSubject, e.Subject)
	assert.Equal(t, "cat-intro.mp4", e.Video)
	assert.Equal(t, "https://videos.example.com/approvals/0123456789abcdef0123456789abcdef?result=Approved", e.ApproveURL)
	assert.Equal(t, "https://videos.example.com/approvals/0123456789abcdef0123456789abcdef?result=Rejected", e.RejectURL)
}

func TestSendApprovalRequestNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	_, err := f.acts.SendApprovalRequest(context.Background(), ApprovalRequest{InstanceID: "wf-7", VideoLocation: "v.mp4"})
	assert.EqualError(t, err, "smtp down")
}

func TestDefaultApprovalCodeIsDashlessUUID(t *testing.T) {
	a := New(Settings{}, Deps{})
	code := a.deps.NewCode()
	assert.Regexp(t, `^[0-9a-f]{32}$`, code)
}

func TestPublishCopiesVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.acts.PrependIntro(ctx, "cat.mp4")
	require.NoError(t, err)

	_, err = f.acts.Publish(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, "cat.mp4", f.read(t, "published/cat-intro.mp4")["source"])

	_, err = f.acts.Publish(ctx, "missing.mp4")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestRejectWritesMarker(t *testing.T) {
	f := newFixture(t)
	_, err := f.acts.Reject(context.Background(), "cat-intro.mp4")
	require.NoError(t, err)

	m := f.read(t, "rejected/cat-intro.mp4.json")
	assert.Equal(t, "cat-intro.mp4", m["video"])
	assert.Equal(t, "2024-05-01T10:00:00Z", m["rejectedAt"])
}

type failingDelete struct {
	*localfs.LocalFS
	failOn string
}

func (f failingDelete) DeleteObject(ctx context.Context, key string) error {
	if key == f.failOn {
		return errors.New("permission denied")
	}
	return f.LocalFS.DeleteObject(ctx, key)
}

func TestCleanupIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.acts.Transcode(ctx, TranscodeInput{Location: "a.mp4", BitrateKbps: 480})
	require.NoError(t, err)
	b, err := f.acts.ExtractThumbnail(ctx, "b.mp4")
	require.NoError(t, err)

	acts := New(f.acts.settings, Deps{
		Storage:      failingDelete{LocalFS: f.storage, failOn: b},
		Correlations: f.corr,
		Notifier:     f.notifier,
	})
	summary, err := acts.Cleanup(ctx, []VideoReference{"", a.Location, "  ", "never-existed.mp4", b})
	require.NoError(t, err)
	assert.Equal(t, CleanupSummary, summary)

	_, _, _, err = f.storage.GetObject(ctx, a.Location)
	assert.ErrorIs(t, err, ports.ErrObjectNotFound)
	rc, _, _, err := f.storage.GetObject(ctx, b)
	require.NoError(t, err, "failed delete leaves the object")
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg := durable.NewRegistry()
	require.NoError(t, f.acts.Register(reg))
	assert.ElementsMatch(t, []string{
		ListBitrates, Transcode, ExtractThumbnail, PrependIntro,
		SendApprovalRequest, Publish, Reject, Cleanup,
	}, reg.Activities())
	assert.Error(t, f.acts.Register(reg), "second registration collides")
}
