package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoflow/internal/activities"
	"videoflow/internal/adapters/storage/localfs"
	"videoflow/internal/correlation"
	"videoflow/internal/durable"
	"videoflow/internal/durable/durabletest"
	"videoflow/internal/httpapi"
	"videoflow/internal/httpapi/handlers"
	"videoflow/internal/metrics"
	"videoflow/internal/notify"
	"videoflow/internal/videoflow"
)

type captureNotifier struct{ emails []notify.ApprovalEmail }

func (n *captureNotifier) SendApprovalRequest(_ context.Context, e notify.ApprovalEmail) error {
	n.emails = append(n.emails, e)
	return nil
}

type server struct {
	h        *durabletest.Harness
	corr     *correlation.Memory
	notifier *captureNotifier
	handler  http.Handler
}

func newServer(t *testing.T, checks map[string]handlers.Check) *server {
	t.Helper()
	storage := localfs.New(t.TempDir())
	s := &server{corr: correlation.NewMemory(), notifier: &captureNotifier{}}

	codes := 0
	acts := activities.New(activities.Settings{
		Bitrates:  []int{480, 1080},
		PublicURL: "https://videos.example.com",
	}, activities.Deps{
		Storage:      storage,
		Correlations: s.corr,
		Notifier:     s.notifier,
		NewCode: func() string {
			codes++
			return "code" + string(rune('0'+codes))
		},
	})
	reg := durable.NewRegistry()
	require.NoError(t, acts.Register(reg))
	require.NoError(t, videoflow.Register(reg))
	s.h = durabletest.New(t, reg)

	promReg, err := metrics.NewRegistry()
	require.NoError(t, err)

	s.handler = httpapi.NewRouter(httpapi.Deps{
		Handlers: handlers.Deps{
			Engine:          s.h.Engine,
			Correlations:    s.corr,
			Storage:         storage,
			Checks:          checks,
			PublicURL:       "https://videos.example.com/",
			ApprovalTimeout: 30 * time.Second,
			NewUploadKey:    func() string { return "upload1" },
		},
		Metrics:     promReg,
		CORSOrigins: []string{"*"},
	})
	return s
}

func (s *server) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type errorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func TestStartFromQueryAndApprove(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(t, http.MethodGet, "/workflows?video=uploads/cat.mov", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started handlers.StartResponse
	decode(t, rec, &started)
	assert.Equal(t, "wf-1", started.ID)
	assert.Equal(t, "https://videos.example.com/workflows/wf-1", started.StatusQueryGetURI)
	assert.Equal(t, "https://videos.example.com/workflows/wf-1/signals/{eventName}", started.SendEventPostURI)
	assert.Equal(t, started.StatusQueryGetURI, rec.Header().Get("Location"))

	require.Len(t, s.notifier.emails, 1)
	assert.Equal(t, "https://videos.example.com/approvals/code1?result=Approved", s.notifier.emails[0].ApproveURL)

	rec = s.do(t, http.MethodGet, "/approvals/code1?result=approved", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"instanceId":"wf-1","result":"Approved"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var inst handlers.InstanceResponse
	decode(t, rec, &inst)
	assert.Equal(t, durable.StatusCompleted, inst.RuntimeStatus)
	assert.Equal(t, videoflow.ProcessVideoWorkflow, inst.Name)
	require.NotNil(t, inst.CompletedTime)

	var res videoflow.WorkflowResult
	require.NoError(t, json.Unmarshal(inst.Output, &res))
	assert.Equal(t, videoflow.Approved, res.ApprovalResult)
	assert.Equal(t, "cat-1080kbps.mp4", res.Transcoded)

	var in videoflow.ProcessVideoInput
	require.NoError(t, json.Unmarshal(inst.Input, &in))
	assert.Equal(t, 30*time.Second, in.ApprovalTimeout)
}

func TestStartFromBody(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(t, http.MethodPost, "/workflows", `{"video":"uploads/dog.mov"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "dog-1080kbps-intro.mp4", s.notifier.emails[0].Video)
}

func TestStartWithoutVideo(t *testing.T) {
	s := newServer(t, nil)
	for _, tc := range []struct {
		name, method, target, body string
	}{
		{"post without body", http.MethodPost, "/workflows", ""},
		{"post with empty video", http.MethodPost, "/workflows", `{"video":"  "}`},
		{"get with empty video", http.MethodGet, "/workflows?video=", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.target, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			decode(t, rec, &body)
			assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
			assert.Contains(t, body.Error.Message, "Please pass the video location the query string or in the request body")
		})
	}
}

func TestApprovalValidation(t *testing.T) {
	s := newServer(t, nil)
	s.do(t, http.MethodPost, "/workflows?video=cat.mov", "")

	rec := s.do(t, http.MethodPost, "/approvals/code1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Need an approval result")

	rec = s.do(t, http.MethodPost, "/approvals/code1?result=Maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/approvals/nope?result=Approved", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	assert.Equal(t, "NOT_FOUND", body.Error.Code)

	assert.Equal(t, durable.StatusRunning, s.h.Instance(t, "wf-1").Status, "failed submissions leave the instance alone")
}

func TestRejectViaRawSignal(t *testing.T) {
	s := newServer(t, nil)
	s.do(t, http.MethodPost, "/workflows?video=cat.mov", "")

	rec := s.do(t, http.MethodPost, "/workflows/wf-1/signals/ApprovalResult", `"Rejected"`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res videoflow.WorkflowResult
	s.h.Output(t, "wf-1", &res)
	assert.Equal(t, videoflow.Rejected, res.ApprovalResult)

	rec = s.do(t, http.MethodPost, "/workflows/wf-1/signals/ApprovalResult", `{broken`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/workflows/missing/signals/ApprovalResult", `"Approved"`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUnknownWorkflow(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(t, http.MethodGet, "/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflows(t *testing.T) {
	s := newServer(t, nil)
	s.do(t, http.MethodPost, "/workflows?video=a.mov", "")
	s.h.Clock.Advance(time.Second)
	s.do(t, http.MethodPost, "/workflows?video=b.mov", "")
	s.h.Clock.Advance(30 * time.Second)

	rec := s.do(t, http.MethodGet, "/workflows?workflow=ProcessVideo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []handlers.InstanceResponse `json:"items"`
		Count int                         `json:"count"`
	}
	decode(t, rec, &list)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "wf-2", list.Items[0].InstanceID)
	assert.Equal(t, "wf-1", list.Items[1].InstanceID)

	rec = s.do(t, http.MethodGet, "/workflows?status=completed&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, durable.StatusCompleted, list.Items[0].RuntimeStatus)

	rec = s.do(t, http.MethodGet, "/workflows?status=Sleeping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndStart(t *testing.T) {
	s := newServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "holiday.mp4")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("not really a video"))
	require.NoError(t, mw.WriteField("start", "true"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/videos", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	inst := s.h.Instance(t, "wf-1")
	var in videoflow.ProcessVideoInput
	require.NoError(t, json.Unmarshal(inst.Input, &in))
	assert.Equal(t, "uploads/upload1.mp4", in.Video)

	rec = s.do(t, http.MethodGet, "/artifacts/content/uploads/upload1.mp4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not really a video", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/artifacts/url/upload1-1080kbps.mp4", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"key":"upload1-1080kbps.mp4"`)

	rec = s.do(t, http.MethodGet, "/artifacts/content/missing.mp4", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newServer(t, map[string]handlers.Check{
		"history": func(context.Context) error { return nil },
		"redis":   func(context.Context) error { return errors.New("connection refused") },
	})

	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"videoflow"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/health?deep=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["history"]["status"])
	assert.Equal(t, "connection refused", body.Checks["redis"]["error"])
	assert.Equal(t, "localfs", body.Checks["storage"]["provider"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, nil)
	s.do(t, http.MethodGet, "/health", "")

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "videoflow_http_requests_total")
}

func TestRequestIDEchoed(t *testing.T) {
	s := newServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("Origin", "http://ui.test")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "http://ui.test", rec.Header().Get("Access-Control-Allow-Origin"))
}
