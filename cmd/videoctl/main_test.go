package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/workflows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"abc","statusQueryGetUri":"http://api/workflows/abc","sendEventPostUri":"x"}`))
			return
		}
		items := []map[string]any{
			{"instanceId": "abc", "name": "ProcessVideo", "runtimeStatus": "Running", "createdTime": "2024-01-01T12:00:00Z"},
			{"instanceId": "abc:1", "name": "TranscodeVideo", "runtimeStatus": "Completed", "createdTime": "2024-01-01T12:00:01Z"},
		}
		if s := r.URL.Query().Get("status"); s != "" {
			items = items[:0]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "count": len(items)})
	})
	mux.HandleFunc("/workflows/abc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instanceId":"abc","name":"ProcessVideo","runtimeStatus":"Completed",
			"createdTime":"2024-01-01T12:00:00Z","completedTime":"2024-01-01T12:00:40Z",
			"output":{"status":"succeeded","approvalResult":"Approved"}}`))
	})
	mux.HandleFunc("/approvals/c0de", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instanceId":"abc","result":"` + r.URL.Query().Get("result") + `"}`))
	})
	mux.HandleFunc("/approvals/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"approval code not found"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStartCommand(t *testing.T) {
	srv := fakeAPI(t)
	out, err := runCLI(t, srv.URL, "start", "uploads/clip.mp4")
	require.NoError(t, err)
	assert.Contains(t, out, "Started abc")
	assert.Contains(t, out, "http://api/workflows/abc")
}

func TestStatusCommand(t *testing.T) {
	srv := fakeAPI(t)
	out, err := runCLI(t, srv.URL, "status", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:   Completed")
	assert.Contains(t, out, "Finished: 2024-01-01T12:00:40Z")
	assert.Contains(t, out, `"approvalResult":"Approved"`)
}

func TestListCommandRendersTable(t *testing.T) {
	srv := fakeAPI(t)
	out, err := runCLI(t, srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TranscodeVideo")
	assert.Contains(t, out, "abc:1")
	assert.True(t, strings.Contains(out, "╭"), "expected rounded table border")

	out, err = runCLI(t, srv.URL, "list", "--status", "Failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No workflows")
}

func TestDecisionCommands(t *testing.T) {
	srv := fakeAPI(t)

	out, err := runCLI(t, srv.URL, "approve", "c0de")
	require.NoError(t, err)
	assert.Contains(t, out, "Approved sent to abc")

	out, err = runCLI(t, srv.URL, "reject", "c0de")
	require.NoError(t, err)
	assert.Contains(t, out, "Rejected sent to abc")

	_, err = runCLI(t, srv.URL, "approve", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approval code not found")
}

func TestArgsAreValidated(t *testing.T) {
	_, err := runCLI(t, "http://127.0.0.1:1", "start")
	require.Error(t, err)
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "A")
	assert.Contains(t, out, "x")
	assert.Empty(t, renderTable(nil, nil, nil))
}
