package httpkit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSAllowedOrigin(t *testing.T) {
	h := CORS(CORSOptions{AllowedOrigins: []string{" http://localhost:5173 ", ""}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodGet, "/workflows", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORS(CORSOptions{AllowedOrigins: []string{"*"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/approvals/x", nil)
	req.Header.Set("Origin", "http://anywhere.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://anywhere.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestDecodeJSON(t *testing.T) {
	var body struct {
		Video string `json:"video"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"video":"a.mp4"}`))
	require.NoError(t, DecodeJSON(req, &body))
	assert.Equal(t, "a.mp4", body.Video)

	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	assert.NoError(t, DecodeJSON(req, &body))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	assert.Error(t, DecodeJSON(req, &body))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]string{"id": "wf-1"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":"wf-1"}`, rec.Body.String())
}
