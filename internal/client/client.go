// Package client is a small HTTP client for the videoflow API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"videoflow/internal/httpapi/handlers"
	"videoflow/internal/pkg/errors"
)

// Client talks to a running videoflow API server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ListResponse is the body of GET /workflows.
type ListResponse struct {
	Items []handlers.InstanceResponse `json:"items"`
	Count int                         `json:"count"`
}

// ApprovalResponse is the body returned after submitting a decision.
type ApprovalResponse struct {
	InstanceID string `json:"instanceId"`
	Result     string `json:"result"`
}

// Start starts ProcessVideo for video.
func (c *Client) Start(ctx context.Context, video string) (*handlers.StartResponse, error) {
	var out handlers.StartResponse
	if err := c.do(ctx, http.MethodPost, "/workflows", handlers.StartWorkflowRequest{Video: video}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches one instance.
func (c *Client) Status(ctx context.Context, id string) (*handlers.InstanceResponse, error) {
	var out handlers.InstanceResponse
	if err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List lists instances, optionally filtered by runtime status.
func (c *Client) List(ctx context.Context, status string, limit int) (*ListResponse, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitApproval posts decision for the approval code.
func (c *Client) SubmitApproval(ctx context.Context, code, decision string) (*ApprovalResponse, error) {
	path := "/approvals/" + url.PathEscape(code) + "?" + url.Values{"result": {decision}}.Encode()
	var out ApprovalResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorEnvelope struct {
	Error struct {
		Code    errors.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "client."+method, "request failed")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var env errorEnvelope
		if err := json.NewDecoder(res.Body).Decode(&env); err == nil && env.Error.Code != "" {
			return &errors.Error{Code: env.Error.Code, Message: env.Error.Message}
		}
		return errors.Newf(errors.CodeInternal, "videoflow http %d", res.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
