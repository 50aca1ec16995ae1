package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"videoflow/internal/durable"
	"videoflow/internal/httpkit"
	"videoflow/internal/pkg/errors"
	"videoflow/internal/videoflow"
)

const missingVideo = "Please pass the video location the query string or in the request body"

type StartWorkflowRequest struct {
	Video string `json:"video"`
}

// StartResponse carries the management links of a new instance.
type StartResponse struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	SendEventPostURI  string `json:"sendEventPostUri"`
}

// InstanceResponse is the public view of a workflow instance.
type InstanceResponse struct {
	InstanceID      string          `json:"instanceId"`
	Name            string          `json:"name"`
	RuntimeStatus   durable.Status  `json:"runtimeStatus"`
	ParentID        string          `json:"parentId,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
	CompletedTime   *time.Time      `json:"completedTime,omitempty"`
}

func toInstanceResponse(inst durable.Instance) InstanceResponse {
	return InstanceResponse{
		InstanceID:      inst.ID,
		Name:            inst.Workflow,
		RuntimeStatus:   inst.Status,
		ParentID:        inst.ParentID,
		Input:           inst.Input,
		Output:          inst.Output,
		Error:           inst.Error,
		CreatedTime:     inst.CreatedAt,
		LastUpdatedTime: inst.UpdatedAt,
		CompletedTime:   inst.CompletedAt,
	}
}

// StartWorkflow starts ProcessVideo for the video named in the query string
// or the JSON body.
func (h *Handler) StartWorkflow(w http.ResponseWriter, r *http.Request) error {
	video := strings.TrimSpace(r.URL.Query().Get("video"))
	if video == "" && r.Method == http.MethodPost {
		var req StartWorkflowRequest
		if err := httpkit.DecodeJSON(r, &req); err != nil {
			return errors.ValidationField("video", missingVideo)
		}
		video = strings.TrimSpace(req.Video)
	}
	if video == "" {
		return errors.ValidationField("video", missingVideo)
	}

	id, err := h.start(r, video)
	if err != nil {
		return err
	}
	h.writeStarted(w, r, id)
	return nil
}

func (h *Handler) start(r *http.Request, video string) (string, error) {
	id, err := h.engine.Start(r.Context(), videoflow.ProcessVideoWorkflow, videoflow.ProcessVideoInput{
		Video:           video,
		ApprovalTimeout: h.approvalTimeout,
	})
	if err != nil {
		return "", err
	}
	h.log.FromContext(r.Context()).Info("started orchestration", "instance_id", id, "video", video)
	return id, nil
}

func (h *Handler) writeStarted(w http.ResponseWriter, r *http.Request, id string) {
	status := h.baseURL(r) + "/workflows/" + id
	w.Header().Set("Location", status)
	httpkit.WriteJSON(w, http.StatusAccepted, StartResponse{
		ID:                id,
		StatusQueryGetURI: status,
		SendEventPostURI:  status + "/signals/{eventName}",
	})
}

// GetWorkflow returns the status of one instance.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "instanceId")
	inst, err := h.engine.Instance(r.Context(), id)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, toInstanceResponse(*inst))
	return nil
}

// ListWorkflows lists instances newest first, optionally filtered by
// runtime status.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()

	filter := durable.Filter{Limit: 50}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, ok := parseStatus(raw)
		if !ok {
			return errors.ValidationField("status", "status must be Running, Completed or Failed")
		}
		filter.Status = status
	}
	filter.Workflow = strings.TrimSpace(q.Get("workflow"))
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			filter.Limit = v
		}
	}

	instances, err := h.engine.List(r.Context(), filter)
	if err != nil {
		return err
	}
	items := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		items = append(items, toInstanceResponse(inst))
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
	return nil
}

func parseStatus(s string) (durable.Status, bool) {
	for _, st := range []durable.Status{durable.StatusRunning, durable.StatusCompleted, durable.StatusFailed} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

// RaiseSignal delivers the JSON request body as a named signal.
func (h *Handler) RaiseSignal(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "instanceId")
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, "handlers.RaiseSignal", "read body")
	}
	var payload any
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			return errors.Validation("signal payload must be JSON")
		}
		payload = json.RawMessage(body)
	}

	if err := h.engine.RaiseSignal(r.Context(), id, name, payload); err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{
		"instanceId": id,
		"signal":     name,
	})
	return nil
}
